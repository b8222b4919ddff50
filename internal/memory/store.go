package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"neko/internal/diff"
	nerrors "neko/internal/errors"
	"neko/internal/filestore"
	"neko/internal/logging"
)

const (
	memoryDirName   = "memory"
	recallDirName   = "recall"
	coreFileName    = "MEMORY.md"
	dateLayout      = "2006-01-02"
	defaultCoreCap  = 2000
	patternCacheLen = 128

	coreTemplate = "# Memory\n\nThis file is always loaded into the agent's context.\n"
)

// WriteMode selects how Write combines new content with the existing file.
type WriteMode int

const (
	ModeAppend WriteMode = iota
	ModeOverwrite
)

// WriteResult describes a completed write.
type WriteResult struct {
	Path             string // workspace-relative
	Chars            int    // file length in characters after the write
	CompactionNeeded bool
}

// ReplaceOptions controls how Replace interprets find.
type ReplaceOptions struct {
	Regex bool
}

// ReplaceResult describes a completed replace.
type ReplaceResult struct {
	Path             string
	Replacements     int
	Chars            int
	CompactionNeeded bool
	Diff             string
}

// Store owns the on-disk memory tree under <workspace>/memory. All reads and
// writes of memory files go through it.
type Store struct {
	workspace string
	root      string
	coreCap   int
	now       func() time.Time
	locks     *filestore.PathLocks
	patterns  *lru.Cache[string, *regexp.Regexp]
	differ    *diff.Generator
	logger    logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCoreCap overrides the core memory soft cap (in characters).
func WithCoreCap(chars int) Option {
	return func(s *Store) {
		if chars > 0 {
			s.coreCap = chars
		}
	}
}

// WithClock injects the time source used for daily log dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrNop(logger)
	}
}

// NewStore creates a store rooted at workspace. Call EnsureWorkspace before
// first use on a fresh workspace.
func NewStore(workspace string, opts ...Option) *Store {
	patterns, _ := lru.New[string, *regexp.Regexp](patternCacheLen)
	s := &Store{
		workspace: workspace,
		root:      filepath.Join(workspace, memoryDirName),
		coreCap:   defaultCoreCap,
		now:       time.Now,
		locks:     filestore.NewPathLocks(),
		patterns:  patterns,
		differ:    diff.NewGenerator(false),
		logger:    logging.NewComponentLogger("memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the absolute memory directory.
func (s *Store) Root() string { return s.root }

// CoreCap returns the core memory soft cap.
func (s *Store) CoreCap() int { return s.coreCap }

// EnsureWorkspace creates the memory tree and seeds MEMORY.md when missing.
func (s *Store) EnsureWorkspace() error {
	if err := filestore.EnsureDir(filepath.Join(s.root, recallDirName)); err != nil {
		return fmt.Errorf("memory: create dirs: %w", err)
	}
	path := filepath.Join(s.root, coreFileName)
	unlock := s.locks.Lock(path)
	defer unlock()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("memory: stat core: %w", err)
	}
	return filestore.AtomicWrite(path, []byte(coreTemplate), 0o644)
}

// Read returns the content of target. A missing file reads as empty.
func (s *Store) Read(_ context.Context, target Target) (string, error) {
	path, err := s.resolve(target)
	if err != nil {
		return "", err
	}
	data, err := s.readFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write stores content into target. Core memory writes beyond the cap are
// kept in full; the result reports CompactionNeeded instead.
func (s *Store) Write(_ context.Context, target Target, content string, mode WriteMode) (*WriteResult, error) {
	path, err := s.resolve(target)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(path)
	defer unlock()

	existing, err := s.readFile(path)
	if err != nil {
		return nil, err
	}

	var next string
	switch mode {
	case ModeOverwrite:
		next = content
	default:
		base := string(existing)
		if base == "" && target.Kind == TargetDaily {
			base = dailyHeader(s.targetDate(target))
		}
		next = appendBlock(base, content)
	}

	if err := filestore.AtomicWrite(path, []byte(next), 0o644); err != nil {
		return nil, fmt.Errorf("memory: write %s: %w", s.rel(path), err)
	}

	res := &WriteResult{Path: s.rel(path), Chars: utf8.RuneCountInString(next)}
	if target.Kind == TargetCore && res.Chars > s.coreCap {
		res.CompactionNeeded = true
		s.logger.Warn("core memory at %d/%d chars, compaction needed", res.Chars, s.coreCap)
	}
	return res, nil
}

// Replace substitutes every match of find in target with replacement. An
// empty replacement deletes the matched spans. Matching is case-sensitive;
// with opts.Regex the replacement may reference groups as $1.
func (s *Store) Replace(_ context.Context, target Target, find, replacement string, opts ReplaceOptions) (*ReplaceResult, error) {
	if find == "" {
		return nil, nerrors.New(nerrors.KindInvalidPattern, "memory.replace", "find text is empty")
	}
	path, err := s.resolve(target)
	if err != nil {
		return nil, err
	}

	var re *regexp.Regexp
	if opts.Regex {
		re, err = s.compile(find)
		if err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(path)
	defer unlock()

	data, err := s.readFile(path)
	if err != nil {
		return nil, err
	}
	original := string(data)

	var updated string
	var count int
	if re != nil {
		count = len(re.FindAllStringIndex(original, -1))
		updated = re.ReplaceAllString(original, replacement)
	} else {
		count = strings.Count(original, find)
		updated = strings.ReplaceAll(original, find, replacement)
	}
	if count == 0 {
		return nil, nerrors.New(nerrors.KindNotFound, "memory.replace", "no match for %q in %s", find, s.rel(path))
	}

	if err := filestore.AtomicWrite(path, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("memory: write %s: %w", s.rel(path), err)
	}

	res := &ReplaceResult{
		Path:         s.rel(path),
		Replacements: count,
		Chars:        utf8.RuneCountInString(updated),
		Diff:         s.differ.Generate(original, updated, s.rel(path)).Unified,
	}
	if target.Kind == TargetCore && res.Chars > s.coreCap {
		res.CompactionNeeded = true
	}
	return res, nil
}

// EnsureToday creates today's daily log with its header if missing.
func (s *Store) EnsureToday() (string, error) {
	date := s.now().Format(dateLayout)
	path := filepath.Join(s.root, date+".md")
	unlock := s.locks.Lock(path)
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return s.rel(path), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("memory: stat daily log: %w", err)
	}
	if err := filestore.AtomicWrite(path, []byte(dailyHeader(date)), 0o644); err != nil {
		return "", fmt.Errorf("memory: create daily log: %w", err)
	}
	return s.rel(path), nil
}

func (s *Store) targetDate(target Target) string {
	if target.Date != "" {
		return target.Date
	}
	return s.now().Format(dateLayout)
}

// readFile treats a missing file as empty and any other failure as
// corruption of that file.
func (s *Store) readFile(path string) ([]byte, error) {
	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "memory: read "+s.rel(path), err)
	}
	if !utf8.Valid(data) {
		return nil, nerrors.New(nerrors.KindCorrupted, "memory: read "+s.rel(path), "file is not valid UTF-8")
	}
	return data, nil
}

func (s *Store) rel(path string) string {
	if rel, err := filepath.Rel(s.workspace, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

func dailyHeader(date string) string {
	return "# Daily Log: " + date + "\n\n"
}

func appendBlock(base, content string) string {
	if base == "" {
		return ensureTrailingNewline(content)
	}
	if !strings.HasSuffix(base, "\n") {
		base += "\n"
	}
	return base + ensureTrailingNewline(content)
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
