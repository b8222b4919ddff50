package memory

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	nerrors "neko/internal/errors"
	"neko/internal/filestore"
)

// SearchOptions controls Search. The zero value is a case-insensitive
// literal search with no result limit.
type SearchOptions struct {
	Regex         bool
	CaseSensitive bool
	MaxResults    int
}

// SearchHit is one matching line.
type SearchHit struct {
	File string `json:"file"` // workspace-relative
	Line int    `json:"line"` // 1-based
	Text string `json:"text"`
}

// FileInfo describes one memory file.
type FileInfo struct {
	Path    string     `json:"path"`
	Kind    TargetKind `json:"-"`
	Chars   int        `json:"chars"`
	ModTime time.Time  `json:"mod_time"`
}

// Search scans every memory file and returns matching lines, most recently
// modified file first, then in line order.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nerrors.New(nerrors.KindInvalidPattern, "memory.search", "query is empty")
	}
	pattern := query
	if !opts.Regex {
		pattern = regexp.QuoteMeta(query)
	}
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := s.compile(pattern)
	if err != nil {
		return nil, err
	}

	files, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.readFile(filepath.Join(s.workspace, filepath.FromSlash(f.Path)))
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if !re.MatchString(text) {
				continue
			}
			hits = append(hits, SearchHit{File: f.Path, Line: line, Text: text})
			if opts.MaxResults > 0 && len(hits) >= opts.MaxResults {
				return hits, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, nerrors.Wrap(nerrors.KindCorrupted, "memory.search "+f.Path, err)
		}
	}
	return hits, nil
}

// List returns every memory file, most recently modified first. Files with
// equal modification times are ordered by path, newest name first.
func (s *Store) List(_ context.Context) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := filestore.ReadFileOrEmpty(path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    s.rel(path),
			Kind:    kindOf(s.root, path),
			Chars:   utf8.RuneCount(data),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "memory.list", err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Path > files[j].Path
	})
	return files, nil
}

func (s *Store) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := s.patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidPattern, "memory", err)
	}
	s.patterns.Add(pattern, re)
	return re, nil
}

func kindOf(root, path string) TargetKind {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return TargetDaily
	}
	switch {
	case rel == coreFileName:
		return TargetCore
	case strings.HasPrefix(rel, recallDirName+string(filepath.Separator)):
		return TargetRecall
	default:
		return TargetDaily
	}
}
