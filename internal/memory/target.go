package memory

import (
	"path/filepath"
	"strings"
	"time"

	nerrors "neko/internal/errors"
)

// TargetKind names the tier a memory file belongs to.
type TargetKind int

const (
	TargetCore TargetKind = iota
	TargetDaily
	TargetRecall
)

func (k TargetKind) String() string {
	switch k {
	case TargetCore:
		return "core"
	case TargetDaily:
		return "daily"
	case TargetRecall:
		return "recall"
	default:
		return "unknown"
	}
}

// Target addresses one memory file.
type Target struct {
	Kind TargetKind
	Date string // TargetDaily: YYYY-MM-DD, empty means today
	Name string // TargetRecall: file name inside memory/recall
}

// Core addresses MEMORY.md.
func Core() Target { return Target{Kind: TargetCore} }

// Today addresses the current day's log.
func Today() Target { return Target{Kind: TargetDaily} }

// Daily addresses the log for the given day.
func Daily(day time.Time) Target {
	return Target{Kind: TargetDaily, Date: day.Format(dateLayout)}
}

// Recall addresses a file in the recall archive.
func Recall(name string) Target { return Target{Kind: TargetRecall, Name: name} }

func (t Target) String() string {
	switch t.Kind {
	case TargetCore:
		return coreFileName
	case TargetDaily:
		if t.Date == "" {
			return "today"
		}
		return t.Date + ".md"
	case TargetRecall:
		return recallDirName + "/" + t.Name
	}
	return "unknown"
}

// ParseTarget maps user or tool input onto a Target. Accepted forms:
// "core", "MEMORY.md", "today", "daily", "YYYY-MM-DD[.md]",
// "recall/<name>[.md]". Anything else is InvalidTarget.
func ParseTarget(raw string) (Target, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, memoryDirName+"/")
	lower := strings.ToLower(value)

	switch lower {
	case "", "core", "memory", "memory.md":
		return Core(), nil
	case "today", "daily":
		return Today(), nil
	}

	if strings.HasPrefix(lower, recallDirName+"/") {
		name := value[len(recallDirName)+1:]
		if err := validateFileName(name); err != nil {
			return Target{}, err
		}
		return Recall(name), nil
	}

	date := strings.TrimSuffix(value, ".md")
	if _, err := time.Parse(dateLayout, date); err == nil {
		return Target{Kind: TargetDaily, Date: date}, nil
	}

	return Target{}, nerrors.New(nerrors.KindInvalidTarget, "memory", "%q is not a memory file (use MEMORY.md, a YYYY-MM-DD log, or recall/<name>)", raw)
}

func validateFileName(name string) error {
	if name == "" {
		return nerrors.New(nerrors.KindInvalidTarget, "memory", "file name is required")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return nerrors.New(nerrors.KindInvalidTarget, "memory", "invalid file name %q", name)
	}
	return nil
}

// resolve maps a target onto an absolute path, refusing anything that
// escapes the memory root.
func (s *Store) resolve(t Target) (string, error) {
	var rel string
	switch t.Kind {
	case TargetCore:
		rel = coreFileName
	case TargetDaily:
		date := t.Date
		if date == "" {
			date = s.now().Format(dateLayout)
		}
		if _, err := time.Parse(dateLayout, date); err != nil {
			return "", nerrors.New(nerrors.KindInvalidTarget, "memory", "invalid log date %q", t.Date)
		}
		rel = date + ".md"
	case TargetRecall:
		if err := validateFileName(t.Name); err != nil {
			return "", err
		}
		name := t.Name
		if !strings.HasSuffix(name, ".md") {
			name += ".md"
		}
		rel = filepath.Join(recallDirName, name)
	default:
		return "", nerrors.New(nerrors.KindInvalidTarget, "memory", "unknown target kind %d", t.Kind)
	}

	abs := filepath.Clean(filepath.Join(s.root, rel))
	if !strings.HasPrefix(abs, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", nerrors.New(nerrors.KindInvalidTarget, "memory", "path outside memory root")
	}
	return abs, nil
}
