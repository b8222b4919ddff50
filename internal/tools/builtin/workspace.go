package builtin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	nerrors "neko/internal/errors"
)

// Workspace confines file tools to one directory tree. Each session keeps
// its own working directory inside it, moved with the cd tool.
type Workspace struct {
	root string

	mu   sync.RWMutex
	cwds map[string]string
}

// NewWorkspace returns a guard rooted at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return &Workspace{root: abs, cwds: make(map[string]string)}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Cwd returns the working directory of session, the root until cd moves it.
func (w *Workspace) Cwd(session string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if dir, ok := w.cwds[session]; ok {
		return dir
	}
	return w.root
}

// Chdir moves the working directory of session. The target must be an
// existing directory inside the workspace once symlinks are resolved.
func (w *Workspace) Chdir(session, raw string) (string, error) {
	dir, err := w.Resolve(session, raw)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nerrors.New(nerrors.KindNotFound, "cd", "%s does not exist", raw)
		}
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(w.root)
	if err != nil {
		return "", err
	}
	if !pathWithinBase(rootReal, resolved) {
		return "", nerrors.New(nerrors.KindInvalidTarget, "cd", "%q leaves the workspace", raw)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", nerrors.New(nerrors.KindInvalidArguments, "cd", "%s is not a directory", raw)
	}
	rel, err := filepath.Rel(rootReal, resolved)
	if err != nil {
		return "", err
	}
	dir = filepath.Join(w.root, rel)

	w.mu.Lock()
	defer w.mu.Unlock()
	if dir == w.root {
		delete(w.cwds, session)
	} else {
		w.cwds[session] = dir
	}
	return dir, nil
}

// Resolve maps a path onto an absolute path inside the workspace. Relative
// paths start at the session's working directory.
func (w *Workspace) Resolve(session, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nerrors.New(nerrors.KindInvalidArguments, "path", "path cannot be empty")
	}
	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.Cwd(session), candidate)
	}
	if !pathWithinBase(w.root, candidate) {
		return "", nerrors.New(nerrors.KindInvalidTarget, "path", "path %q must stay within the workspace", raw)
	}
	return filepath.Clean(candidate), nil
}

// ResolveWritable is Resolve plus the memory and cron ownership rules.
func (w *Workspace) ResolveWritable(session, raw string) (string, error) {
	path, err := w.Resolve(session, raw)
	if err != nil {
		return "", err
	}
	for _, owned := range []string{"memory", "cron"} {
		if pathWithinBase(filepath.Join(w.root, owned), path) {
			return "", nerrors.New(nerrors.KindInvalidTarget, "path",
				"%s/ is managed by dedicated tools; use memory_write or cron_manage", owned)
		}
	}
	return path, nil
}

// Rel returns path relative to the workspace root.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false
	}
	return true
}
