package filestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const fileLockRetry = 20 * time.Millisecond

// PathLocks hands out one mutex per cleaned file path. Writers to the same
// file serialize; writers to different files proceed in parallel.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for path and returns its release func.
func (p *PathLocks) Lock(path string) (unlock func()) {
	key := filepath.Clean(path)
	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// LockFile takes an advisory lock on path that other processes honour too,
// retrying until ctx is done. The lock file is created when missing and
// left in place after unlock.
func LockFile(ctx context.Context, path string) (unlock func(), err error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: not acquired", path)
	}
	return func() { _ = fl.Unlock() }, nil
}
