package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	nerrors "neko/internal/errors"
	"neko/internal/filestore"
	"neko/internal/jsonx"
)

// FileJobStore keeps every job in one JSON array at path (cron/jobs.json).
// Each operation re-reads the file so edits made by another process between
// ticks are observed, then writes it back atomically. Operations hold an
// advisory lock on path+".lock" so a CLI edit and the serve loop never
// interleave a read-modify-write.
type FileJobStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileJobStore returns a store backed by the file at path. The file and
// its directory are created on the first write.
func NewFileJobStore(path string) *FileJobStore {
	return &FileJobStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *FileJobStore) Path() string {
	return s.path
}

// lock serializes in-process callers first so the file lock is never
// contended by the same store.
func (s *FileJobStore) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	unlock, err := filestore.LockFile(ctx, s.path+".lock")
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	return func() {
		unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FileJobStore) List(ctx context.Context) ([]Job, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadLocked()
}

func (s *FileJobStore) Get(ctx context.Context, ref string) (*Job, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	idx := findJob(jobs, ref)
	if idx < 0 {
		return nil, fmt.Errorf("jobstore: %q: %w", ref, ErrJobNotFound)
	}
	job := jobs[idx]
	return &job, nil
}

func (s *FileJobStore) Create(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, existing := range jobs {
		if existing.ID == job.ID || (job.Name != "" && existing.Name == job.Name) {
			return fmt.Errorf("jobstore: %q: %w", firstNonEmpty(job.Name, job.ID), ErrJobExists)
		}
	}

	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return s.saveLocked(append(jobs, job))
}

func (s *FileJobStore) Update(ctx context.Context, ref string, fn func(*Job) error) (*Job, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	idx := findJob(jobs, ref)
	if idx < 0 {
		return nil, fmt.Errorf("jobstore: %q: %w", ref, ErrJobNotFound)
	}

	updated := jobs[idx]
	if err := fn(&updated); err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	for i, other := range jobs {
		if i != idx && updated.Name != "" && other.Name == updated.Name {
			return nil, fmt.Errorf("jobstore: %q: %w", updated.Name, ErrJobExists)
		}
	}
	updated.ID = jobs[idx].ID
	updated.CreatedAt = jobs[idx].CreatedAt
	updated.UpdatedAt = s.now().UTC()
	jobs[idx] = updated

	if err := s.saveLocked(jobs); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *FileJobStore) Delete(ctx context.Context, ref string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return err
	}
	idx := findJob(jobs, ref)
	if idx < 0 {
		return fmt.Errorf("jobstore: %q: %w", ref, ErrJobNotFound)
	}
	return s.saveLocked(append(jobs[:idx], jobs[idx+1:]...))
}

func (s *FileJobStore) Claim(ctx context.Context, id string, now time.Time) (*Job, bool, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	jobs, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}
	idx := findJob(jobs, id)
	if idx < 0 {
		return nil, false, nil
	}
	job := &jobs[idx]
	if !job.IsDue(now) {
		return nil, false, nil
	}

	job.Status = JobStatusRunning
	job.RunningSince = now.UTC()
	job.UpdatedAt = now.UTC()
	if err := s.saveLocked(jobs); err != nil {
		return nil, false, err
	}
	claimed := *job
	return &claimed, true, nil
}

// loadLocked reads the job file. A missing file is an empty store; an
// unreadable or unparseable one is reported as corrupted and never reset.
func (s *FileJobStore) loadLocked() ([]Job, error) {
	data, err := filestore.ReadFileOrEmpty(s.path)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "jobstore", fmt.Errorf("read %s: %w", s.path, err))
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var jobs []Job
	if err := jsonx.Unmarshal(data, &jobs); err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "jobstore", fmt.Errorf("decode %s: %w", s.path, err))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *FileJobStore) saveLocked(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := filestore.MarshalJSONIndent(jobs)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	if err := filestore.AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("jobstore: write failed: %w", err)
	}
	return nil
}

func findJob(jobs []Job, ref string) int {
	for i := range jobs {
		if jobs[i].ID == ref {
			return i
		}
	}
	for i := range jobs {
		if jobs[i].Matches(ref) {
			return i
		}
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
