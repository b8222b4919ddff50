package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job does not exist in the store.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when a job name or id is already taken.
var ErrJobExists = errors.New("job already exists")

// JobStore persists scheduler jobs. Every mutation is atomic per job so two
// overlapping ticks can never both claim the same due job.
type JobStore interface {
	// List returns all jobs ordered by creation time.
	List(ctx context.Context) ([]Job, error)
	// Get finds a job by id or name.
	Get(ctx context.Context, ref string) (*Job, error)
	// Create adds a new job. Ids and names must be unique.
	Create(ctx context.Context, job Job) error
	// Update applies fn to the job found by ref and persists the result.
	Update(ctx context.Context, ref string, fn func(*Job) error) (*Job, error)
	// Delete removes the job found by ref.
	Delete(ctx context.Context, ref string) error
	// Claim marks the job running if, and only if, it is still active and
	// due at now. The boolean reports whether this caller won the claim.
	Claim(ctx context.Context, id string, now time.Time) (*Job, bool, error)
}
