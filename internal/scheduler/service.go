package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/logging"
)

// AnnounceNone clears an announce target.
const AnnounceNone = "none"

// JobSpec describes a job to create. Exactly one of Cron and At is set.
type JobSpec struct {
	Prompt       string
	Name         string
	Cron         string
	At           string
	Announce     string
	KeepAfterRun bool
}

// JobEdit lists the fields to change. Nil fields are left untouched.
type JobEdit struct {
	Prompt       *string
	Name         *string
	Cron         *string
	At           *string
	Announce     *string
	Enabled      *bool
	KeepAfterRun *bool
}

// Service implements the job management operations shared by the command
// line and the agent's cron_manage tool. Neither path has a private API.
type Service struct {
	store   JobStore
	history *HistoryLog
	now     func() time.Time
	loc     *time.Location
	logger  logging.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock injects the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone used for --at values without an offset.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService wires a Service over store and history.
func NewService(store JobStore, history *HistoryLog, logger logging.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		history: history,
		now:     time.Now,
		loc:     time.Local,
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying job store.
func (s *Service) Store() JobStore {
	return s.store
}

// Add creates a job. When spec.Announce is empty the origin address, if
// any, becomes the announce target.
func (s *Service) Add(ctx context.Context, spec JobSpec, origin *channels.Address) (*Job, error) {
	prompt := strings.TrimSpace(spec.Prompt)
	if prompt == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "cron add", "prompt is required")
	}

	now := s.now()
	schedule, err := s.buildSchedule(spec.Cron, spec.At, now)
	if err != nil {
		return nil, err
	}
	announce, err := resolveAnnounce(spec.Announce, origin)
	if err != nil {
		return nil, err
	}
	next, err := nextFromSchedule(schedule, now)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidArguments, "cron add", err)
	}

	job := Job{
		ID:           newJobID(),
		Name:         strings.TrimSpace(spec.Name),
		Prompt:       prompt,
		Schedule:     schedule,
		Announce:     announce,
		Status:       JobStatusActive,
		KeepAfterRun: spec.KeepAfterRun,
		NextRun:      next.UTC(),
		CreatedAt:    now.UTC(),
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("Scheduler: added job %s (%s, next %s)", job.ID, job.Schedule, job.NextRun.Format(time.RFC3339))
	return &job, nil
}

// Edit applies edit to the job found by id or name.
func (s *Service) Edit(ctx context.Context, ref string, edit JobEdit) (*Job, error) {
	if edit.Cron != nil && edit.At != nil {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "cron edit", "use either a cron schedule or --at, not both")
	}
	now := s.now()

	var schedule *Schedule
	if edit.Cron != nil || edit.At != nil {
		var cronExpr, at string
		if edit.Cron != nil {
			cronExpr = *edit.Cron
		}
		if edit.At != nil {
			at = *edit.At
		}
		built, err := s.buildSchedule(cronExpr, at, now)
		if err != nil {
			return nil, err
		}
		schedule = &built
	}

	var announce *channels.Address
	if edit.Announce != nil {
		addr, err := resolveAnnounce(*edit.Announce, nil)
		if err != nil {
			return nil, err
		}
		announce = addr
	}

	job, err := s.store.Update(ctx, ref, func(job *Job) error {
		if job.Status == JobStatusRunning {
			return nerrors.New(nerrors.KindInvalidArguments, "cron edit", "job %s is running; try again after it finishes", job.ID)
		}
		if edit.Prompt != nil {
			prompt := strings.TrimSpace(*edit.Prompt)
			if prompt == "" {
				return nerrors.New(nerrors.KindInvalidArguments, "cron edit", "prompt cannot be empty")
			}
			job.Prompt = prompt
		}
		if edit.Name != nil && strings.TrimSpace(*edit.Name) != "" {
			job.Name = strings.TrimSpace(*edit.Name)
		}
		if edit.Announce != nil {
			job.Announce = announce
		}
		if edit.KeepAfterRun != nil {
			job.KeepAfterRun = *edit.KeepAfterRun
		}
		rescheduled := false
		if schedule != nil {
			job.Schedule = *schedule
			rescheduled = true
		}
		if edit.Enabled != nil {
			if *edit.Enabled {
				job.Status = JobStatusActive
				job.Retry = RetryState{}
				rescheduled = true
			} else {
				job.Status = JobStatusDisabled
			}
		}
		if rescheduled {
			next, err := nextFromSchedule(job.Schedule, now)
			if err != nil {
				return nerrors.Wrap(nerrors.KindInvalidArguments, "cron edit", err)
			}
			job.NextRun = next.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Scheduler: edited job %s", job.ID)
	return job, nil
}

// Remove deletes the job found by id or name and returns it.
func (s *Service) Remove(ctx context.Context, ref string) (*Job, error) {
	job, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, job.ID); err != nil {
		return nil, err
	}
	s.logger.Info("Scheduler: removed job %s", job.ID)
	return job, nil
}

// Get returns the job found by id or name.
func (s *Service) Get(ctx context.Context, ref string) (*Job, error) {
	return s.store.Get(ctx, ref)
}

// List returns the jobs. Exhausted one-shot jobs are only included when
// all is set.
func (s *Service) List(ctx context.Context, all bool) ([]Job, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return jobs, nil
	}
	visible := jobs[:0]
	for _, job := range jobs {
		if job.Status == JobStatusExhausted {
			continue
		}
		visible = append(visible, job)
	}
	return visible, nil
}

// History returns the last n history entries.
func (s *Service) History(ctx context.Context, n int) ([]HistoryEntry, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.Tail(ctx, n)
}

func (s *Service) buildSchedule(cronExpr, at string, now time.Time) (Schedule, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	at = strings.TrimSpace(at)
	switch {
	case cronExpr != "" && at != "":
		return Schedule{}, nerrors.New(nerrors.KindInvalidArguments, "cron", "use either a cron schedule or --at, not both")
	case cronExpr != "":
		if _, err := ParseCron(cronExpr); err != nil {
			return Schedule{}, nerrors.Wrap(nerrors.KindInvalidArguments, "cron", err)
		}
		return Schedule{Kind: ScheduleCron, Expr: cronExpr}, nil
	case at != "":
		t, err := ParseAt(at, s.loc)
		if err != nil {
			return Schedule{}, nerrors.Wrap(nerrors.KindInvalidArguments, "cron", err)
		}
		if t.Before(now.Add(-time.Minute)) {
			return Schedule{}, nerrors.New(nerrors.KindInvalidArguments, "cron", "time %s is in the past", t.Format(time.RFC3339))
		}
		return Schedule{Kind: ScheduleAt, At: t.UTC()}, nil
	}
	return Schedule{}, nerrors.New(nerrors.KindInvalidArguments, "cron", "a cron schedule or --at time is required")
}

func resolveAnnounce(raw string, origin *channels.Address) (*channels.Address, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(raw, AnnounceNone):
		return nil, nil
	case raw == "":
		if origin == nil || origin.IsZero() {
			return nil, nil
		}
		addr := *origin
		return &addr, nil
	}
	addr, err := channels.ParseAddress(raw)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindInvalidArguments, "cron", fmt.Errorf("announce: %w", err))
	}
	return &addr, nil
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
