package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nerrors "neko/internal/errors"
)

const (
	tracerName    = "neko/scheduler"
	recordTimeout = 10 * time.Second
)

// execute runs one claimed job through the agent and records the outcome.
func (s *Scheduler) execute(job Job) {
	ctx, span := otel.Tracer(tracerName).Start(s.runCtx, "scheduler.job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.name", job.Name),
			attribute.String("job.schedule", job.Schedule.String()),
		))
	defer span.End()

	started := s.now()
	s.logger.Info("Scheduler: running job %s (%s)", job.ID, job.Name)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	response, err := s.runAgent(runCtx, job)
	cancel()

	if err != nil && s.runCtx.Err() != nil {
		span.SetStatus(codes.Error, "interrupted")
		s.interrupt(job, "scheduler stopped while the job was running")
		return
	}
	if !s.release(job.ID) {
		// Shutdown already recorded this attempt as interrupted.
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	outcome := s.finish(ctx, job, started, response, err)
	span.SetAttributes(attribute.String("job.outcome", string(outcome)))
}

func (s *Scheduler) runAgent(ctx context.Context, job Job) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nerrors.New(nerrors.KindExecutionError, "scheduler", "agent panicked: %v", r)
		}
	}()
	if s.runner == nil {
		return "", nerrors.New(nerrors.KindExecutionError, "scheduler", "no agent runner configured")
	}
	response, err = s.runner.Run(ctx, RunRequest{
		JobID:      job.ID,
		JobName:    job.Name,
		Prompt:     job.Prompt,
		SessionKey: "cron:" + job.ID,
		Origin:     job.Announce,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return response, nerrors.Wrap(nerrors.KindExecutionTimeout, "scheduler",
				fmt.Errorf("job exceeded %s: %w", s.cfg.JobTimeout, err))
		}
		if _, tagged := nerrors.KindOf(err); !tagged {
			err = nerrors.Wrap(nerrors.KindExecutionError, "scheduler", err)
		}
	}
	return response, err
}

// finish applies the outcome to the job record, appends history and
// announces successful results.
func (s *Scheduler) finish(ctx context.Context, job Job, started time.Time, response string, runErr error) Outcome {
	// The outcome is recorded even when shutdown cancels ctx mid-write.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	now := s.now()
	outcome := OutcomeSuccess
	if runErr != nil {
		outcome = OutcomeFailure
	}
	attempt := 1
	remove := false

	updated, err := s.store.Update(storeCtx, job.ID, func(j *Job) error {
		j.LastRun = started.UTC()
		j.RunningSince = time.Time{}

		if runErr == nil {
			j.Retry = RetryState{}
			if j.Schedule.IsOneShot() {
				if j.KeepAfterRun {
					j.Status = JobStatusCompleted
					j.NextRun = time.Time{}
				} else {
					remove = true
				}
				return nil
			}
			if j.Status == JobStatusRunning {
				j.Status = JobStatusActive
			}
			next, err := nextFromSchedule(j.Schedule, now)
			if err != nil {
				return err
			}
			j.NextRun = next.UTC()
			return nil
		}

		j.Retry.ConsecutiveFailures++
		j.Retry.Backoff = Backoff(j.Retry.ConsecutiveFailures)
		j.Retry.LastError = runErr.Error()
		j.Retry.LastFailure = now.UTC()
		attempt = j.Retry.ConsecutiveFailures

		if j.Schedule.IsOneShot() && j.Retry.ConsecutiveFailures >= MaxOneShotAttempts() {
			j.Status = JobStatusExhausted
			j.NextRun = time.Time{}
			outcome = OutcomeExhausted
			return nil
		}
		if j.Status == JobStatusRunning {
			j.Status = JobStatusActive
		}
		j.NextRun = now.Add(j.Retry.Backoff).UTC()
		return nil
	})
	switch {
	case errors.Is(err, ErrJobNotFound):
		s.logger.Info("Scheduler: job %s was removed while running", job.ID)
	case err != nil:
		s.logger.Error("Scheduler: update job %s after run: %v", job.ID, err)
	}

	if remove {
		if err := s.store.Delete(storeCtx, job.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
			s.logger.Error("Scheduler: remove finished job %s: %v", job.ID, err)
		}
	}

	entry := HistoryEntry{
		JobID:      job.ID,
		JobName:    job.Name,
		StartedAt:  started.UTC(),
		FinishedAt: now.UTC(),
		DurationMS: now.Sub(started).Milliseconds(),
		Outcome:    outcome,
		Attempt:    attempt,
		Response:   response,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	s.appendHistory(ctx, entry)

	if s.observer != nil {
		s.observer.ObserveJobRun(ctx, string(outcome), now.Sub(started))
	}

	switch outcome {
	case OutcomeSuccess:
		s.logger.Info("Scheduler: job %s succeeded in %s", job.ID, now.Sub(started).Round(time.Millisecond))
		s.announce(ctx, job, response)
	case OutcomeExhausted:
		s.logger.Warn("Scheduler: job %s exhausted after %d attempts: %v", job.ID, attempt, runErr)
	default:
		next := ""
		if updated != nil {
			next = updated.NextRun.Format(time.RFC3339)
		}
		s.logger.Warn("Scheduler: job %s failed (attempt %d, retry at %s): %v", job.ID, attempt, next, runErr)
	}
	return outcome
}

// announce delivers a successful result. Delivery failures are logged and
// dropped; they never change job state.
func (s *Scheduler) announce(ctx context.Context, job Job, response string) {
	if job.Announce == nil || job.Announce.IsZero() || s.announcer == nil {
		return
	}
	if response == "" {
		response = fmt.Sprintf("Scheduled job %q finished with no output.", job.Name)
	}
	if err := s.announcer.Deliver(ctx, *job.Announce, response); err != nil {
		s.logger.Warn("Scheduler: announce %s to %s failed: %v", job.ID, job.Announce, err)
	}
}
