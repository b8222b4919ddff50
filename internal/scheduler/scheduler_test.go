package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/filestore"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	requests []RunRequest
	response string
	err      error
	block    bool
	started  chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), started: make(chan string, 64)}
}

func (r *fakeRunner) Run(ctx context.Context, req RunRequest) (string, error) {
	r.mu.Lock()
	r.calls[req.JobID]++
	r.requests = append(r.requests, req)
	block, resp, err := r.block, r.response, r.err
	r.mu.Unlock()

	select {
	case r.started <- req.JobID:
	default:
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return resp, err
}

func (r *fakeRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type recordingAnnouncer struct {
	mu        sync.Mutex
	addresses []channels.Address
	texts     []string
	err       error
}

func (a *recordingAnnouncer) Deliver(_ context.Context, addr channels.Address, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addresses = append(a.addresses, addr)
	a.texts = append(a.texts, text)
	return a.err
}

type harness struct {
	sched   *Scheduler
	svc     *Service
	store   *FileJobStore
	history *HistoryLog
	clock   *fakeClock
	runner  *fakeRunner
	dir     string
}

var t0 = time.Date(2026, 10, 18, 8, 0, 0, 0, time.Local)

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock(t0)
	store := NewFileJobStore(filepath.Join(dir, "cron", "jobs.json"))
	store.now = clock.Now
	history := NewHistoryLog(filepath.Join(dir, "cron", "history.jsonl"))
	runner := newFakeRunner()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	sched := New(cfg, store, history, runner, nil, opts...)
	svc := NewService(store, history, nil, WithServiceClock(clock.Now))
	t.Cleanup(sched.Stop)
	return &harness{sched: sched, svc: svc, store: store, history: history, clock: clock, runner: runner, dir: dir}
}

func (h *harness) tick(t *testing.T) int {
	t.Helper()
	n, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	h.sched.Wait()
	return n
}

func (h *harness) job(t *testing.T, ref string) *Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), ref)
	require.NoError(t, err)
	return job
}

func (h *harness) entries(t *testing.T) []HistoryEntry {
	t.Helper()
	entries, err := h.history.Tail(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

// ---------------------------------------------------------------------------
// backoff and triggers
// ---------------------------------------------------------------------------

func TestBackoffLadder(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, 60 * time.Minute},
		{6, 60 * time.Minute},
		{42, 60 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.failures), "failures=%d", tt.failures)
	}
}

func TestParseCronAcceptsFiveAndSixFields(t *testing.T) {
	for _, expr := range []string{"0 9 * * *", "0 0 9 * * *", "@daily", "@every 1h"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	_, err := ParseCron("every morning")
	assert.Error(t, err)
	_, err = ParseCron("  ")
	assert.Error(t, err)
}

func TestParseAtLayouts(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	want := time.Date(2026, 10, 19, 9, 30, 0, 0, loc)

	for _, raw := range []string{"2026-10-19 09:30", "2026-10-19 09:30:00", "2026-10-19T09:30", "2026-10-19T09:30:00"} {
		got, err := ParseAt(raw, loc)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), "%s parsed as %s", raw, got)
	}

	got, err := ParseAt("2026-10-19T07:30:00Z", loc)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = ParseAt("tomorrow", loc)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// job lifecycle
// ---------------------------------------------------------------------------

func TestRecurringFailureBackoffGaps(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.err = errors.New("model unavailable")
	ctx := context.Background()

	job, err := h.svc.Add(ctx, JobSpec{Prompt: "morning digest", Cron: "0 9 * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local).UTC(), job.NextRun)

	for n := 1; n <= 6; n++ {
		h.clock.Set(h.job(t, job.ID).NextRun)
		require.Equal(t, 1, h.tick(t), "attempt %d", n)

		got := h.job(t, job.ID)
		assert.Equal(t, n, got.Retry.ConsecutiveFailures)
		assert.Equal(t, JobStatusActive, got.Status)
		assert.Equal(t, "backing-off", got.State())

		gap := got.NextRun.Sub(h.clock.Now())
		switch n {
		case 1:
			assert.Equal(t, 30*time.Second, gap)
		case 5, 6:
			assert.Equal(t, 60*time.Minute, gap)
		default:
			assert.Equal(t, Backoff(n), gap)
		}
	}

	// Success resumes the normal recurrence.
	h.runner.mu.Lock()
	h.runner.err = nil
	h.runner.mu.Unlock()
	h.clock.Set(h.job(t, job.ID).NextRun)
	require.Equal(t, 1, h.tick(t))

	got := h.job(t, job.ID)
	assert.Zero(t, got.Retry.ConsecutiveFailures)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local).UTC(), got.NextRun)
	assert.Len(t, h.entries(t), 7)
}

func TestOneShotExhaustsAfterLadder(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.err = errors.New("boom")
	ctx := context.Background()

	job, err := h.svc.Add(ctx, JobSpec{Prompt: "ping", At: t0.Add(time.Minute).Format(time.RFC3339)}, nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= MaxOneShotAttempts(); attempt++ {
		h.clock.Set(h.job(t, job.ID).NextRun)
		require.Equal(t, 1, h.tick(t), "attempt %d", attempt)
	}

	entries := h.entries(t)
	require.Len(t, entries, 5)
	for i, e := range entries[:4] {
		assert.Equal(t, OutcomeFailure, e.Outcome)
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, "scheduler: boom", e.Error)
	}
	assert.Equal(t, OutcomeExhausted, entries[4].Outcome)
	assert.Equal(t, 5, entries[4].Attempt)

	got := h.job(t, job.ID)
	assert.Equal(t, JobStatusExhausted, got.Status)
	assert.True(t, got.NextRun.IsZero())

	// Terminal jobs never fire again.
	h.clock.Set(h.clock.Now().Add(24 * time.Hour))
	assert.Zero(t, h.tick(t))
	assert.Equal(t, 5, h.runner.callCount(job.ID))

	visible, err := h.svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := h.svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOneShotSuccessRemovesJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.response = "done"
	ctx := context.Background()

	job, err := h.svc.Add(ctx, JobSpec{Prompt: "once", At: t0.Add(time.Second).Format(time.RFC3339)}, nil)
	require.NoError(t, err)

	assert.Zero(t, h.tick(t), "not yet due")
	h.clock.Set(t0.Add(time.Second))
	require.Equal(t, 1, h.tick(t))

	_, err = h.store.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, "done", entries[0].Response)
}

func TestOneShotKeepAfterRunCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.svc.Add(ctx, JobSpec{Prompt: "once", At: t0.Format(time.RFC3339), KeepAfterRun: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.tick(t))

	got := h.job(t, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.True(t, got.Status.IsTerminal())

	visible, err := h.svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, visible, 1)
}

func TestAnnounceOnSuccess(t *testing.T) {
	announcer := &recordingAnnouncer{}
	h := newHarness(t, Config{}, WithAnnouncer(announcer))
	h.runner.response = "Good morning!"

	origin := channels.Address{Channel: "telegram", Recipient: "42"}
	job, err := h.svc.Add(context.Background(), JobSpec{Prompt: "greet", Cron: "*/5 * * * *"}, &origin)
	require.NoError(t, err)
	require.NotNil(t, job.Announce)

	h.clock.Set(job.NextRun)
	require.Equal(t, 1, h.tick(t))

	require.Len(t, announcer.addresses, 1)
	assert.Equal(t, origin, announcer.addresses[0])
	assert.Equal(t, "Good morning!", announcer.texts[0])

	h.runner.mu.Lock()
	require.Len(t, h.runner.requests, 1)
	assert.Equal(t, origin, *h.runner.requests[0].Origin)
	assert.Equal(t, "cron:"+job.ID, h.runner.requests[0].SessionKey)
	h.runner.mu.Unlock()
}

func TestDeliveryFailureLeavesJobStateUnchanged(t *testing.T) {
	announcer := &recordingAnnouncer{err: nerrors.New(nerrors.KindDeliveryFailed, "router", "channel offline")}
	h := newHarness(t, Config{}, WithAnnouncer(announcer))
	h.runner.response = "report"

	job, err := h.svc.Add(context.Background(), JobSpec{Prompt: "report", Cron: "0 9 * * *", Announce: "telegram:1"}, nil)
	require.NoError(t, err)
	h.clock.Set(job.NextRun)
	require.Equal(t, 1, h.tick(t))

	got := h.job(t, job.ID)
	assert.Equal(t, JobStatusActive, got.Status)
	assert.Zero(t, got.Retry.ConsecutiveFailures)
	assert.Equal(t, job.NextRun.Add(24*time.Hour), got.NextRun)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Len(t, announcer.addresses, 1, "delivery is not retried")
}

func TestConcurrentTicksNeverDoubleFire(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 8})
	// A second scheduler over the same store simulates an overlapping tick
	// that does not share the first one's tick lock.
	other := New(Config{MaxConcurrent: 8}, h.store, h.history, h.runner, nil, WithClock(h.clock.Now))
	t.Cleanup(other.Stop)
	ctx := context.Background()

	const jobs = 20
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		job, err := h.svc.Add(ctx, JobSpec{Prompt: "yearly", Cron: "0 0 1 1 *"}, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
		_, err = h.store.Update(ctx, job.ID, func(j *Job) error {
			j.NextRun = t0.Add(-time.Second)
			return nil
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		s := h.sched
		if i%2 == 1 {
			s = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()
	h.sched.Wait()
	other.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, h.runner.callCount(id), "job %s", id)
	}
	assert.Len(t, h.entries(t), jobs)
}

func TestRunningJobIsNotReclaimed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job, err := h.svc.Add(ctx, JobSpec{Prompt: "x", At: t0.Format(time.RFC3339)}, nil)
	require.NoError(t, err)

	claimed, ok, err := h.store.Claim(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, JobStatusRunning, claimed.Status)

	_, ok, err = h.store.Claim(ctx, job.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimAcrossStoresHasOneWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job, err := h.svc.Add(ctx, JobSpec{Prompt: "x", At: t0.Format(time.RFC3339)}, nil)
	require.NoError(t, err)

	// Separate stores on one file stand in for the serve loop and a CLI.
	stores := []*FileJobStore{h.store, NewFileJobStore(h.store.Path()), NewFileJobStore(h.store.Path())}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(store *FileJobStore) {
			defer wg.Done()
			_, ok, err := store.Claim(ctx, job.ID, t0)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(stores[i%len(stores)])
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, JobStatusRunning, h.job(t, job.ID).Status)
}

func TestFileJobStoreWaitsForExternalLock(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job, err := h.svc.Add(ctx, JobSpec{Prompt: "x", Cron: "0 9 * * *", Name: "daily"}, nil)
	require.NoError(t, err)

	unlock, err := filestore.LockFile(ctx, h.store.Path()+".lock")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.store.Update(ctx, job.ID, func(j *Job) error {
			j.Prompt = "edited"
			return nil
		})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("update finished while the file was locked: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = NewFileJobStore(h.store.Path()).List(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update never acquired the lock")
	}
	assert.Equal(t, "edited", h.job(t, job.ID).Prompt)
}

// ---------------------------------------------------------------------------
// shutdown and recovery
// ---------------------------------------------------------------------------

func TestStopRecordsInterruptedJobs(t *testing.T) {
	h := newHarness(t, Config{ShutdownGrace: 50 * time.Millisecond})
	h.runner.block = true

	job, err := h.svc.Add(context.Background(), JobSpec{Prompt: "slow", Cron: "* * * * *"}, nil)
	require.NoError(t, err)
	h.clock.Set(job.NextRun)

	n, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case <-h.runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	h.sched.Stop()

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeInterrupted, entries[0].Outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, JobStatusActive, got.Status)
	assert.True(t, got.RunningSince.IsZero())
	assert.Zero(t, got.Retry.ConsecutiveFailures)
	assert.Empty(t, h.sched.InFlight())
}

func TestRecoverStaleRunningJobs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job, err := h.svc.Add(ctx, JobSpec{Prompt: "x", Cron: "0 9 * * *"}, nil)
	require.NoError(t, err)
	_, ok, err := h.store.Claim(ctx, job.ID, job.NextRun)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.sched.RecoverStale(ctx))

	got := h.job(t, job.ID)
	assert.Equal(t, JobStatusActive, got.Status)
	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeInterrupted, entries[0].Outcome)
	assert.Equal(t, job.ID, entries[0].JobID)
}

func TestCorruptJobFileFailsLoudly(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, os.MkdirAll(filepath.Dir(h.store.Path()), 0o755))
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("{not json"), 0o644))

	_, err := h.store.List(context.Background())
	require.Error(t, err)
	assert.True(t, nerrors.Is(err, nerrors.KindCorrupted))

	_, err = h.svc.Add(context.Background(), JobSpec{Prompt: "x", Cron: "0 9 * * *"}, nil)
	require.Error(t, err)

	data, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "corrupt file must not be reset")
}

// ---------------------------------------------------------------------------
// service
// ---------------------------------------------------------------------------

func TestServiceAddValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Add(ctx, JobSpec{Prompt: "x"}, nil)
	assert.True(t, nerrors.Is(err, nerrors.KindInvalidArguments))

	_, err = h.svc.Add(ctx, JobSpec{Prompt: "x", Cron: "0 9 * * *", At: "2026-10-19 09:00"}, nil)
	assert.True(t, nerrors.Is(err, nerrors.KindInvalidArguments))

	_, err = h.svc.Add(ctx, JobSpec{Prompt: " ", Cron: "0 9 * * *"}, nil)
	assert.True(t, nerrors.Is(err, nerrors.KindInvalidArguments))

	_, err = h.svc.Add(ctx, JobSpec{Prompt: "x", At: "2020-01-01 00:00"}, nil)
	assert.True(t, nerrors.Is(err, nerrors.KindInvalidArguments))

	_, err = h.svc.Add(ctx, JobSpec{Prompt: "x", Cron: "0 9 * * *", Name: "daily"}, nil)
	require.NoError(t, err)
	_, err = h.svc.Add(ctx, JobSpec{Prompt: "y", Cron: "0 9 * * *", Name: "daily"}, nil)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestServiceAnnounceResolution(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	origin := &channels.Address{Channel: "telegram", Recipient: "7"}

	job, err := h.svc.Add(ctx, JobSpec{Prompt: "a", Cron: "0 9 * * *"}, origin)
	require.NoError(t, err)
	assert.Equal(t, "telegram:7", job.Announce.String())

	job, err = h.svc.Add(ctx, JobSpec{Prompt: "b", Cron: "0 9 * * *", Announce: "none"}, origin)
	require.NoError(t, err)
	assert.Nil(t, job.Announce)

	job, err = h.svc.Add(ctx, JobSpec{Prompt: "c", Cron: "0 9 * * *", Announce: "cli"}, origin)
	require.NoError(t, err)
	assert.Equal(t, "cli", job.Announce.String())

	none := "none"
	edited, err := h.svc.Edit(ctx, job.ID, JobEdit{Announce: &none})
	require.NoError(t, err)
	assert.Nil(t, edited.Announce)
}

func TestServiceEditByNameAndEnableResetsRetry(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job, err := h.svc.Add(ctx, JobSpec{Prompt: "a", Cron: "0 9 * * *", Name: "digest"}, nil)
	require.NoError(t, err)

	_, err = h.store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = JobStatusDisabled
		j.Retry = RetryState{ConsecutiveFailures: 3, Backoff: Backoff(3)}
		return nil
	})
	require.NoError(t, err)

	enabled := true
	schedule := "30 7 * * *"
	edited, err := h.svc.Edit(ctx, "digest", JobEdit{Enabled: &enabled, Cron: &schedule})
	require.NoError(t, err)
	assert.Equal(t, job.ID, edited.ID)
	assert.Equal(t, JobStatusActive, edited.Status)
	assert.Zero(t, edited.Retry.ConsecutiveFailures)
	assert.Equal(t, time.Date(2026, 10, 19, 7, 30, 0, 0, time.Local).UTC(), edited.NextRun)

	removed, err := h.svc.Remove(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, job.ID, removed.ID)
	_, err = h.svc.Remove(ctx, "digest")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestHistoryTailAndTruncation(t *testing.T) {
	dir := t.TempDir()
	log := NewHistoryLog(filepath.Join(dir, "history.jsonl"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, HistoryEntry{
			JobID:      "job",
			StartedAt:  t0,
			FinishedAt: t0.Add(time.Duration(i+1) * time.Second),
			Outcome:    OutcomeSuccess,
			Response:   strings.Repeat("x", 1500),
		}))
	}

	entries, err := log.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 4*time.Second, entries[0].Duration())
	assert.Equal(t, 5*time.Second, entries[1].Duration())
	assert.Equal(t, 1001, len([]rune(entries[1].Response)))

	missing, err := NewHistoryLog(filepath.Join(dir, "none.jsonl")).Tail(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
