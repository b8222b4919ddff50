package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "neko/internal/errors"
)

var fixedNow = time.Date(2026, 10, 18, 10, 30, 0, 0, time.Local)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s := NewStore(t.TempDir(), opts...)
	require.NoError(t, s.EnsureWorkspace())
	return s
}

func TestEnsureWorkspaceSeedsCoreOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	core, err := s.Read(ctx, Core())
	require.NoError(t, err)
	assert.Equal(t, coreTemplate, core)

	_, err = s.Write(ctx, Core(), "- likes tea", ModeAppend)
	require.NoError(t, err)
	require.NoError(t, s.EnsureWorkspace())

	core, err = s.Read(ctx, Core())
	require.NoError(t, err)
	assert.Contains(t, core, "- likes tea")
	assert.DirExists(t, filepath.Join(s.Root(), "recall"))
}

func TestWriteCoreOverCapKeepsContentAndFlags(t *testing.T) {
	s := newTestStore(t, WithCoreCap(100))
	ctx := context.Background()

	small, err := s.Write(ctx, Core(), "short", ModeOverwrite)
	require.NoError(t, err)
	assert.False(t, small.CompactionNeeded)

	long := strings.Repeat("é", 150)
	res, err := s.Write(ctx, Core(), long, ModeOverwrite)
	require.NoError(t, err)
	assert.True(t, res.CompactionNeeded)
	assert.Equal(t, 150, res.Chars)

	stored, err := s.Read(ctx, Core())
	require.NoError(t, err)
	assert.Equal(t, long, stored, "content must not be truncated")

	snap, err := s.LoadContext(ctx)
	require.NoError(t, err)
	assert.True(t, snap.CompactionNeeded)
	assert.Contains(t, snap.Render(), "⚠ MEMORY.md is 150/100 chars")
}

func TestWriteAppendAndDailyHeader(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, Today(), "- shipped the scheduler", ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, "memory/2026-10-18.md", res.Path)

	_, err = s.Write(ctx, Today(), "- fixed backoff", ModeAppend)
	require.NoError(t, err)

	content, err := s.Read(ctx, Today())
	require.NoError(t, err)
	assert.Equal(t, "# Daily Log: 2026-10-18\n\n- shipped the scheduler\n- fixed backoff\n", content)
}

func TestReplaceEmptyDeletesSpan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Core(), "User prefers dark mode.", ModeAppend)
	require.NoError(t, err)

	res, err := s.Replace(ctx, Core(), "User prefers dark mode.", "", ReplaceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replacements)
	assert.Contains(t, res.Diff, "-User prefers dark mode.")

	hits, err := s.Search(ctx, "dark mode", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReplaceMatchesAllOccurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Core(), "tz: PST\nmeeting tz: PST\n", ModeOverwrite)
	require.NoError(t, err)

	res, err := s.Replace(ctx, Core(), "PST", "CET", ReplaceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replacements)

	content, err := s.Read(ctx, Core())
	require.NoError(t, err)
	assert.Equal(t, "tz: CET\nmeeting tz: CET\n", content)

	_, err = s.Replace(ctx, Core(), "pst", "x", ReplaceOptions{})
	assert.ErrorIs(t, err, nerrors.ErrNotFound, "replace is case-sensitive")
}

func TestReplaceRegex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Core(), "port 8080\nport 9090\n", ModeOverwrite)
	require.NoError(t, err)

	res, err := s.Replace(ctx, Core(), `port (\d+)`, "addr :$1", ReplaceOptions{Regex: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replacements)

	content, _ := s.Read(ctx, Core())
	assert.Equal(t, "addr :8080\naddr :9090\n", content)

	_, err = s.Replace(ctx, Core(), `([`, "", ReplaceOptions{Regex: true})
	assert.ErrorIs(t, err, nerrors.ErrInvalidPattern)
}

func TestLoadContextUsesCalendarDates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Write order deliberately differs from date order.
	writes := []time.Time{
		fixedNow,
		fixedNow.AddDate(0, 0, -3),
		fixedNow.AddDate(0, 0, -1),
		fixedNow.AddDate(0, 0, -2),
	}
	for _, day := range writes {
		_, err := s.Write(ctx, Daily(day), "entry for "+day.Format(dateLayout), ModeAppend)
		require.NoError(t, err)
	}

	snap, err := s.LoadContext(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Daily, 2)
	assert.Equal(t, "2026-10-17", snap.Daily[0].Date)
	assert.Equal(t, "2026-10-18", snap.Daily[1].Date)

	rendered := snap.Render()
	core := strings.Index(rendered, "### MEMORY.md")
	yesterday := strings.Index(rendered, "entry for 2026-10-17")
	today := strings.Index(rendered, "entry for 2026-10-18")
	assert.True(t, core >= 0 && core < yesterday && yesterday < today, rendered)
	assert.NotContains(t, rendered, "entry for 2026-10-16")
	assert.NotContains(t, rendered, "entry for 2026-10-15")
}

func TestLoadContextCreatesTodayAndSkipsEmptyLogs(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.LoadContext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Daily)
	assert.FileExists(t, filepath.Join(s.Root(), "2026-10-18.md"))
}

func TestSearchFindsCoreMemoryLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Core(), "User prefers dark mode.", ModeAppend)
	require.NoError(t, err)

	hits, err := s.Search(ctx, "DARK MODE", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "memory/MEMORY.md", hits[0].File)
	assert.Equal(t, "User prefers dark mode.", hits[0].Text)
	assert.Equal(t, 4, hits[0].Line)

	hits, err = s.Search(ctx, "DARK MODE", SearchOptions{CaseSensitive: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchOrdersByRecencyThenLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, Recall("old"), "deploy one\ndeploy two", ModeOverwrite)
	require.NoError(t, err)
	_, err = s.Write(ctx, Daily(fixedNow.AddDate(0, 0, -5)), "deploy three", ModeAppend)
	require.NoError(t, err)

	setMtime(t, filepath.Join(s.Root(), "recall", "old.md"), fixedNow.Add(-48*time.Hour))
	setMtime(t, filepath.Join(s.Root(), "2026-10-13.md"), fixedNow.Add(-time.Hour))

	hits, err := s.Search(ctx, `deploy \w+`, SearchOptions{Regex: true})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "memory/2026-10-13.md", hits[0].File)
	assert.Equal(t, "memory/recall/old.md", hits[1].File)
	assert.Equal(t, 1, hits[1].Line)
	assert.Equal(t, 2, hits[2].Line)

	limited, err := s.Search(ctx, "deploy", SearchOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSearchInvalidPattern(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Search(context.Background(), "(unclosed", SearchOptions{Regex: true})
	require.Error(t, err)
	kind, ok := nerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, nerrors.KindInvalidPattern, kind)
}

func TestRecallIsSearchOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path, err := s.AppendRecall(ctx, "what's my favourite colour?", strings.Repeat("teal ", 200), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "memory/recall/2026-10-18.md", path)

	snap, err := s.LoadContext(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap.Render(), "favourite colour")

	hits, err := s.Search(ctx, "favourite colour", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "**User:** what's my favourite colour?", hits[0].Text)

	content, err := s.Read(ctx, Recall("2026-10-18"))
	require.NoError(t, err)
	assert.Contains(t, content, "### 10:30:00")
	assert.Contains(t, content, "…")
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in   string
		want Target
	}{
		{"MEMORY.md", Core()},
		{"core", Core()},
		{"memory/MEMORY.md", Core()},
		{"today", Today()},
		{"2026-10-01", Target{Kind: TargetDaily, Date: "2026-10-01"}},
		{"2026-10-01.md", Target{Kind: TargetDaily, Date: "2026-10-01"}},
		{"recall/notes.md", Recall("notes.md")},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"../secrets", "recall/../../etc/passwd", `recall/a\b`, "config.yaml", "2026-13-45"} {
		_, err := ParseTarget(bad)
		assert.ErrorIs(t, err, nerrors.ErrInvalidTarget, bad)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(context.Background(), Recall("../escape"), "x", ModeOverwrite)
	assert.ErrorIs(t, err, nerrors.ErrInvalidTarget)
	_, err = s.Write(context.Background(), Target{Kind: TargetDaily, Date: "../../x"}, "x", ModeOverwrite)
	assert.ErrorIs(t, err, nerrors.ErrInvalidTarget)
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write(ctx, Today(), fmt.Sprintf("- note %d", i), ModeAppend)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	hits, err := s.Search(ctx, `^- note \d+$`, SearchOptions{Regex: true})
	require.NoError(t, err)
	assert.Len(t, hits, 25)
}

func TestReadRejectsCorruptFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "MEMORY.md"), []byte{0xff, 0xfe, 0x00}, 0o644))
	_, err := s.LoadContext(context.Background())
	assert.ErrorIs(t, err, nerrors.ErrCorrupted)
}

func setMtime(t *testing.T, path string, at time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, at, at))
}
