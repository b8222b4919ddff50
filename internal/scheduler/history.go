package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	nerrors "neko/internal/errors"
	"neko/internal/filestore"
	"neko/internal/jsonx"
)

// Outcome of one execution attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeInterrupted Outcome = "interrupted"
)

const historyResponseLimit = 1000

// HistoryEntry is one line of cron/history.jsonl. Entries are never
// rewritten once appended.
type HistoryEntry struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    Outcome   `json:"status"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	Response   string    `json:"response,omitempty"`
}

// Duration returns the attempt duration.
func (e HistoryEntry) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}

// HistoryLog appends and tails the JSONL execution history.
type HistoryLog struct {
	path string
	mu   sync.Mutex
}

// NewHistoryLog returns a log backed by path.
func NewHistoryLog(path string) *HistoryLog {
	return &HistoryLog{path: path}
}

// Append writes one entry. The response text is truncated.
func (h *HistoryLog) Append(_ context.Context, entry HistoryEntry) error {
	entry.Response = truncate(entry.Response, historyResponseLimit)
	if entry.DurationMS == 0 && !entry.FinishedAt.IsZero() {
		entry.DurationMS = entry.FinishedAt.Sub(entry.StartedAt).Milliseconds()
	}
	data, err := jsonx.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := filestore.AppendLine(h.path, data); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Tail returns the last n entries in append order. n <= 0 returns all.
func (h *HistoryLog) Tail(_ context.Context, n int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "history", err)
	}
	defer f.Close()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry HistoryEntry
		if err := jsonx.Unmarshal(line, &entry); err != nil {
			return nil, nerrors.Wrap(nerrors.KindCorrupted, "history",
				fmt.Errorf("%s line %d: %w", h.path, lineNo, err))
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, nerrors.Wrap(nerrors.KindCorrupted, "history", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ForJob filters entries by job id.
func ForJob(entries []HistoryEntry, jobID string) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
