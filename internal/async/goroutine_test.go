package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type panicRecorder struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func (r *panicRecorder) Error(format string, args ...any) {
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	r.mu.Unlock()
	close(r.done)
}

func TestGoRecoversPanics(t *testing.T) {
	rec := &panicRecorder{done: make(chan struct{})}
	Go(rec, "job-runner", func() {
		panic("boom")
	})
	<-rec.done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 || !strings.Contains(rec.lines[0], "[job-runner]: boom") {
		t.Fatalf("unexpected panic log: %v", rec.lines)
	}
}

func TestGoTrackedWaits(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 5; i++ {
		GoTracked(&wg, nil, "worker", func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()
	if count != 5 {
		t.Fatalf("expected 5 completions, got %d", count)
	}
}
