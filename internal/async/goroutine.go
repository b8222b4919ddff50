// Package async starts background goroutines that log panics instead of
// taking the daemon down.
package async

import (
	"runtime/debug"
	"sync"
)

// PanicLogger is satisfied by logging.Logger.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoTracked is Go with wg accounting, so callers can drain in-flight work.
func GoTracked(wg *sync.WaitGroup, logger PanicLogger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be deferred directly. It logs the panic value and stack.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
