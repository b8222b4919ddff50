package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatchesSentinels(t *testing.T) {
	err := New(KindNotFound, "memory.replace", "no match for %q", "dark mode")
	wrapped := fmt.Errorf("tool failed: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrNotFound))
	assert.False(t, stderrors.Is(wrapped, ErrInvalidTarget))
	assert.Equal(t, `memory.replace: no match for "dark mode"`, err.Error())

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestIsWalksNestedKinds(t *testing.T) {
	inner := Wrap(KindExecutionTimeout, "tool.exec", context.DeadlineExceeded)
	outer := Wrap(KindExecutionError, "job", inner)

	assert.True(t, Is(outer, KindExecutionError))
	assert.True(t, Is(outer, KindExecutionTimeout))
	assert.False(t, Is(outer, KindConnectionLost))
	assert.Nil(t, Wrap(KindExecutionError, "job", nil))
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(Wrap(KindConnectionLost, "mcp", stderrors.New("eof"))))
	assert.False(t, IsTransient(New(KindProtocolError, "mcp", "bad frame")))
	assert.False(t, IsTransient(New(KindInvalidArguments, "tool", "missing path")))
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(nil))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil,
		func(context.Context) error {
			calls++
			return New(KindProtocolError, "mcp", "bad frame")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil,
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", Wrap(KindConnectionLost, "mcp", stderrors.New("pipe closed"))
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestFormatForLLM(t *testing.T) {
	msg := FormatForLLM(New(KindExecutionTimeout, "exec", "timed out after 1s"))
	assert.Contains(t, msg, "timed out after 1s")
	assert.Equal(t, "custom", FormatForLLM(NewPermanentError(stderrors.New("x"), "custom")))
	assert.Equal(t, "", FormatForLLM(nil))
}
