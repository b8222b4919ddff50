package errors

import (
	"errors"
	"fmt"
)

// Kind tags an error with its place in the runtime's failure taxonomy.
type Kind string

const (
	// Memory store
	KindInvalidTarget  Kind = "invalid_target"
	KindNotFound       Kind = "not_found"
	KindInvalidPattern Kind = "invalid_pattern"

	// Tool registry
	KindToolNotFound     Kind = "tool_not_found"
	KindInvalidArguments Kind = "invalid_arguments"
	KindExecutionTimeout Kind = "execution_timeout"
	KindExecutionError   Kind = "execution_error"
	KindConnectionLost   Kind = "connection_lost"
	KindProtocolError    Kind = "protocol_error"

	// Channel router
	KindDeliveryFailed Kind = "delivery_failed"

	// Persisted state could not be read or parsed.
	KindCorrupted Kind = "corrupted"
)

// Transient reports whether failures of this kind warrant reconnect/retry.
func (k Kind) Transient() bool {
	return k == KindConnectionLost
}

// Error is a taxonomy-tagged error. errors.Is matches on Kind, so callers
// can test against the sentinel values below.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Message == "" && other.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidTarget    = &Error{Kind: KindInvalidTarget}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidPattern   = &Error{Kind: KindInvalidPattern}
	ErrToolNotFound     = &Error{Kind: KindToolNotFound}
	ErrInvalidArguments = &Error{Kind: KindInvalidArguments}
	ErrExecutionTimeout = &Error{Kind: KindExecutionTimeout}
	ErrExecutionError   = &Error{Kind: KindExecutionError}
	ErrConnectionLost   = &Error{Kind: KindConnectionLost}
	ErrProtocolError    = &Error{Kind: KindProtocolError}
	ErrDeliveryFailed   = &Error{Kind: KindDeliveryFailed}
	ErrCorrupted        = &Error{Kind: KindCorrupted}
)

// New builds a tagged error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
func KindOf(err error) (Kind, bool) {
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var kinded *Error
		if !errors.As(err, &kinded) {
			return false
		}
		if kinded.Kind == kind {
			return true
		}
		err = kinded.Err
	}
	return false
}
