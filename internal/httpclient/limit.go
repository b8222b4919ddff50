// Package httpclient holds the HTTP plumbing shared by the LLM client, the
// Telegram channel and the http_request tool.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// New returns a client with an overall request timeout.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ResponseTooLargeError is returned when a body is longer than allowed.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

func IsResponseTooLarge(err error) bool {
	var tooLarge ResponseTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadAllWithLimit reads r fully, failing once more than limit bytes arrive.
// A non-positive limit reads without bound.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, more, err := ReadPrefix(r, limit)
	if err != nil {
		return nil, err
	}
	if more {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

// ReadPrefix reads at most limit bytes and reports whether the body had more.
func ReadPrefix(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
