package council

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when the backend answers 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrTurnInProgress is returned when a turn is submitted while another is loading.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// ErrStaleTurn is returned when an operation targets a turn that is no longer pending.
var ErrStaleTurn = errors.New("turn is no longer active")

// TransportError is a non-2xx status or a connection-level failure.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is a single malformed event frame. It is reported but never stops a stream.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode event %q: %v", truncate(e.Payload, 120), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StreamError reports an `error` event received on an otherwise healthy stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "council stream reported an error"
	}
	return "council stream reported an error: " + e.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n-3], "") + "..."
}
