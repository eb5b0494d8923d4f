package sabr

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies how the player should treat a failed fetch.
type Category int

const (
	// CategoryAborted covers external cancellation and session teardown.
	// Expected during seeks; not logged as a failure.
	CategoryAborted Category = iota
	// CategoryTimeout is a per-request deadline expiry; the player may
	// retry at its own level.
	CategoryTimeout
	// CategoryRecoverable covers transient network and protocol failures
	// the player's retry/format-fallback logic can handle.
	CategoryRecoverable
	// CategoryCritical covers failures that will not heal with retries:
	// rejected proof-of-origin token, HTTP 401/403.
	CategoryCritical
)

func (c Category) String() string {
	switch c {
	case CategoryAborted:
		return "aborted"
	case CategoryTimeout:
		return "timeout"
	case CategoryRecoverable:
		return "recoverable"
	case CategoryCritical:
		return "critical"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Sentinel errors for fetch outcomes.
var (
	// ErrAborted indicates the fetch was cancelled, either by the player
	// or by a session-wide reload.
	ErrAborted = errors.New("sabr: operation aborted")

	// ErrTimeout indicates the per-request deadline expired.
	ErrTimeout = errors.New("sabr: request timed out")

	// ErrInvalidPoToken indicates the server rejected the proof-of-origin
	// token and sent no usable media.
	ErrInvalidPoToken = errors.New("sabr: proof-of-origin token rejected")
)

// FetchError is a categorized terminal failure of one fetch operation.
type FetchError struct {
	Cat Category
	Msg string
	Err error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sabr: %s (%s): %v", e.Msg, e.Cat, e.Err)
	}
	return fmt.Sprintf("sabr: %s (%s)", e.Msg, e.Cat)
}

func (e *FetchError) Unwrap() error { return e.Err }

func recoverableError(msg string, err error) *FetchError {
	return &FetchError{Cat: CategoryRecoverable, Msg: msg, Err: err}
}

func criticalError(msg string, err error) *FetchError {
	return &FetchError{Cat: CategoryCritical, Msg: msg, Err: err}
}

// StatusError is an HTTP error status from the SABR endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sabr: http status %d", e.StatusCode)
}

// Categorize maps any error returned by a fetch to its Category.
// Unrecognized errors are treated as recoverable network failures.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return CategoryRecoverable
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return CategoryAborted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrInvalidPoToken):
		return CategoryCritical
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Cat
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == 401 || se.StatusCode == 403 {
			return CategoryCritical
		}
		return CategoryRecoverable
	}
	return CategoryRecoverable
}
