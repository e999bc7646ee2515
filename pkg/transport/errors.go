package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSessionRequired marks a kind skipped because no session id exists yet.
	ErrSessionRequired = errors.New("transport requires an existing session id")
	ErrClosed          = errors.New("transport closed")
	ErrNotConnected    = errors.New("transport not connected")
	ErrUnknownKind     = errors.New("unknown transport kind")
)

// TimeoutError is returned when a connect or a request/response send does
// not finish within its configured bound.
type TimeoutError struct {
	Kind  Kind
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Kind, e.Op, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Attempt records the outcome of one kind within a selection pass.
type Attempt struct {
	Kind Kind
	Err  error
}

// ExhaustedError is returned when every kind in the fallback chain failed.
type ExhaustedError struct {
	Workflow string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Kind, a.Err))
	}
	return fmt.Sprintf("all transports failed for workflow %q (%s)", e.Workflow, strings.Join(parts, "; "))
}

// IsExhausted reports whether err is or wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
