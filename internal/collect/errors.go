package collect

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Kind classifies a collection failure.
type Kind string

const (
	KindBlocked     Kind = "blocked"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindNetwork     Kind = "network"
)

// ErrNoConnectivity means every proxy was benched and the direct connection
// failed too. It is fatal for the whole run.
var ErrNoConnectivity = eris.New("collect: no connectivity")

// Error is a classified collection failure.
type Error struct {
	Kind       Kind
	Source     string
	URL        string
	StatusCode int
	// Wait is the server's Retry-After hint for rate_limited errors.
	Wait  time.Duration
	Block BlockType
	// Attempts is how many transport attempts the failing Fetch made.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("collect %s: %s", e.Source, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Block != BlockNone {
		msg += fmt.Sprintf(" [%s]", e.Block)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind reports the kind for dead-letter classification.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// RetryAfter returns the server-provided minimum delay before retrying.
func (e *Error) RetryAfter() time.Duration { return e.Wait }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited
}

// AttemptsOf returns the transport attempts recorded on the first *Error in
// err's chain, or 0.
func AttemptsOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Attempts
	}
	return 0
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
