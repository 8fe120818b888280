package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed"
	KindUnavailable Kind = "unavailable"
)

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("llm: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind reports the kind for dead-letter classification.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
