package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// KindTimeout is the dead-letter kind for items that kept exceeding the
// per-item budget.
const KindTimeout = "timeout"

// TimeoutError marks an attempt that outlived the per-item budget while the
// run itself was still live.
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipeline: item timed out after %s: %v", e.After, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ErrorKind reports the kind for dead-letter classification.
func (e *TimeoutError) ErrorKind() string { return KindTimeout }

// retryable reports whether another item attempt may succeed. Collection
// failures are final here; the collection client retries them itself.
func retryable(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
