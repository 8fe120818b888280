package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/listing-cli/internal/model"
)

// Error kinds recorded on dead letters for errors that carry no kind of
// their own.
const (
	KindTransient = "transient"
	KindPermanent = "permanent"
)

// DeadLetter is the terminal record of an item that could not be processed.
// Dead letters are never retried automatically.
type DeadLetter struct {
	ID         string         `json:"id" yaml:"id"`
	Target     model.Target   `json:"target" yaml:"target"`
	Item       *model.RawItem `json:"item,omitempty" yaml:"-"`
	ErrorKind  string         `json:"error_kind" yaml:"error_kind"`
	Attempts   int            `json:"attempts" yaml:"attempts"`
	LastError  string         `json:"last_error" yaml:"last_error"`
	RecordedAt time.Time      `json:"recorded_at" yaml:"recorded_at"`
}

// DeadLetterFilter specifies criteria for listing dead letters.
type DeadLetterFilter struct {
	Source    string `json:"source,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// DeadLetterSink receives terminal failures.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, dl DeadLetter) error

// RecordDeadLetter calls f.
func (f DeadLetterSinkFunc) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	return f(ctx, dl)
}

// NewDeadLetter builds a dead letter for target. item may be nil when the
// failure happened before anything was fetched.
func NewDeadLetter(target model.Target, item *model.RawItem, err error, attempts int, now time.Time) DeadLetter {
	dl := DeadLetter{
		ID:         uuid.NewString(),
		Target:     target,
		Item:       item,
		ErrorKind:  ClassifyError(err),
		Attempts:   attempts,
		RecordedAt: now.UTC(),
	}
	if err != nil {
		dl.LastError = err.Error()
	}
	return dl
}

// Kinded is implemented by typed errors that know their own failure kind.
type Kinded interface {
	ErrorKind() string
}

// ClassifyError returns the kind of the first Kinded error in err's chain,
// falling back to "transient" or "permanent".
func ClassifyError(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}
