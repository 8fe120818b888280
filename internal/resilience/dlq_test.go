package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/model"
)

type kindErr string

func (k kindErr) Error() string     { return "kind " + string(k) }
func (k kindErr) ErrorKind() string { return string(k) }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), KindTransient},
		{"permanent error", errors.New("invalid input"), KindPermanent},
		{"connection reset", errors.New("connection reset by peer"), KindTransient},
		{"kinded", kindErr("not_found"), "not_found"},
		{"wrapped kinded", eris.Wrap(kindErr("blocked"), "fetch"), "blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDeadLetter(t *testing.T) {
	target := model.Target{Source: "listings-api", ExternalID: "42"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))

	dl := NewDeadLetter(target, nil, eris.Wrap(kindErr("network"), "fetch 42"), 3, now)

	assert.NotEmpty(t, dl.ID)
	assert.Equal(t, target, dl.Target)
	assert.Nil(t, dl.Item)
	assert.Equal(t, "network", dl.ErrorKind)
	assert.Equal(t, 3, dl.Attempts)
	assert.Contains(t, dl.LastError, "fetch 42")
	assert.Equal(t, time.UTC, dl.RecordedAt.Location())
	assert.True(t, dl.RecordedAt.Equal(now))

	other := NewDeadLetter(target, nil, nil, 1, now)
	assert.NotEqual(t, dl.ID, other.ID)
	assert.Empty(t, other.LastError)
}

func TestDeadLetterSinkFunc(t *testing.T) {
	var got []DeadLetter
	sink := DeadLetterSinkFunc(func(_ context.Context, dl DeadLetter) error {
		got = append(got, dl)
		return nil
	})

	require.NoError(t, sink.RecordDeadLetter(context.Background(), DeadLetter{ID: "a"}))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}
