package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a failure that another attempt may fix. Wait is the
// server's minimum delay before that attempt, if it sent one.
type TransientError struct {
	Err        error
	StatusCode int
	Wait       time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// RetryAfter implements RetryAfterHinter.
func (e *TransientError) RetryAfter() time.Duration { return e.Wait }

// NewTransientError marks err as transient. statusCode may be 0.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// WithRetryAfter marks err as transient with a minimum delay.
func WithRetryAfter(err error, statusCode int, wait time.Duration) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode, Wait: wait}
}

// droppedConnection lists messages of connection failures that arrive as
// plain strings from HTTP clients.
var droppedConnection = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransient reports whether err is marked transient or looks like a
// dropped or timed-out connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range droppedConnection {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a response status is worth another
// attempt. 529 is the model provider's overload status.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529:
		return true
	default:
		return false
	}
}
