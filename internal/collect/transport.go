package collect

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/sells-group/listing-cli/internal/fingerprint"
	"github.com/sells-group/listing-cli/internal/session"
)

// Request is one fetch handed to a Transport.
type Request struct {
	URL         string
	Header      http.Header
	Proxy       *url.URL
	Fingerprint fingerprint.Fingerprint
}

// Response is the transport-neutral result of a fetch.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	FinalURL    string
	ContentType string
}

// IsHTML reports whether the response carries an HTML document.
func (r *Response) IsHTML() bool {
	ct := strings.ToLower(r.ContentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	head := strings.ToLower(strings.TrimSpace(string(r.Body[:min(len(r.Body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// Transport performs fetches and owns the browsing state (cookies and web
// storage) that a session snapshot captures.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	// Restore installs a saved session.
	Restore(snap *session.Snapshot)
	// Capture exports the current session.
	Capture(ctx context.Context) (*session.Snapshot, error)
	// Reset drops all session state.
	Reset()
}
