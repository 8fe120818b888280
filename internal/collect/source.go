package collect

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

// SourceKind distinguishes structured APIs from scraped pages.
type SourceKind string

const (
	SourceAPI  SourceKind = "api"
	SourcePage SourceKind = "page"
)

// Source describes one upstream the client collects from.
type Source struct {
	Name string
	Kind SourceKind
	// URLTemplate builds the item URL; "{id}" is replaced by the escaped
	// external ID. Targets that carry their own URL skip the template.
	URLTemplate string
	AuthHeader  string
	AuthValue   string
	Query       map[string]string
	// LoginMarkers are URL path fragments (e.g. "/login") that indicate a
	// redirect to a sign-in wall.
	LoginMarkers []string
	// AuthenticatedMarker, when set, must appear in every successful page
	// body; its absence means the session was silently logged out.
	AuthenticatedMarker string
	ProbeURL            string
	Rendered            bool
}

// URL returns the request URL for target.
func (s *Source) URL(target model.Target) (string, error) {
	raw := target.URL
	if raw == "" {
		if s.URLTemplate == "" {
			return "", eris.Errorf("collect: source %s has no url template and target %s has no url", s.Name, target.ExternalID)
		}
		raw = strings.ReplaceAll(s.URLTemplate, "{id}", url.PathEscape(target.ExternalID))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrapf(err, "collect: parse url %q", raw)
	}
	if len(s.Query) > 0 {
		q := u.Query()
		for k, v := range s.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Validate checks that the source is usable.
func (s *Source) Validate() error {
	if s.Name == "" {
		return eris.New("collect: source name is required")
	}
	switch s.Kind {
	case SourceAPI, SourcePage:
	default:
		return eris.Errorf("collect: source %s: unknown kind %q", s.Name, s.Kind)
	}
	if s.Rendered && s.Kind == SourceAPI {
		return eris.Errorf("collect: source %s: api sources cannot be rendered", s.Name)
	}
	return nil
}
