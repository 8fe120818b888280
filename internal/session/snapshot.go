// Package session persists authenticated browsing state (cookies and web
// storage) so a restart does not force a fresh login.
package session

import (
	"net/http"
	"time"
)

// Cookie is the serialisable form of an HTTP or browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Snapshot is the captured authenticated state of one source.
type Snapshot struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	CapturedAt     time.Time         `json:"captured_at"`
}

// Empty reports whether the snapshot carries no state at all.
func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0 && len(s.SessionStorage) == 0)
}

// HTTPCookies converts the snapshot cookies for use with an http.CookieJar.
func (s *Snapshot) HTTPCookies() []*http.Cookie {
	if s == nil {
		return nil
	}
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// FromHTTPCookies builds snapshot cookies from jar cookies. Jars strip the
// domain on read, so domain is applied to every cookie.
func FromHTTPCookies(domain string, cookies []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		d := c.Domain
		if d == "" {
			d = domain
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   d,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{CapturedAt: s.CapturedAt}
	if s.Cookies != nil {
		out.Cookies = append([]Cookie(nil), s.Cookies...)
	}
	out.LocalStorage = cloneMap(s.LocalStorage)
	out.SessionStorage = cloneMap(s.SessionStorage)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
