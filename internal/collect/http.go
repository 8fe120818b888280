package collect

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/session"
)

// HTTPTransport fetches over net/http with one client per proxy and a
// cookie jar shared by all of them.
type HTTPTransport struct {
	timeout time.Duration
	maxBody int64

	mu       sync.Mutex
	jar      *resettableJar
	clients  map[string]*http.Client
	origins  map[string]*url.URL
	local    map[string]string
	sessionS map[string]string
}

// HTTPOptions tunes an HTTPTransport.
type HTTPOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// NewHTTPTransport creates a transport with sensible defaults.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	return &HTTPTransport{
		timeout: opts.Timeout,
		maxBody: opts.MaxBodyBytes,
		jar:     newResettableJar(),
		clients: make(map[string]*http.Client),
		origins: make(map[string]*url.URL),
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	r.Fingerprint.Apply(req)

	client := t.client(r.Proxy)
	t.remember(req.URL)

	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "http: read body")
	}

	final := r.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
		t.remember(resp.Request.URL)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		FinalURL:    final,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (t *HTTPTransport) client(proxy *url.URL) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[key]; ok {
		return c
	}
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
	}
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	c := &http.Client{Timeout: t.timeout, Transport: tr, Jar: t.jar}
	t.clients[key] = c
	return c
}

func (t *HTTPTransport) remember(u *url.URL) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.origins[u.Scheme+"://"+u.Host] = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
}

// Restore implements Transport.
func (t *HTTPTransport) Restore(snap *session.Snapshot) {
	if snap == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byHost := make(map[string][]*http.Cookie)
	for _, c := range snap.HTTPCookies() {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		if !strings.HasPrefix(c.Domain, ".") {
			c.Domain = ""
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, cookies := range byHost {
		for _, scheme := range []string{"http", "https"} {
			u := &url.URL{Scheme: scheme, Host: host, Path: "/"}
			t.jar.SetCookies(u, cookies)
			t.origins[scheme+"://"+host] = u
		}
	}
	t.local = snap.Clone().LocalStorage
	t.sessionS = snap.Clone().SessionStorage
}

// Capture implements Transport. The jar does not expose expiry or path, so
// captured cookies carry name, value and domain only.
func (t *HTTPTransport) Capture(_ context.Context) (*session.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &session.Snapshot{CapturedAt: time.Now().UTC()}
	seen := make(map[string]bool)
	for _, u := range t.origins {
		for _, c := range session.FromHTTPCookies(u.Hostname(), t.jar.Cookies(u)) {
			key := c.Domain + "|" + c.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			snap.Cookies = append(snap.Cookies, c)
		}
	}
	snap.LocalStorage = t.local
	snap.SessionStorage = t.sessionS
	return snap.Clone(), nil
}

// Reset implements Transport.
func (t *HTTPTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jar.reset()
	t.local = nil
	t.sessionS = nil
}

// resettableJar lets Reset drop every cookie while clients keep pointing at
// the same jar.
type resettableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newResettableJar() *resettableJar {
	jar, _ := cookiejar.New(nil)
	return &resettableJar{jar: jar}
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *resettableJar) reset() {
	jar, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
}
