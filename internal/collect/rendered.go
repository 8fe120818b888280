package collect

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/session"
)

// RenderedOptions configures a RenderedTransport.
type RenderedOptions struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local headless Chrome per proxy.
	RemoteURL string
	// NavTimeout bounds navigation plus load. Default: 30s.
	NavTimeout time.Duration
}

// RenderedTransport fetches pages through a stealth-patched headless Chrome
// so client-side rendered listings and JS challenges resolve.
type RenderedTransport struct {
	opts RenderedOptions

	mu        sync.Mutex
	browsers  map[string]*rod.Browser
	launchers []*launcher.Launcher
	cookies   []*proto.NetworkCookieParam
	local     map[string]string
	restored  map[string]bool
	captured  []session.Cookie
}

// NewRenderedTransport creates a transport; Chrome starts on first use.
func NewRenderedTransport(opts RenderedOptions) *RenderedTransport {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	return &RenderedTransport{
		opts:     opts,
		browsers: make(map[string]*rod.Browser),
		restored: make(map[string]bool),
	}
}

// browser returns the browser for a proxy, launching it if needed. A
// Chrome instance has a single proxy, so each proxy gets its own.
func (t *RenderedTransport) browser(proxyURL *url.URL) (*rod.Browser, error) {
	key := ""
	if proxyURL != nil {
		key = proxyURL.Host
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.browsers[key]; ok {
		return b, nil
	}

	wsURL := t.opts.RemoteURL
	if wsURL == "" || key != "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if key != "" {
			l = l.Proxy(key)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, eris.Wrap(err, "rendered: launch chrome")
		}
		wsURL = u
		t.launchers = append(t.launchers, l)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, eris.Wrap(err, "rendered: connect")
	}
	t.browsers[key] = b
	return b, nil
}

// Do implements Transport.
func (t *RenderedTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	b, err := t.browser(r.Proxy)
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, eris.Wrap(err, "rendered: create tab")
	}
	defer func() { _ = page.Close() }()

	navCtx, cancel := context.WithTimeout(ctx, t.opts.NavTimeout)
	defer cancel()
	page = page.Context(navCtx)

	fp := r.Fingerprint
	if fp.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.AcceptLanguage,
		}); err != nil {
			return nil, eris.Wrap(err, "rendered: set user agent")
		}
	}
	if fp.Viewport.Width > 0 && fp.Viewport.Height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.Viewport.Width,
			Height:            fp.Viewport.Height,
			DeviceScaleFactor: 1,
		}); err != nil {
			return nil, eris.Wrap(err, "rendered: set viewport")
		}
	}
	if len(r.Header) > 0 {
		var pairs []string
		for k := range r.Header {
			pairs = append(pairs, k, r.Header.Get(k))
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return nil, eris.Wrap(err, "rendered: set headers")
		}
	}

	t.mu.Lock()
	cookies := t.cookies
	t.mu.Unlock()
	if len(cookies) > 0 {
		if err := page.SetCookies(cookies); err != nil {
			return nil, eris.Wrap(err, "rendered: restore cookies")
		}
	}

	var doc proto.NetworkResponseReceived
	waitDoc := page.WaitEvent(&doc)

	if err := page.Navigate(r.URL); err != nil {
		return nil, eris.Wrapf(err, "rendered: navigate %s", r.URL)
	}
	waitDoc()
	if err := page.WaitLoad(); err != nil {
		zap.L().Debug("rendered: wait load", zap.String("url", r.URL), zap.Error(err))
	}

	t.restoreLocalStorage(page, r.URL)

	for _, pt := range fp.PointerPath {
		if err := page.Mouse.MoveTo(proto.Point{X: float64(pt.X), Y: float64(pt.Y)}); err != nil {
			break
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "rendered: read html")
	}

	final := r.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	t.captureState(page, final)

	resp := &Response{
		StatusCode:  200,
		Body:        []byte(html),
		FinalURL:    final,
		ContentType: "text/html; charset=utf-8",
	}
	if doc.Response != nil {
		resp.StatusCode = doc.Response.Status
		resp.Header = make(map[string][]string, len(doc.Response.Headers))
		for k, v := range doc.Response.Headers {
			resp.Header.Set(k, v.Str())
		}
	}
	return resp, nil
}

// restoreLocalStorage writes saved localStorage for the page origin once and
// reloads so scripts see it.
func (t *RenderedTransport) restoreLocalStorage(page *rod.Page, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	origin := u.Scheme + "://" + u.Host

	t.mu.Lock()
	items := t.local
	done := t.restored[origin]
	t.restored[origin] = true
	t.mu.Unlock()
	if done || len(items) == 0 {
		return
	}

	if _, err := page.Eval(`(items) => { for (const [k, v] of Object.entries(items)) localStorage.setItem(k, v) }`, items); err != nil {
		zap.L().Debug("rendered: restore local storage", zap.Error(err))
		return
	}
	if err := page.Reload(); err == nil {
		_ = page.WaitLoad()
	}
}

func (t *RenderedTransport) captureState(page *rod.Page, final string) {
	cookies, err := page.Cookies([]string{final})
	if err == nil {
		out := make([]session.Cookie, 0, len(cookies))
		for _, c := range cookies {
			sc := session.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.Expires > 0 {
				sc.Expires = c.Expires.Time()
			}
			out = append(out, sc)
		}
		t.mu.Lock()
		t.captured = out
		t.mu.Unlock()
	}

	res, err := page.Eval(`() => JSON.stringify(Object.assign({}, window.localStorage))`)
	if err != nil {
		return
	}
	var local map[string]string
	if json.Unmarshal([]byte(res.Value.Str()), &local) == nil && len(local) > 0 {
		t.mu.Lock()
		t.local = local
		t.mu.Unlock()
	}
}

// Restore implements Transport.
func (t *RenderedTransport) Restore(snap *session.Snapshot) {
	if snap == nil {
		return
	}
	params := make([]*proto.NetworkCookieParam, 0, len(snap.Cookies))
	for _, c := range snap.Cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = params
	t.captured = append([]session.Cookie(nil), snap.Cookies...)
	t.local = snap.Clone().LocalStorage
	t.restored = make(map[string]bool)
}

// Capture implements Transport.
func (t *RenderedTransport) Capture(_ context.Context) (*session.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := &session.Snapshot{
		Cookies:      append([]session.Cookie(nil), t.captured...),
		LocalStorage: t.local,
		CapturedAt:   time.Now().UTC(),
	}
	return snap.Clone(), nil
}

// Reset implements Transport. Browser cookies are cleared on every tab.
func (t *RenderedTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = nil
	t.captured = nil
	t.local = nil
	t.restored = make(map[string]bool)
	for _, b := range t.browsers {
		if err := b.SetCookies(nil); err != nil {
			zap.L().Debug("rendered: clear browser cookies", zap.Error(err))
		}
	}
}

// Close shuts down every browser this transport started.
func (t *RenderedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, b := range t.browsers {
		_ = b.Close()
		delete(t.browsers, k)
	}
	for _, l := range t.launchers {
		l.Cleanup()
	}
	t.launchers = nil
	return nil
}
