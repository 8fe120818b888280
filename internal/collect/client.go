// Package collect fetches raw listing payloads from rate-limited APIs and
// bot-defensive websites while keeping sessions, proxies and fingerprints in
// good standing.
package collect

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/fingerprint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/proxy"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/session"
)

// Admitter gates requests per source.
type Admitter interface {
	Admit(ctx context.Context, source string) (time.Duration, error)
}

// ProxyPicker hands out proxies and takes health reports.
type ProxyPicker interface {
	NextHealthy() (proxy.Record, bool)
	ReportFailure(addr string)
	ReportSuccess(addr string)
	Len() int
}

// FingerprintSource yields a fresh identity per request.
type FingerprintSource interface {
	Next() fingerprint.Fingerprint
}

// Options wires the shared run components into a Client. Every field is
// optional.
type Options struct {
	Limiter  Admitter
	Proxies  ProxyPicker
	Profile  FingerprintSource
	Sessions *session.Store
	Retry    resilience.RetryConfig
	Sink     monitoring.Sink
}

// Client collects items from a single source.
type Client struct {
	src       Source
	transport Transport
	limiter   Admitter
	proxies   ProxyPicker
	profile   FingerprintSource
	sessions  *session.Store
	retry     resilience.RetryConfig
	sink      monitoring.Sink

	mu           sync.Mutex
	sessionReady bool
	sessionSaved bool

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewClient creates a collection client for src using transport.
func NewClient(src Source, transport Transport, opts Options) (*Client, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, eris.Errorf("collect: source %s: nil transport", src.Name)
	}
	return &Client{
		src:       src,
		transport: transport,
		limiter:   opts.Limiter,
		proxies:   opts.Proxies,
		profile:   opts.Profile,
		sessions:  opts.Sessions,
		retry:     opts.Retry,
		sink:      monitoring.OrNop(opts.Sink),
		sleep:     resilience.SleepContext,
		nowFunc:   time.Now,
	}, nil
}

// Source returns the client's source definition.
func (c *Client) Source() Source { return c.src }

// attemptState is shared by the attempts of one Fetch.
type attemptState struct {
	attempts     int
	blocked      int
	lastDegraded bool
}

// Fetch collects one target. Network failures and rate limiting are retried
// with backoff (honouring Retry-After), a block is retried once after the
// session is cleared, and not_found is final. Errors are *Error values; if
// the final network failure happened with every proxy benched the error also
// wraps ErrNoConnectivity.
func (c *Client) Fetch(ctx context.Context, target model.Target) (*model.RawItem, error) {
	rawURL, err := c.src.URL(target)
	if err != nil {
		return nil, err
	}
	c.ensureSession(ctx)

	st := &attemptState{}
	cfg := c.retry
	cfg.Sleep = c.sleep
	cfg.OnRetry = resilience.RetryLogger(c.src.Name, "fetch")
	cfg.ShouldRetry = func(err error) bool {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Kind == KindBlocked {
			return st.blocked == 1
		}
		return ce.Retryable()
	}

	item, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.RawItem, error) {
		st.attempts++
		return c.attempt(ctx, target, rawURL, st)
	})
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Attempts = st.attempts
		}
		if KindOf(err) == KindNetwork && st.lastDegraded && c.proxies != nil && c.proxies.Len() > 0 {
			return nil, eris.Wrapf(ErrNoConnectivity, "%s after %d attempts: %v", target.Key(), st.attempts, err)
		}
		return nil, err
	}
	return item, nil
}

func (c *Client) attempt(ctx context.Context, target model.Target, rawURL string, st *attemptState) (*model.RawItem, error) {
	if c.limiter != nil {
		if _, err := c.limiter.Admit(ctx, c.src.Name); err != nil {
			return nil, err
		}
	}

	req := &Request{URL: rawURL, Header: c.headers()}
	proxyAddr := ""
	st.lastDegraded = false
	if c.proxies != nil {
		if rec, ok := c.proxies.NextHealthy(); ok {
			req.Proxy = rec.URL
			proxyAddr = rec.Address
		} else {
			st.lastDegraded = true
		}
	}
	if c.profile != nil {
		req.Fingerprint = c.profile.Next()
		if err := c.sleep(ctx, req.Fingerprint.Jitter); err != nil {
			return nil, eris.Wrap(err, "collect: jitter")
		}
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "collect: fetch cancelled")
		}
		c.reportProxy(proxyAddr, false)
		return nil, &Error{Kind: KindNetwork, Source: c.src.Name, URL: rawURL, Err: err}
	}

	if cerr := c.classify(resp, rawURL); cerr != nil {
		switch cerr.Kind {
		case KindBlocked:
			st.blocked++
			c.reportProxy(proxyAddr, false)
			c.remediateBlock(ctx, cerr)
		case KindNetwork:
			c.reportProxy(proxyAddr, false)
		default:
			c.reportProxy(proxyAddr, true)
		}
		return nil, cerr
	}

	c.reportProxy(proxyAddr, true)
	c.saveSessionOnce(ctx)
	return model.NewRawItem(target, resp.ContentType, resp.Body, c.nowFunc().UTC()), nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.src.AuthHeader != "" {
		h.Set(c.src.AuthHeader, c.src.AuthValue)
	}
	if c.src.Kind == SourceAPI {
		h.Set("Accept", "application/json")
	}
	return h
}

// classify maps a response onto the error taxonomy. nil means success.
func (c *Client) classify(resp *Response, rawURL string) *Error {
	base := Error{Source: c.src.Name, URL: rawURL, StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		base.Kind = KindRateLimited
		base.Wait = parseRetryAfter(resp.Header.Get("Retry-After"), c.nowFunc())
		return &base
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		base.Kind = KindNotFound
		return &base
	}

	if blocked, bt := DetectBlock(resp, rawURL, &c.src); blocked {
		base.Kind = KindBlocked
		base.Block = bt
		return &base
	}

	switch {
	case resp.StatusCode >= 500, resilience.IsTransientHTTPStatus(resp.StatusCode):
		base.Kind = KindNetwork
		return &base
	case resp.StatusCode >= 400:
		// Other client errors will not change on retry.
		base.Kind = KindNotFound
		return &base
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) reportProxy(addr string, ok bool) {
	if c.proxies == nil || addr == "" {
		return
	}
	if ok {
		c.proxies.ReportSuccess(addr)
	} else {
		c.proxies.ReportFailure(addr)
	}
}

// remediateBlock drops the session so the next attempt starts clean.
func (c *Client) remediateBlock(ctx context.Context, cerr *Error) {
	c.sink.Emit(monitoring.NewEvent(monitoring.EventCollectBlocked, c.src.Name, map[string]any{
		"block":  string(cerr.Block),
		"status": cerr.StatusCode,
		"url":    cerr.URL,
	}))

	c.transport.Reset()
	c.mu.Lock()
	c.sessionSaved = false
	c.mu.Unlock()

	if c.sessions != nil {
		if err := c.sessions.Clear(ctx); err != nil {
			zap.L().Warn("collect: clear session after block failed",
				zap.String("source", c.src.Name), zap.Error(err))
		}
	}
}

// ensureSession loads the persisted session once per client, validating it
// with the source probe when one is configured.
func (c *Client) ensureSession(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionReady || c.sessions == nil {
		return
	}
	c.sessionReady = true

	snap, err := c.sessions.Load(ctx)
	if err != nil {
		zap.L().Warn("collect: load session failed, starting fresh",
			zap.String("source", c.src.Name), zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	c.transport.Restore(snap)
	c.sessionSaved = true

	if c.src.ProbeURL == "" {
		return
	}
	if !c.sessions.Validate(ctx, c.probe) {
		zap.L().Info("collect: saved session rejected by probe", zap.String("source", c.src.Name))
		c.transport.Reset()
		c.sessionSaved = false
		if err := c.sessions.Clear(ctx); err != nil {
			zap.L().Warn("collect: clear session failed", zap.String("source", c.src.Name), zap.Error(err))
		}
	}
}

// probe fetches the probe URL and reports whether it looks authenticated.
func (c *Client) probe(ctx context.Context, _ *session.Snapshot) (bool, error) {
	if c.limiter != nil {
		if _, err := c.limiter.Admit(ctx, c.src.Name); err != nil {
			return false, err
		}
	}
	req := &Request{URL: c.src.ProbeURL, Header: c.headers()}
	if c.profile != nil {
		req.Fingerprint = c.profile.Next()
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= 400 {
		return false, nil
	}
	blocked, _ := DetectBlock(resp, c.src.ProbeURL, &c.src)
	return !blocked, nil
}

func (c *Client) saveSessionOnce(ctx context.Context) {
	if c.sessions == nil {
		return
	}
	c.mu.Lock()
	if c.sessionSaved {
		c.mu.Unlock()
		return
	}
	c.sessionSaved = true
	c.mu.Unlock()

	if err := c.SaveSession(ctx); err != nil {
		zap.L().Warn("collect: save session failed", zap.String("source", c.src.Name), zap.Error(err))
	}
}

// SaveSession captures the transport state and persists it.
func (c *Client) SaveSession(ctx context.Context) error {
	if c.sessions == nil {
		return nil
	}
	snap, err := c.CaptureSession(ctx)
	if err != nil {
		return err
	}
	if snap.Empty() {
		return nil
	}
	return c.sessions.Save(ctx, snap)
}

// CaptureSession exports the current transport state, e.g. for autosave.
func (c *Client) CaptureSession(ctx context.Context) (*session.Snapshot, error) {
	snap, err := c.transport.Capture(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "collect: capture session for %s", c.src.Name)
	}
	return snap, nil
}

// Close releases transport resources.
func (c *Client) Close() error {
	if cl, ok := c.transport.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
