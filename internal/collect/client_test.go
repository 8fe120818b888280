package collect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/fingerprint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/proxy"
	"github.com/sells-group/listing-cli/internal/ratelimit"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/session"
)

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepLog) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, src Source, opts Options) (*Client, *sleepLog) {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	c, err := NewClient(src, NewHTTPTransport(HTTPOptions{Timeout: 5 * time.Second}), opts)
	require.NoError(t, err)
	log := &sleepLog{}
	c.sleep = log.sleep
	return c, log
}

func apiSource(base string) Source {
	return Source{
		Name:        "listings-api",
		Kind:        SourceAPI,
		URLTemplate: base + "/listings/{id}",
		AuthHeader:  "X-Api-Key",
		AuthValue:   "secret",
		Query:       map[string]string{"fields": "all"},
	}
}

func pageSource(base string) Source {
	return Source{
		Name:         "site",
		Kind:         SourcePage,
		URLTemplate:  base + "/listing/{id}",
		LoginMarkers: []string{"/login"},
	}
}

func htmlPage(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const listingHTML = `<!doctype html><html><body><h1>12 Oak St, Springfield, IL 62704</h1>
<p>$450,000</p><p>3 bd | 2 ba | 1,800 sqft</p><a href="/logout">Sign out</a></body></html>`

func TestFetch_APISuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listings/42", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "all", r.URL.Query().Get("fields"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","price":450000}`))
	}))
	defer ts.Close()

	c, _ := newTestClient(t, apiSource(ts.URL), Options{})
	item, err := c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "listings-api", item.Source)
	assert.Equal(t, "42", item.ExternalID)
	assert.True(t, item.IsJSON())
	assert.JSONEq(t, `{"id":"42","price":450000}`, string(item.Payload))
	assert.False(t, item.FetchedAt.IsZero())
}

func TestFetch_RateLimitedHonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer ts.Close()

	c, log := newTestClient(t, apiSource(ts.URL), Options{})
	_, err := c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	waits := log.all()
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], 5*time.Second)
}

func TestFetch_NotFoundIsFinal(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, apiSource(ts.URL), Options{})
	_, err := c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "gone"})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "not_found", resilience.ClassifyError(err))
}

func TestFetch_ServerErrorsExhaustRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c, log := newTestClient(t, apiSource(ts.URL), Options{})
	_, err := c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "1"})
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, AttemptsOf(err))
	assert.Len(t, log.all(), 2)
	assert.False(t, errors.Is(err, ErrNoConnectivity))
}

func TestFetch_RequestTimeoutStatusIsRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","price":450000}`))
	}))
	defer ts.Close()

	c, _ := newTestClient(t, apiSource(ts.URL), Options{})
	item, err := c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "1"})
	require.NoError(t, err)
	assert.True(t, item.IsJSON())
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_BlockedRetriedOnceAfterClearingSession(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		htmlPage(w, http.StatusOK, `<html><body><div class="g-recaptcha"></div></body></html>`)
	}))
	defer ts.Close()

	store := session.NewStore("site", session.NewFileBlobStore(t.TempDir()), nil)
	require.NoError(t, store.Save(context.Background(), &session.Snapshot{
		Cookies: []session.Cookie{{Name: "sid", Value: "stale", Domain: "127.0.0.1"}},
	}))

	var rec monitoring.Recorder
	c, _ := newTestClient(t, pageSource(ts.URL), Options{Sessions: store, Sink: &rec})
	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "7"})
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindBlocked, ce.Kind)
	assert.Equal(t, BlockCaptcha, ce.Block)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, rec.Count(monitoring.EventCollectBlocked))
	assert.Nil(t, store.Current())

	reloaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reloaded)
}

func TestFetch_BlockedThenRecovers(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Server", "cloudflare")
			htmlPage(w, http.StatusForbidden, "Attention required")
			return
		}
		htmlPage(w, http.StatusOK, listingHTML)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, pageSource(ts.URL), Options{})
	item, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "7"})
	require.NoError(t, err)
	assert.True(t, item.IsHTML())
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_LoginRedirectIsBlocked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/listing/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		htmlPage(w, http.StatusOK, "<html><body><form>Sign in</form></body></html>")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, _ := newTestClient(t, pageSource(ts.URL), Options{})
	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "9"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindBlocked, ce.Kind)
	assert.Equal(t, BlockLogin, ce.Block)
}

func TestFetch_RestoresSavedSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("sid")
		if err != nil || ck.Value != "abc" {
			htmlPage(w, http.StatusUnauthorized, "no session")
			return
		}
		htmlPage(w, http.StatusOK, listingHTML)
	}))
	defer ts.Close()
	u, _ := url.Parse(ts.URL)

	store := session.NewStore("site", session.NewFileBlobStore(t.TempDir()), nil)
	require.NoError(t, store.Save(context.Background(), &session.Snapshot{
		Cookies: []session.Cookie{{Name: "sid", Value: "abc", Domain: u.Hostname(), Path: "/"}},
	}))

	c, _ := newTestClient(t, pageSource(ts.URL), Options{Sessions: store})
	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "1"})
	require.NoError(t, err)

	snap, err := c.CaptureSession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snap.Cookies)
	assert.Equal(t, "sid", snap.Cookies[0].Name)
}

func TestFetch_SavesNewSessionAfterFirstSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "fresh", Path: "/"})
		htmlPage(w, http.StatusOK, listingHTML)
	}))
	defer ts.Close()

	store := session.NewStore("site", session.NewFileBlobStore(t.TempDir()), nil)
	c, _ := newTestClient(t, pageSource(ts.URL), Options{Sessions: store})
	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "1"})
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Cookies, 1)
	assert.Equal(t, "fresh", snap.Cookies[0].Value)
}

func TestFetch_ProbeRejectsStaleSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/account", func(w http.ResponseWriter, _ *http.Request) {
		htmlPage(w, http.StatusOK, "<html><body>Welcome guest</body></html>")
	})
	mux.HandleFunc("/listing/", func(w http.ResponseWriter, _ *http.Request) {
		htmlPage(w, http.StatusOK, listingHTML)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	store := session.NewStore("site", session.NewFileBlobStore(t.TempDir()), nil)
	require.NoError(t, store.Save(context.Background(), &session.Snapshot{
		Cookies: []session.Cookie{{Name: "sid", Value: "old", Domain: "127.0.0.1"}},
	}))

	src := pageSource(ts.URL)
	src.ProbeURL = ts.URL + "/account"
	src.AuthenticatedMarker = "Sign out"

	c, _ := newTestClient(t, src, Options{Sessions: store})
	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "1"})
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFetch_NoConnectivityWhenProxiesBenchedAndDirectFails(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	pool, err := proxy.New([]string{"127.0.0.1:1"}, proxy.Config{MaxFailures: 3}, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		pool.ReportFailure("127.0.0.1:1")
	}

	c, _ := newTestClient(t, apiSource(base), Options{Proxies: pool})
	_, err = c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConnectivity)
}

func TestFetch_FailingProxyIsBenched(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := dead.Listener.Addr().String()
	dead.Close()

	pool, err := proxy.New([]string{deadAddr}, proxy.Config{MaxFailures: 3}, nil)
	require.NoError(t, err)

	c, _ := newTestClient(t, apiSource(ts.URL), Options{Proxies: pool})
	_, err = c.Fetch(context.Background(), model.Target{Source: "listings-api", ExternalID: "1"})
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.False(t, errors.Is(err, ErrNoConnectivity))
	assert.Equal(t, 0, pool.Healthy())
}

func TestFetch_UsesLimiterAndFingerprint(t *testing.T) {
	profileCfg := fingerprint.Config{
		UserAgents: []string{"ua-one", "ua-two"},
		MinJitter:  250 * time.Millisecond,
		MaxJitter:  250 * time.Millisecond,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, profileCfg.UserAgents, r.Header.Get("User-Agent"))
		htmlPage(w, http.StatusOK, listingHTML)
	}))
	defer ts.Close()

	var rec monitoring.Recorder
	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.SourceLimit{Capacity: 100}}, &rec)
	c, log := newTestClient(t, pageSource(ts.URL), Options{
		Limiter: limiter,
		Profile: fingerprint.NewSeededProfile(profileCfg, 1, 2),
		Sink:    &rec,
	})

	_, err := c.Fetch(context.Background(), model.Target{Source: "site", ExternalID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count(monitoring.EventRateLimitAdmitted))
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, log.all())
	assert.Equal(t, 1, limiter.Snapshot()["site"])
}

func TestFetch_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := newTestClient(t, apiSource(ts.URL), Options{})
	_, err := c.Fetch(ctx, model.Target{Source: "listings-api", ExternalID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5", 5 * time.Second},
		{" 120 ", 2 * time.Minute},
		{"-3", 0},
		{"", 0},
		{"soon", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), "input %q", tt.in)
	}
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(Source{Name: "x", Kind: "ftp"}, NewHTTPTransport(HTTPOptions{}), Options{})
	assert.Error(t, err)
	_, err = NewClient(Source{Name: "x", Kind: SourceAPI}, nil, Options{})
	assert.Error(t, err)
}
