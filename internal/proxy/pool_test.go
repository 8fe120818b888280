package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/monitoring"
)

func newTestPool(t *testing.T, addrs []string, sink monitoring.Sink) (*Pool, *time.Time) {
	t.Helper()
	p, err := New(addrs, Config{MaxFailures: 3, Cooldown: time.Minute}, sink)
	require.NoError(t, err)
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	p.nowFunc = func() time.Time { return now }
	return p, &now
}

func drain(p *Pool, n int) []string {
	var out []string
	for i := 0; i < n; i++ {
		r, ok := p.NextHealthy()
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, r.Address)
	}
	return out
}

func TestPool_RoundRobin(t *testing.T) {
	p, _ := newTestPool(t, []string{"a:1", "b:2", "c:3"}, nil)
	assert.Equal(t, []string{"a:1", "b:2", "c:3", "a:1"}, drain(p, 4))
}

func TestPool_FailingProxyExcludedUntilCooldown(t *testing.T) {
	var rec monitoring.Recorder
	p, now := newTestPool(t, []string{"a:1", "b:2"}, &rec)

	for i := 0; i < 3; i++ {
		p.ReportFailure("a:1")
	}
	assert.Equal(t, 1, p.Healthy())
	assert.Equal(t, 1, rec.Count(monitoring.EventProxyUnhealthy))

	*now = now.Add(30 * time.Second)
	assert.Equal(t, []string{"b:2", "b:2", "b:2"}, drain(p, 3))

	*now = now.Add(31 * time.Second)
	got := drain(p, 2)
	assert.Contains(t, got, "a:1")
	assert.Equal(t, 1, rec.Count(monitoring.EventProxyReadmitted))

	// Probation: one more failure benches it again.
	p.ReportFailure("a:1")
	assert.Equal(t, 1, p.Healthy())
	assert.Equal(t, 2, rec.Count(monitoring.EventProxyUnhealthy))
}

func TestPool_SuccessResetsFailures(t *testing.T) {
	p, _ := newTestPool(t, []string{"a:1"}, nil)
	p.ReportFailure("a:1")
	p.ReportFailure("a:1")
	p.ReportSuccess("a:1")
	p.ReportFailure("a:1")
	p.ReportFailure("a:1")

	assert.Equal(t, 1, p.Healthy())
	assert.Equal(t, 2, p.Records()[0].ConsecutiveFailures)
}

func TestPool_DegradedWhenAllUnhealthy(t *testing.T) {
	var rec monitoring.Recorder
	p, _ := newTestPool(t, []string{"a:1"}, &rec)
	for i := 0; i < 3; i++ {
		p.ReportFailure("a:1")
	}

	_, ok := p.NextHealthy()
	assert.False(t, ok)
	_, ok = p.NextHealthy()
	assert.False(t, ok)
	assert.Equal(t, 1, rec.Count(monitoring.EventProxyDegraded))
}

func TestPool_Empty(t *testing.T) {
	var rec monitoring.Recorder
	p, _ := newTestPool(t, nil, &rec)
	_, ok := p.NextHealthy()
	assert.False(t, ok)
	assert.Zero(t, p.Len())
	assert.Empty(t, rec.Events())
}

func TestNew_ParsesAddresses(t *testing.T) {
	p, err := New([]string{"10.0.0.1:8080", "http://user:pw@proxy.example:3128", " ", "10.0.0.1:8080"}, Config{}, nil)
	require.NoError(t, err)
	recs := p.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "http", recs[0].URL.Scheme)
	assert.Equal(t, "proxy.example:3128", recs[1].URL.Host)
	assert.Equal(t, "user", recs[1].URL.User.Username())

	_, err = New([]string{"http://"}, Config{}, nil)
	assert.Error(t, err)
}

func TestPool_UnknownAddressIgnored(t *testing.T) {
	p, _ := newTestPool(t, []string{"a:1"}, nil)
	p.ReportFailure("zzz")
	p.ReportSuccess("zzz")
	assert.Equal(t, 1, p.Healthy())
}
