// Package proxy rotates outbound requests across a pool of HTTP proxies and
// benches proxies that keep failing.
package proxy

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/monitoring"
)

// Record is the health state of one proxy.
type Record struct {
	Address             string    `json:"address"`
	URL                 *url.URL  `json:"-"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
	UnhealthySince      time.Time `json:"unhealthy_since,omitempty"`
}

// Config controls when proxies are benched and re-admitted.
type Config struct {
	// MaxFailures consecutive failures mark a proxy unhealthy. Default: 3.
	MaxFailures int
	// Cooldown is how long an unhealthy proxy sits out before it is tried
	// again. Default: 5m.
	Cooldown time.Duration
}

// Pool hands out healthy proxies in round-robin order. A pool with no
// healthy proxies tells the caller to go direct.
type Pool struct {
	cfg  Config
	sink monitoring.Sink

	mu       sync.Mutex
	records  []*Record
	next     int
	degraded bool

	nowFunc func() time.Time
}

// New creates a pool from proxy addresses. Bare host:port addresses are
// treated as http proxies. sink may be nil.
func New(addresses []string, cfg Config, sink monitoring.Sink) (*Pool, error) {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}

	p := &Pool{cfg: cfg, sink: monitoring.OrNop(sink), nowFunc: time.Now}
	seen := make(map[string]bool)
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			continue
		}
		raw := addr
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, eris.Errorf("proxy: invalid address %q", addr)
		}
		seen[addr] = true
		p.records = append(p.records, &Record{Address: addr, URL: u, Healthy: true})
	}
	return p, nil
}

// NextHealthy returns the next healthy proxy. Proxies whose cooldown has
// elapsed are re-admitted on probation: a single further failure benches
// them again. It returns false when no proxy is usable.
func (p *Pool) NextHealthy() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) == 0 {
		return Record{}, false
	}

	now := p.nowFunc()
	for _, r := range p.records {
		if !r.Healthy && now.Sub(r.UnhealthySince) >= p.cfg.Cooldown {
			r.Healthy = true
			r.ConsecutiveFailures = p.cfg.MaxFailures - 1
			r.UnhealthySince = time.Time{}
			p.sink.Emit(monitoring.NewEvent(monitoring.EventProxyReadmitted, r.Address, nil))
		}
	}

	for i := range p.records {
		idx := (p.next + i) % len(p.records)
		r := p.records[idx]
		if r.Healthy {
			p.next = idx + 1
			p.degraded = false
			return *r, true
		}
	}

	if !p.degraded {
		p.degraded = true
		p.sink.Emit(monitoring.NewEvent(monitoring.EventProxyDegraded, "", map[string]any{
			"proxies": len(p.records),
		}))
	}
	return Record{}, false
}

// ReportFailure counts a failed request through addr.
func (p *Pool) ReportFailure(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.find(addr)
	if r == nil {
		return
	}
	r.ConsecutiveFailures++
	if r.Healthy && r.ConsecutiveFailures >= p.cfg.MaxFailures {
		r.Healthy = false
		r.UnhealthySince = p.nowFunc()
		p.sink.Emit(monitoring.NewEvent(monitoring.EventProxyUnhealthy, addr, map[string]any{
			"failures": r.ConsecutiveFailures,
		}))
	}
}

// ReportSuccess resets the failure count of addr.
func (p *Pool) ReportSuccess(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r := p.find(addr); r != nil {
		r.ConsecutiveFailures = 0
	}
}

// Len returns the number of configured proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Healthy returns the number of proxies currently marked healthy.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.records {
		if r.Healthy {
			n++
		}
	}
	return n
}

// Records returns a copy of every proxy record.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.records))
	for i, r := range p.records {
		out[i] = *r
	}
	return out
}

func (p *Pool) find(addr string) *Record {
	for _, r := range p.records {
		if r.Address == addr {
			return r
		}
	}
	return nil
}
