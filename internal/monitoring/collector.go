package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/resilience"
)

// PipelineMetrics is a point-in-time view of batch pipeline counters.
type PipelineMetrics struct {
	Processed    int64   `json:"processed"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	DeadLettered int64   `json:"dead_lettered"`
	CacheHits    int64   `json:"cache_hits"`
	Extractions  int64   `json:"extractions"`
	Fallbacks    int64   `json:"fallbacks"`
	InFlight     int64   `json:"in_flight"`
	MaxInFlight  int64   `json:"max_in_flight"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	FailureRate  float64 `json:"failure_rate"`
}

// ProxyMetrics summarises proxy pool health.
type ProxyMetrics struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	Pipeline    PipelineMetrics                `json:"pipeline"`
	Circuits    map[string]resilience.Snapshot `json:"circuits,omitempty"`
	RateLimits  map[string]int                 `json:"rate_limits,omitempty"`
	Proxies     ProxyMetrics                   `json:"proxies"`
	DeadLetters int                            `json:"dead_letters"`
	CollectedAt time.Time                      `json:"collected_at"`
}

// OpenCircuits returns the names of circuits that are not closed, sorted.
func (s *MetricsSnapshot) OpenCircuits() []string {
	var out []string
	for name, c := range s.Circuits {
		if c.State != resilience.CircuitClosed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PipelineSource exposes batch pipeline counters.
type PipelineSource interface {
	Metrics() PipelineMetrics
}

// BreakerSource exposes circuit breaker states.
type BreakerSource interface {
	States() map[string]resilience.Snapshot
}

// RateLimitSource exposes per-source admitted counts in the current window.
type RateLimitSource interface {
	Snapshot() map[string]int
}

// ProxySource exposes proxy pool health.
type ProxySource interface {
	Len() int
	Healthy() int
}

// DeadLetterCounter counts persisted dead letters.
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context) (int, error)
}

// Collector gathers a MetricsSnapshot from the shared run components. Every
// source is optional.
type Collector struct {
	Pipeline    PipelineSource
	Breakers    BreakerSource
	RateLimits  RateLimitSource
	Proxies     ProxySource
	DeadLetters DeadLetterCounter

	nowFunc func() time.Time
}

// NewCollector creates a collector over the given sources.
func NewCollector(p PipelineSource, b BreakerSource, r RateLimitSource, px ProxySource, dl DeadLetterCounter) *Collector {
	return &Collector{
		Pipeline:    p,
		Breakers:    b,
		RateLimits:  r,
		Proxies:     px,
		DeadLetters: dl,
		nowFunc:     time.Now,
	}
}

// Collect gathers a snapshot of run metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := time.Now
	if c.nowFunc != nil {
		now = c.nowFunc
	}
	snap := &MetricsSnapshot{CollectedAt: now().UTC()}

	if c.Pipeline != nil {
		snap.Pipeline = c.Pipeline.Metrics()
	}
	if c.Breakers != nil {
		snap.Circuits = c.Breakers.States()
	}
	if c.RateLimits != nil {
		snap.RateLimits = c.RateLimits.Snapshot()
	}
	if c.Proxies != nil {
		snap.Proxies = ProxyMetrics{Total: c.Proxies.Len(), Healthy: c.Proxies.Healthy()}
	}
	if c.DeadLetters != nil {
		n, err := c.DeadLetters.CountDeadLetters(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dead letters")
		}
		snap.DeadLetters = n
	}

	return snap, nil
}
