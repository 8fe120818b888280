// Package ratelimit enforces per-source request budgets over a sliding
// window. Callers that would exceed a budget are delayed, never rejected.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// DefaultWindow is the trailing window budgets are measured over.
const DefaultWindow = time.Hour

// SourceLimit is the published capacity of one source and the fraction of it
// held back as a safety margin. A Capacity of zero or less disables limiting.
type SourceLimit struct {
	Capacity     int     `mapstructure:"capacity"`
	SafetyMargin float64 `mapstructure:"safety_margin"`
}

// Effective returns floor(Capacity × (1 − SafetyMargin)), at least 1, or 0
// when the source is unlimited.
func (s SourceLimit) Effective() int {
	if s.Capacity <= 0 {
		return 0
	}
	margin := math.Min(math.Max(s.SafetyMargin, 0), 1)
	n := int(math.Floor(float64(s.Capacity) * (1 - margin)))
	if n < 1 {
		n = 1
	}
	return n
}

// Config configures a Limiter.
type Config struct {
	Window  time.Duration
	Default SourceLimit
	Sources map[string]SourceLimit
}

// Limiter tracks one sliding-window budget per source. Budgets are shared
// by every worker in a run.
type Limiter struct {
	cfg  Config
	sink monitoring.Sink

	mu      sync.Mutex
	budgets map[string]*budget

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type budget struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

// New creates a Limiter. sink may be nil.
func New(cfg Config, sink monitoring.Sink) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		cfg:     cfg,
		sink:    monitoring.OrNop(sink),
		budgets: make(map[string]*budget),
		nowFunc: time.Now,
		sleep:   resilience.SleepContext,
	}
}

// Admit records one request for source, first waiting as long as needed for
// the oldest request in the window to age out. It returns the total time
// spent waiting. Only context cancellation aborts a wait.
func (l *Limiter) Admit(ctx context.Context, source string) (time.Duration, error) {
	b := l.budget(source)

	var waited time.Duration
	throttled := false
	for {
		wait, ok := l.tryAdmit(b)
		if ok {
			if throttled {
				l.sink.Emit(monitoring.NewEvent(monitoring.EventRateLimitResumed, source, map[string]any{"waited": waited}))
			}
			l.sink.Emit(monitoring.NewEvent(monitoring.EventRateLimitAdmitted, source, nil))
			return waited, nil
		}

		if !throttled {
			throttled = true
			l.sink.Emit(monitoring.NewEvent(monitoring.EventRateLimitThrottled, source, map[string]any{"wait": wait}))
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, eris.Wrapf(err, "ratelimit: wait for %s", source)
		}
		waited += wait
	}
}

// tryAdmit checks and records under the budget lock. When the budget is
// full it returns the time until the oldest entry leaves the window.
func (l *Limiter) tryAdmit(b *budget) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.nowFunc()
	if b.limit <= 0 {
		return 0, true
	}
	b.prune(now, l.cfg.Window)
	if len(b.stamps) < b.limit {
		b.stamps = append(b.stamps, now)
		return 0, true
	}
	return b.stamps[0].Add(l.cfg.Window).Sub(now), false
}

// prune drops timestamps that are at least one window old.
func (b *budget) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := sort.Search(len(b.stamps), func(i int) bool { return b.stamps[i].After(cutoff) })
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}

func (l *Limiter) budget(source string) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[source]
	if !ok {
		b = &budget{limit: l.limitFor(source).Effective()}
		l.budgets[source] = b
	}
	return b
}

func (l *Limiter) limitFor(source string) SourceLimit {
	if s, ok := l.cfg.Sources[source]; ok {
		return s
	}
	return l.cfg.Default
}

// Limit returns the effective per-window budget for source (0 = unlimited).
func (l *Limiter) Limit(source string) int {
	return l.limitFor(source).Effective()
}

// Snapshot returns the number of requests inside the current window for
// every source seen so far.
func (l *Limiter) Snapshot() map[string]int {
	l.mu.Lock()
	names := make([]string, 0, len(l.budgets))
	budgets := make([]*budget, 0, len(l.budgets))
	for name, b := range l.budgets {
		names = append(names, name)
		budgets = append(budgets, b)
	}
	l.mu.Unlock()

	now := l.nowFunc()
	out := make(map[string]int, len(names))
	for i, b := range budgets {
		b.mu.Lock()
		b.prune(now, l.cfg.Window)
		out[names[i]] = len(b.stamps)
		b.mu.Unlock()
	}
	return out
}
