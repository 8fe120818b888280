package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/config"
)

// Checker evaluates alerts periodically while a run is in progress.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration

	mu    sync.Mutex
	fired map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		fired:     make(map[AlertType]bool),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// Check runs one evaluation immediately, e.g. when a run finishes before
// the first tick. Alerts already fired are not repeated.
func (c *Checker) Check(ctx context.Context) {
	c.check(ctx, zap.L().With(zap.String("component", "monitoring.checker")))
}

// check sends each alert type at most once per run.
func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	var fresh []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if c.fired[a.Type] {
			continue
		}
		c.fired[a.Type] = true
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts")
		return
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
}
