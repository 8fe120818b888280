// Package llm is the single gateway to the inference service. It owns the
// circuit breaker, timeout retry, request pacing and response parsing so
// callers only see Output or a classified *Error.
package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/pkg/anthropic"
)

// ServiceName is the breaker and event source name of the gateway.
const ServiceName = "anthropic"

// Prompt is one extraction request.
type Prompt struct {
	Source string
	System string
	User   string
}

// Output is the parsed model answer.
type Output struct {
	Object map[string]any
	Raw    string
	Model  string
	Usage  anthropic.TokenUsage
}

// Config tunes the gateway.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// CallTimeout bounds one API call. Default 30s.
	CallTimeout time.Duration
	// RequestsPerSecond paces calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// SystemCacheTTL enables prompt caching of the system block ("5m"/"1h").
	SystemCacheTTL string
	Retry          resilience.RetryConfig
	// Usage receives the token usage of every answered call, parsed or not.
	Usage UsageRecorder
}

// UsageRecorder accumulates token usage.
type UsageRecorder interface {
	Record(model string, u anthropic.TokenUsage)
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "claude-haiku-4-5-20251001"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	return c
}

// Gateway calls the model through a circuit breaker.
type Gateway struct {
	client  anthropic.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
	pacer   *rate.Limiter
	sink    monitoring.Sink

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a gateway. breaker may be nil, in which case a default breaker
// that reports state changes to sink is created.
func New(client anthropic.Client, cfg Config, breaker *resilience.CircuitBreaker, sink monitoring.Sink) *Gateway {
	cfg = cfg.withDefaults()
	sink = monitoring.OrNop(sink)
	if breaker == nil {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.ShouldTrip = ShouldTrip
		bc.Neutral = Neutral
		bc.OnStateChange = func(from, to resilience.CircuitState) {
			BreakerEvents(sink)(ServiceName, from, to)
		}
		breaker = resilience.NewCircuitBreaker(bc)
	}
	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &Gateway{
		client:  client,
		cfg:     cfg,
		breaker: breaker,
		pacer:   pacer,
		sink:    sink,
		sleep:   resilience.SleepContext,
	}
}

// ShouldTrip reports whether err counts against the breaker. Malformed
// output means the service answered, so only timeouts and unavailability
// trip it.
func ShouldTrip(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// Neutral reports whether err says nothing about the service's health. Only
// classified errors come from an answer or a failed call; anything else is
// the caller cancelling or the pacer refusing to wait.
func Neutral(err error) bool {
	return KindOf(err) == ""
}

// BreakerEvents returns a state-change hook that emits circuit events.
func BreakerEvents(sink monitoring.Sink) func(service string, from, to resilience.CircuitState) {
	sink = monitoring.OrNop(sink)
	return func(service string, from, to resilience.CircuitState) {
		zap.L().Info("llm: circuit state change",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		sink.Emit(monitoring.NewEvent(monitoring.EventCircuitStateChange, service, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		}))
	}
}

// Breaker exposes the gateway's breaker for status reporting.
func (g *Gateway) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Extract sends p to the model and parses the answer as a JSON object.
// Timeouts are retried with exponential backoff; malformed output and an
// unavailable service are returned immediately.
func (g *Gateway) Extract(ctx context.Context, p Prompt) (*Output, error) {
	cfg := g.cfg.Retry
	cfg.Sleep = g.sleep
	cfg.OnRetry = resilience.RetryLogger(ServiceName, "extract")
	cfg.ShouldRetry = func(err error) bool { return KindOf(err) == KindTimeout }

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Output, error) {
		return g.call(ctx, p)
	})
}

func (g *Gateway) call(ctx context.Context, p Prompt) (*Output, error) {
	out, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Output, error) {
		if g.pacer != nil {
			if err := g.pacer.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "llm: pacing")
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		temp := g.cfg.Temperature
		resp, err := g.client.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:       g.cfg.Model,
			MaxTokens:   g.cfg.MaxTokens,
			System:      g.system(p.System),
			Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
			Temperature: &temp,
		})
		if err != nil {
			return nil, classify(ctx, err)
		}
		resp.Usage.LogUsage(g.cfg.Model, "extract")
		if g.cfg.Usage != nil {
			g.cfg.Usage.Record(g.cfg.Model, resp.Usage)
		}

		text := resp.Text()
		obj, err := ParseObject(text)
		if err != nil {
			zap.L().Debug("llm: malformed response",
				zap.String("source", p.Source),
				zap.String("stop_reason", resp.StopReason),
				zap.Int("length", len(text)),
			)
			return nil, &Error{Kind: KindMalformed, Err: err}
		}
		return &Output{Object: obj, Raw: text, Model: resp.Model, Usage: resp.Usage}, nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	return out, err
}

func (g *Gateway) system(text string) []anthropic.SystemBlock {
	if text == "" {
		return nil
	}
	if g.cfg.SystemCacheTTL != "" {
		return anthropic.BuildCachedSystemBlocks(text, g.cfg.SystemCacheTTL)
	}
	return []anthropic.SystemBlock{{Text: text}}
}

// classify maps a transport error onto the gateway taxonomy. Cancellation
// of the caller's context is passed through unclassified.
func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return eris.Wrap(parent.Err(), "llm: cancelled")
	}
	status := anthropic.StatusCode(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded), status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, StatusCode: status, Err: err}
	default:
		return &Error{Kind: KindUnavailable, StatusCode: status, Err: err}
	}
}
