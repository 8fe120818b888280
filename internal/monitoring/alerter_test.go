package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/config"
	"github.com/sells-group/listing-cli/internal/resilience"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DeadLetterThreshold:  10,
	})

	snap := &MetricsSnapshot{
		Pipeline:    PipelineMetrics{Processed: 20, Succeeded: 20},
		Proxies:     ProxyMetrics{Total: 2, Healthy: 2},
		DeadLetters: 1,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{Pipeline: PipelineMetrics{Processed: 10, Failed: 3, FailureRate: 0.3}}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "30.0%")
}

func TestAlerter_Evaluate_MinimumProcessedRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{Pipeline: PipelineMetrics{Processed: 2, Failed: 2, FailureRate: 1}}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CircuitAndProxies(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Circuits: map[string]resilience.Snapshot{
			"anthropic": {State: resilience.CircuitOpen},
		},
		Proxies: ProxyMetrics{Total: 3, Healthy: 0},
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "anthropic")
	assert.Equal(t, AlertNoHealthyProxy, alerts[1].Type)
}

func TestAlerter_Evaluate_NoProxiesConfigured(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{}))
}

func TestAlerter_Evaluate_DeadLetterDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DeadLetterThreshold: 5})

	alerts := a.Evaluate(&MetricsSnapshot{DeadLetters: 6})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeadLetterDepth, alerts[0].Type)

	disabled := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, disabled.Evaluate(&MetricsSnapshot{DeadLetters: 600}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertCircuitOpen, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func noSleep(a *Alerter) *[]time.Duration {
	var waits []time.Duration
	a.retry.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	waits := noSleep(a)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, *waits, 2)
}

func TestAlerter_SendAlerts_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	waits := noSleep(a)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), hits.Load())
	require.Len(t, *waits, 1)
	assert.GreaterOrEqual(t, (*waits)[0], 4*time.Second)
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	waits := noSleep(a)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, *waits)
}
