package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/config"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "failure_rate"
	AlertCircuitOpen     AlertType = "circuit_open"
	AlertNoHealthyProxy  AlertType = "no_healthy_proxy"
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
)

// minProcessedForRate avoids alerting on the first few items of a run.
const minProcessedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. Deliveries that
// fail with a transient status or a dropped connection are retried.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.2,
			OnRetry:        resilience.RetryLogger("webhook", "send_alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	p := snap.Pipeline
	if a.cfg.FailureRateThreshold > 0 && p.Processed >= minProcessedForRate && p.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Item failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed)",
				p.FailureRate*100, a.cfg.FailureRateThreshold*100, p.Failed, p.Processed,
			),
			Details: map[string]any{
				"failure_rate": p.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       p.Failed,
				"processed":    p.Processed,
			},
			Timestamp: now,
		})
	}

	if open := snap.OpenCircuits(); len(open) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("Circuit breaker not closed for: %s", strings.Join(open, ", ")),
			Details:   map[string]any{"services": open},
			Timestamp: now,
		})
	}

	if snap.Proxies.Total > 0 && snap.Proxies.Healthy == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoHealthyProxy,
			Severity:  "medium",
			Message:   fmt.Sprintf("All %d proxies unhealthy; collecting over direct connection", snap.Proxies.Total),
			Details:   map[string]any{"total": snap.Proxies.Total},
			Timestamp: now,
		})
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetters > a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d dead letters exceed threshold %d", snap.DeadLetters, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"dead_letters": snap.DeadLetters,
				"threshold":    a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return resilience.WithRetryAfter(err, resp.StatusCode, time.Duration(secs)*time.Second)
		}
		return err
	}
	return nil
}
