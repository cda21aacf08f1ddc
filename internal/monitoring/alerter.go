package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/config"
	"github.com/sells-group/shortage-forecast/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate      AlertType = "run_failure_rate"
	AlertNoRecentRuns        AlertType = "no_recent_runs"
	AlertPendingBacklog      AlertType = "pending_backlog"
	AlertCriticalPredictions AlertType = "critical_predictions"
)

// minFinishedRuns is how many runs must finish in the window before the
// failure rate is judged.
const minFinishedRuns = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.Policy
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.Policy{
			Attempts:   3,
			Backoff:    time.Second,
			MaxBackoff: 10 * time.Second,
			Jitter:     0.2,
			OnRetry:    resilience.LogRetries("webhook", "send_alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.RunsTotal == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoRecentRuns,
			Severity:  "medium",
			Message:   fmt.Sprintf("No batch runs started in last %dh", snap.LookbackHours),
			Timestamp: now,
		})
	}

	if a.cfg.PendingThreshold > 0 && snap.PendingDepth > a.cfg.PendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d predictions waiting on an explanation (threshold %d)",
				snap.PendingDepth, a.cfg.PendingThreshold,
			),
			Details: map[string]any{
				"pending":   snap.PendingDepth,
				"threshold": a.cfg.PendingThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.AlertOnCritical && snap.CriticalActive > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCriticalPredictions,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d critical shortage prediction(s) active: %s",
				snap.CriticalActive, strings.Join(snap.CriticalSubjects, ", "),
			),
			Details: map[string]any{
				"critical": snap.CriticalActive,
				"subjects": snap.CriticalSubjects,
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
		if err := a.sendWebhook(ctx, alert); err != nil {
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

// sendWebhook posts a single alert to the webhook URL, retrying gateway
// errors and rate limits.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	_, err = resilience.Do(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.post(ctx, payload)
	})
	return err
}

func (a *Alerter) post(ctx context.Context, payload []byte) error {
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
		if resilience.RetryableStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
