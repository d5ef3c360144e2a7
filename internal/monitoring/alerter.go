package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStuckRuns     AlertType = "stuck_runs"
	AlertQueueBacklog  AlertType = "queue_backlog"
	AlertAuditFailures AlertType = "audit_failures"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu            sync.Mutex
	lastAuditSeen int64
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Audit failures alert on the increase since the previous evaluation.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Runs the watchdog had to give up on.
	if w := snap.Watchdog; w != nil && w.Failed+w.Partial > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckRuns,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d stuck run(s) finished by the watchdog (%d failed, %d partial), %d requeued",
				w.Failed+w.Partial, w.Failed, w.Partial, w.Requeued,
			),
			Details: map[string]any{
				"failed":        w.Failed,
				"partial":       w.Partial,
				"requeued":      w.Requeued,
				"scrapes_reset": w.ScrapesReset,
			},
			Timestamp: now,
		})
	}

	// Queue backlog.
	if a.cfg.QueueDepthAlert > 0 {
		names := make([]string, 0, len(snap.QueueDepth))
		for name := range snap.QueueDepth {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			depth := snap.QueueDepth[name]
			if depth < a.cfg.QueueDepthAlert {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertQueueBacklog,
				Severity: "medium",
				Message:  fmt.Sprintf("queue %s holds %d messages (threshold %d)", name, depth, a.cfg.QueueDepthAlert),
				Details: map[string]any{
					"queue":     name,
					"depth":     depth,
					"threshold": a.cfg.QueueDepthAlert,
				},
				Timestamp: now,
			})
		}
	}

	// Audit writes that were dropped.
	a.mu.Lock()
	newFailures := snap.AuditFailures - a.lastAuditSeen
	a.lastAuditSeen = snap.AuditFailures
	a.mu.Unlock()
	if a.cfg.AuditFailuresAlert > 0 && newFailures >= a.cfg.AuditFailuresAlert {
		alerts = append(alerts, Alert{
			Type:     AlertAuditFailures,
			Severity: "medium",
			Message:  fmt.Sprintf("%d audit log write(s) failed since the last check", newFailures),
			Details: map[string]any{
				"new_failures":   newFailures,
				"total_failures": snap.AuditFailures,
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

// sendWebhook posts a single alert to the webhook URL.
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Health runs one watchdog pass, collects a snapshot and sends any alerts.
type Health struct {
	Watchdog  *Watchdog
	Collector *Collector
	Alerter   *Alerter
}

// Run performs the pass. Alert delivery failures are logged, not returned.
func (h *Health) Run(ctx context.Context) (*Snapshot, error) {
	check, err := h.Watchdog.Check(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := h.Collector.Collect(ctx, check)
	if err != nil {
		return nil, err
	}
	if alerts := h.Alerter.Evaluate(snap); len(alerts) > 0 {
		sent := h.Alerter.SendAlerts(ctx, alerts)
		zap.L().Info("monitoring: alert check complete",
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	}
	return snap, nil
}
