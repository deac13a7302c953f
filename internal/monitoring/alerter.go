package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cap-immersion/sourcing-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDemandBacklog    AlertType = "demand_backlog"
	AlertRegistryMissRate AlertType = "registry_miss_rate"
	AlertClusterFailures  AlertType = "cluster_failures"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run counters and store snapshots against configured
// thresholds and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot and run summary against thresholds and
// returns any alerts. Either argument may be nil when only the other side
// is available.
func (a *Alerter) Evaluate(snap *MetricsSnapshot, run *RunSummary) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap != nil && a.cfg.BacklogThreshold > 0 && snap.PendingDemand > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDemandBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"Pending search demand backlog %d exceeds threshold %d",
				snap.PendingDemand, a.cfg.BacklogThreshold,
			),
			Details: map[string]any{
				"pending_demand": snap.PendingDemand,
				"threshold":      a.cfg.BacklogThreshold,
			},
			Timestamp: now,
		})
	}

	if run != nil {
		// Miss rate is only meaningful once a run saw enough candidates.
		if a.cfg.MissRateThreshold > 0 && run.CandidatesTotal >= 20 {
			missRate := float64(run.RegistryMisses) / float64(run.CandidatesTotal)
			if missRate > a.cfg.MissRateThreshold {
				alerts = append(alerts, Alert{
					Type:     AlertRegistryMissRate,
					Severity: "high",
					Message: fmt.Sprintf(
						"Registry miss rate %.1f%% exceeds threshold %.1f%% (%d misses / %d candidates)",
						missRate*100, a.cfg.MissRateThreshold*100,
						run.RegistryMisses, run.CandidatesTotal,
					),
					Details: map[string]any{
						"miss_rate":  missRate,
						"threshold":  a.cfg.MissRateThreshold,
						"misses":     run.RegistryMisses,
						"candidates": run.CandidatesTotal,
					},
					Timestamp: now,
				})
			}
		}

		if run.ClustersFailed > 0 {
			alerts = append(alerts, Alert{
				Type:     AlertClusterFailures,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d cluster(s) failed during the last run",
					run.ClustersFailed,
				),
				Details: map[string]any{
					"failed":    run.ClustersFailed,
					"processed": run.ClustersProcessed,
				},
				Timestamp: now,
			})
		}
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
