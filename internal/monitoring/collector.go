// Package monitoring observes pipeline health: per-run counters, a
// store-backed snapshot for the status command and threshold alerting.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cap-immersion/sourcing-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Attempt log activity within the lookback window.
	AttemptsInWindow int `json:"attempts_in_window"`

	// Demand backlog.
	PendingDemand int `json:"pending_demand"`

	// Store totals.
	Establishments int `json:"establishments"`
	Offers         int `json:"offers"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	attempts, err := c.store.CountAttemptsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count attempts")
	}
	snap.AttemptsInWindow = attempts

	pending, err := c.store.CountPendingDemand(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending demand")
	}
	snap.PendingDemand = pending

	establishments, err := c.store.CountEstablishments(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count establishments")
	}
	snap.Establishments = establishments

	offers, err := c.store.CountOffers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count offers")
	}
	snap.Offers = offers

	return snap, nil
}
