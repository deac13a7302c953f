// Package pipeline orchestrates one sourcing run: drain clustered demand,
// throttle against the attempt log, fetch candidates from the matching API,
// filter and reconcile them into the establishment store.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cap-immersion/sourcing-cli/internal/config"
	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/monitoring"
	"github.com/cap-immersion/sourcing-cli/internal/reconcile"
	"github.com/cap-immersion/sourcing-cli/internal/relevance"
	"github.com/cap-immersion/sourcing-cli/pkg/companymatch"
)

// Clusterer drains pending search demand into clustered queries.
type Clusterer interface {
	DrainClusteredDemand(ctx context.Context) ([]model.ClusteredDemand, error)
}

// Gate decides whether a cluster warrants a fresh external call and records
// every attempt made.
type Gate interface {
	ShouldSource(ctx context.Context, occupationCode string, pos geo.Point, requestedRadiusKm float64, since time.Time) (bool, error)
	RecordAttempt(ctx context.Context, attempt model.SourcingAttempt) error
}

// BatchReconciler merges candidates into the establishment store.
type BatchReconciler interface {
	Reconcile(ctx context.Context, candidates []model.CandidateEstablishment) (reconcile.Result, error)
}

// Orchestrator runs the sourcing pipeline end to end.
type Orchestrator struct {
	cfg        config.SourcingConfig
	demand     Clusterer
	gate       Gate
	matcher    companymatch.Client
	filter     *relevance.Filter
	reconciler BatchReconciler
}

// New creates an Orchestrator with all dependencies.
func New(
	cfg config.SourcingConfig,
	demand Clusterer,
	gate Gate,
	matcher companymatch.Client,
	filter *relevance.Filter,
	reconciler BatchReconciler,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		demand:     demand,
		gate:       gate,
		matcher:    matcher,
		filter:     filter,
		reconciler: reconciler,
	}
}

// Run executes one full sourcing run and returns its counters. Clusters are
// processed sequentially; a failed cluster is logged and counted but does
// not stop the run until the failure budget is exhausted, at which point the
// triggering error propagates and the remaining clusters are left for the
// next run (their demand rows are already drained, but the attempt log keeps
// the area eligible for re-sourcing).
func (o *Orchestrator) Run(ctx context.Context) (monitoring.RunSummary, error) {
	metrics := monitoring.NewRunMetrics()
	log := zap.L()

	clusters, err := o.demand.DrainClusteredDemand(ctx)
	if err != nil {
		return metrics.Snapshot(), eris.Wrap(err, "pipeline: drain demand")
	}
	if len(clusters) == 0 {
		log.Info("pipeline: no pending demand, nothing to source")
		return metrics.Snapshot(), nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -o.cfg.LookbackDays)
	log.Info("pipeline: starting sourcing run",
		zap.Int("clusters", len(clusters)),
		zap.Time("throttle_cutoff", cutoff),
	)

	failures := 0
	for _, cluster := range clusters {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return metrics.Snapshot(), eris.Wrap(ctxErr, "pipeline: run cancelled")
		}

		clusterStart := time.Now()
		err := o.processCluster(ctx, cluster, cutoff, metrics)
		metrics.ObserveClusterDuration(time.Since(clusterStart))
		if err != nil {
			metrics.ClusterFailed()
			failures++
			log.Error("pipeline: cluster failed",
				zap.String("occupation_code", cluster.OccupationCode),
				zap.Float64("lat", cluster.Position.Lat),
				zap.Float64("lon", cluster.Position.Lon),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if failures > o.cfg.MaxFailures {
				metrics.LogSummary()
				return metrics.Snapshot(), eris.Wrapf(err, "pipeline: aborting run after %d failures", failures)
			}
		}
	}

	metrics.LogSummary()
	return metrics.Snapshot(), nil
}

// processCluster sources one cluster. The attempt is recorded with the fixed
// sourcing radius whether the fetch succeeds or fails, so the throttle sees
// failed areas too and the retry cadence stays bounded by the lookback
// window.
func (o *Orchestrator) processCluster(ctx context.Context, cluster model.ClusteredDemand, cutoff time.Time, metrics *monitoring.RunMetrics) error {
	should, err := o.gate.ShouldSource(ctx, cluster.OccupationCode, cluster.Position, cluster.RadiusKm, cutoff)
	if err != nil {
		return eris.Wrap(err, "pipeline: throttle check")
	}
	if !should {
		metrics.ClusterSkipped()
		return nil
	}

	candidates, fetchErr := o.matcher.FetchCandidates(ctx, cluster.OccupationCode, cluster.Position, o.cfg.RadiusKm)
	if fetchErr != nil {
		attempt := model.SourcingAttempt{
			OccupationCode: cluster.OccupationCode,
			Position:       cluster.Position,
			RadiusKm:       o.cfg.RadiusKm,
			Result:         model.FailureResult(fetchErr),
		}
		if recErr := o.gate.RecordAttempt(ctx, attempt); recErr != nil {
			zap.L().Warn("pipeline: failed to record failed attempt", zap.Error(recErr))
		}
		return eris.Wrap(fetchErr, "pipeline: fetch candidates")
	}

	relevant := o.filter.Apply(candidates)

	if err := o.gate.RecordAttempt(ctx, model.SourcingAttempt{
		OccupationCode: cluster.OccupationCode,
		Position:       cluster.Position,
		RadiusKm:       o.cfg.RadiusKm,
		Result:         model.SuccessResult(len(candidates), len(relevant)),
	}); err != nil {
		return eris.Wrap(err, "pipeline: record attempt")
	}

	res, err := o.reconciler.Reconcile(ctx, relevant)
	if err != nil {
		return eris.Wrap(err, "pipeline: reconcile")
	}

	metrics.ClusterProcessed(len(candidates), len(relevant))
	metrics.Reconciled(res.Inserted, res.OffersAdded, res.RegistryMisses)
	return nil
}
