// Package demand aggregates outstanding search demand into clustered
// sourcing queries. Unserved user searches accumulate as pending rows;
// draining claims them atomically, clusters them spatially per occupation
// code and emits one representative query per cluster.
package demand

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/store"
)

// DefaultClusterThresholdDegrees is the proximity threshold for grouping
// demand rows, expressed in degrees. Roughly 30 km at French latitudes;
// the flat-degree approximation is acceptable within one country's
// longitude range. Tuned empirically.
const DefaultClusterThresholdDegrees = 0.27

// Aggregator drains pending search demand into clustered queries.
type Aggregator struct {
	demands          store.DemandStore
	thresholdDegrees float64
}

// New creates an Aggregator. A non-positive threshold falls back to the
// default.
func New(demands store.DemandStore, thresholdDegrees float64) *Aggregator {
	if thresholdDegrees <= 0 {
		thresholdDegrees = DefaultClusterThresholdDegrees
	}
	return &Aggregator{demands: demands, thresholdDegrees: thresholdDegrees}
}

// DrainClusteredDemand claims every pending demand row and returns one
// query per spatial cluster, positioned at the cluster centroid with the
// maximum requested radius observed in the cluster (a wider outbound
// radius never under-serves a narrower original request). Claiming and
// marking happen in one store transaction, so rows are drained at most
// once; a second back-to-back call returns nothing new.
func (a *Aggregator) DrainClusteredDemand(ctx context.Context) ([]model.ClusteredDemand, error) {
	drained, err := a.demands.DrainPendingDemand(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "demand: drain pending")
	}
	if len(drained) == 0 {
		return nil, nil
	}

	byCode := make(map[string][]model.SearchDemand)
	var codes []string
	for _, d := range drained {
		if _, seen := byCode[d.OccupationCode]; !seen {
			codes = append(codes, d.OccupationCode)
		}
		byCode[d.OccupationCode] = append(byCode[d.OccupationCode], d)
	}

	var clustered []model.ClusteredDemand
	for _, code := range codes {
		clustered = append(clustered, a.clusterGroup(code, byCode[code])...)
	}

	zap.L().Info("drained search demand",
		zap.Int("rows", len(drained)),
		zap.Int("clusters", len(clustered)),
	)
	return clustered, nil
}

// clusterGroup greedily assigns each row to the first cluster whose seed
// row lies within the degree threshold, then emits centroid and max radius
// per cluster. Deterministic over the input order.
func (a *Aggregator) clusterGroup(code string, rows []model.SearchDemand) []model.ClusteredDemand {
	var clusters [][]model.SearchDemand

next:
	for _, row := range rows {
		for i, cluster := range clusters {
			if withinDegrees(cluster[0].Position, row.Position, a.thresholdDegrees) {
				clusters[i] = append(cluster, row)
				continue next
			}
		}
		clusters = append(clusters, []model.SearchDemand{row})
	}

	out := make([]model.ClusteredDemand, 0, len(clusters))
	for _, cluster := range clusters {
		points := make([]geo.Point, len(cluster))
		maxRadius := 0.0
		for i, row := range cluster {
			points[i] = row.Position
			if row.RadiusKm > maxRadius {
				maxRadius = row.RadiusKm
			}
		}
		out = append(out, model.ClusteredDemand{
			OccupationCode: code,
			Position:       geo.Centroid(points),
			RadiusKm:       maxRadius,
			DemandCount:    len(cluster),
		})
	}
	return out
}

func withinDegrees(a, b geo.Point, threshold float64) bool {
	return math.Abs(a.Lat-b.Lat) <= threshold && math.Abs(a.Lon-b.Lon) <= threshold
}
