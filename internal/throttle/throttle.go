// Package throttle decides whether a fresh external sourcing call is
// warranted for an (occupation, area) pair, based on the geographically
// closest prior attempt recorded since a cutoff date. Skipping a covered
// area is a deliberate no-op, not an error.
package throttle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/store"
)

// Throttle reads the sourcing attempt log to suppress redundant calls and
// records every attempt, successful or failed, for future throttling and
// audit.
type Throttle struct {
	attempts store.AttemptStore
}

// New creates a Throttle over the attempt log.
func New(attempts store.AttemptStore) *Throttle {
	return &Throttle{attempts: attempts}
}

// ShouldSource reports whether a fresh external lookup is warranted for
// the occupation code around pos. Sourcing is required when no attempt for
// the code exists since the cutoff, or when the closest prior attempt is
// farther away than the requested radius. When two prior attempts are
// equidistant the first one in reduction order wins; the outcome is the
// same either way since only the minimum distance matters.
func (t *Throttle) ShouldSource(ctx context.Context, occupationCode string, pos geo.Point, requestedRadiusKm float64, since time.Time) (bool, error) {
	attempts, err := t.attempts.ListAttemptsSince(ctx, occupationCode, since)
	if err != nil {
		return false, eris.Wrap(err, "throttle: list prior attempts")
	}
	if len(attempts) == 0 {
		return true, nil
	}

	closest := geo.DistanceKm(pos, attempts[0].Position)
	for _, a := range attempts[1:] {
		if d := geo.DistanceKm(pos, a.Position); d < closest {
			closest = d
		}
	}

	if closest <= requestedRadiusKm {
		zap.L().Debug("skipping sourcing, area already covered",
			zap.String("occupation_code", occupationCode),
			zap.Float64("closest_attempt_km", closest),
			zap.Float64("requested_radius_km", requestedRadiusKm),
		)
		return false, nil
	}
	return true, nil
}

// RecordAttempt appends one attempt row. Failed calls are recorded too,
// with the error retained in the result payload.
func (t *Throttle) RecordAttempt(ctx context.Context, attempt model.SourcingAttempt) error {
	if attempt.RequestedAt.IsZero() {
		attempt.RequestedAt = time.Now().UTC()
	}
	return eris.Wrap(t.attempts.RecordAttempt(ctx, attempt), "throttle: record attempt")
}
