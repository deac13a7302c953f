package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/store"
)

var (
	paris10 = geo.Point{Lat: 48.8841446, Lon: 2.3651789}
	paris17 = geo.Point{Lat: 48.862725, Lon: 2.287592}
	evry    = geo.Point{Lat: 48.5961, Lon: 2.4406}
)

func seedAttempt(t *testing.T, s store.AttemptStore, code string, pos geo.Point, radiusKm float64, at time.Time) {
	t.Helper()
	require.NoError(t, s.RecordAttempt(context.Background(), model.SourcingAttempt{
		OccupationCode: code,
		Position:       pos,
		RadiusKm:       radiusKm,
		RequestedAt:    at,
		Result:         model.SuccessResult(5, 5),
	}))
}

func TestShouldSource_NoPriorAttempts(t *testing.T) {
	th := New(store.NewMemory())
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)

	should, err := th.ShouldSource(context.Background(), "F1111", paris17, 10, since)
	require.NoError(t, err)
	assert.True(t, should)
}

func TestShouldSource_CoveredByNearbyAttempt(t *testing.T) {
	s := store.NewMemory()
	now := time.Now().UTC()
	// Prior attempt ~6 km away: closer than the 10 km requested radius.
	seedAttempt(t, s, "F1111", paris10, 100, now.Add(-time.Hour))

	should, err := New(s).ShouldSource(context.Background(), "F1111", paris17, 10, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, should)
}

func TestShouldSource_ClosestAttemptOutsideRadius(t *testing.T) {
	s := store.NewMemory()
	now := time.Now().UTC()
	// Prior attempt at Evry, ~31 km from Paris 17th: beyond the 10 km radius.
	seedAttempt(t, s, "F1111", evry, 10, now.Add(-time.Hour))

	should, err := New(s).ShouldSource(context.Background(), "F1111", paris17, 10, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, should)
}

func TestShouldSource_PicksClosestOfSeveral(t *testing.T) {
	s := store.NewMemory()
	now := time.Now().UTC()
	seedAttempt(t, s, "F1111", evry, 10, now.Add(-2*time.Hour))
	seedAttempt(t, s, "F1111", paris10, 50, now.Add(-time.Hour))

	// Evry alone would require sourcing, but the Paris 10th attempt is
	// within the requested radius.
	should, err := New(s).ShouldSource(context.Background(), "F1111", paris17, 10, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, should)
}

func TestShouldSource_IgnoresAttemptsBeforeCutoff(t *testing.T) {
	s := store.NewMemory()
	now := time.Now().UTC()
	seedAttempt(t, s, "F1111", paris10, 100, now.Add(-60*24*time.Hour))

	should, err := New(s).ShouldSource(context.Background(), "F1111", paris17, 10, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, should)
}

func TestShouldSource_IgnoresOtherOccupationCodes(t *testing.T) {
	s := store.NewMemory()
	now := time.Now().UTC()
	seedAttempt(t, s, "M1607", paris17, 100, now.Add(-time.Hour))

	should, err := New(s).ShouldSource(context.Background(), "F1111", paris17, 10, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, should)
}

func TestRecordAttempt_DefaultsRequestedAt(t *testing.T) {
	s := store.NewMemory()
	th := New(s)

	require.NoError(t, th.RecordAttempt(context.Background(), model.SourcingAttempt{
		OccupationCode: "F1111",
		Position:       paris17,
		RadiusKm:       50,
		Result:         model.FailureResult(assert.AnError),
	}))

	attempts, err := s.ListAttemptsSince(context.Background(), "F1111", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].RequestedAt.IsZero())
	require.NotNil(t, attempts[0].Result.Error)
	assert.Nil(t, attempts[0].Result.TotalFound)
}
