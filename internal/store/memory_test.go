package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
	"github.com/cap-immersion/sourcing-cli/internal/model"
)

func TestMemoryStore_AttemptLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, s.RecordAttempt(ctx, model.SourcingAttempt{
		OccupationCode: "F1111",
		Position:       geo.Point{Lat: 48.88, Lon: 2.36},
		RadiusKm:       50,
		RequestedAt:    now,
		Result:         model.SuccessResult(12, 10),
	}))
	require.NoError(t, s.RecordAttempt(ctx, model.SourcingAttempt{
		OccupationCode: "F1111",
		RequestedAt:    now.Add(-60 * 24 * time.Hour),
	}))
	require.NoError(t, s.RecordAttempt(ctx, model.SourcingAttempt{
		OccupationCode: "M1607",
		RequestedAt:    now,
	}))

	attempts, err := s.ListAttemptsSince(ctx, "F1111", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 12, *attempts[0].Result.TotalFound)

	n, err := s.CountAttemptsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStore_DrainPendingDemand(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertDemand(ctx, model.SearchDemand{
			OccupationCode: "F1111",
			Position:       geo.Point{Lat: 48.8, Lon: 2.3},
			RadiusKm:       10,
		}))
	}

	drained, err := s.DrainPendingDemand(ctx)
	require.NoError(t, err)
	assert.Len(t, drained, 3)

	// Second drain sees nothing.
	drained, err = s.DrainPendingDemand(ctx)
	require.NoError(t, err)
	assert.Empty(t, drained)

	n, err := s.CountPendingDemand(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_UpsertBatch_FormPrecedence(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertBatch(ctx, []model.Establishment{{
		Siret:      "11111111111111",
		Name:       "Boulangerie Martin",
		DataSource: model.SourceForm,
		UpdatedAt:  now,
	}}, nil))

	// An API-sourced row for the same siret must not clobber the form data.
	require.NoError(t, s.UpsertBatch(ctx, []model.Establishment{{
		Siret:      "11111111111111",
		Name:       "BOULANGERIE MARTIN SARL",
		DataSource: model.APISource("matchco"),
		UpdatedAt:  now,
	}}, nil))

	e, err := s.GetEstablishment(ctx, "11111111111111")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Boulangerie Martin", e.Name)
	assert.Equal(t, model.SourceForm, e.DataSource)

	// A form row may update a form row.
	require.NoError(t, s.UpsertBatch(ctx, []model.Establishment{{
		Siret:      "11111111111111",
		Name:       "Boulangerie Martin & Fils",
		DataSource: model.SourceForm,
		UpdatedAt:  now,
	}}, nil))
	e, err = s.GetEstablishment(ctx, "11111111111111")
	require.NoError(t, err)
	assert.Equal(t, "Boulangerie Martin & Fils", e.Name)
}

func TestMemoryStore_UpsertBatch_OfferSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertBatch(ctx, nil, []model.ImmersionOffer{
		{Siret: "1", OccupationCode: "F1111", Score: 0.5, DataSource: model.APISource("matchco"), UpdatedAt: now},
		{Siret: "1", OccupationCode: "M1607", Score: 0.9, DataSource: model.SourceForm, UpdatedAt: now},
	}))

	// API refresh updates the API offer's score but never the form offer.
	require.NoError(t, s.UpsertBatch(ctx, nil, []model.ImmersionOffer{
		{Siret: "1", OccupationCode: "F1111", Score: 0.7, DataSource: model.APISource("matchco"), UpdatedAt: now},
		{Siret: "1", OccupationCode: "M1607", Score: 0.1, DataSource: model.APISource("matchco"), UpdatedAt: now},
	}))

	offers, err := s.ListOffers(ctx, "1")
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.InDelta(t, 0.7, offers[0].Score, 1e-9)
	assert.InDelta(t, 0.9, offers[1].Score, 1e-9)
	assert.Equal(t, model.SourceForm, offers[1].DataSource)
}

func TestMemoryStore_SourceLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertBatch(ctx,
		[]model.Establishment{
			{Siret: "1", Name: "A", DataSource: model.SourceForm, UpdatedAt: now},
			{Siret: "2", Name: "B", DataSource: model.APISource("matchco"), UpdatedAt: now},
		},
		[]model.ImmersionOffer{
			{Siret: "1", OccupationCode: "F1111", DataSource: model.SourceForm, UpdatedAt: now},
		},
	))

	sources, err := s.SourcesBySiret(ctx, []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": model.SourceForm, "2": "api_matchco"}, sources)

	offerSources, err := s.OfferSources(ctx, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, map[OfferKey]string{{Siret: "1", OccupationCode: "F1111"}: model.SourceForm}, offerSources)

	nEst, err := s.CountEstablishments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nEst)
	nOff, err := s.CountOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nOff)
}
