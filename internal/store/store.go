// Package store defines the persistence interfaces for the sourcing
// pipeline and provides Postgres, SQLite and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/cap-immersion/sourcing-cli/internal/model"
)

// OfferKey identifies an immersion offer row.
type OfferKey struct {
	Siret          string
	OccupationCode string
}

// AttemptStore persists the append-only sourcing attempt log read back by
// the throttle.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt model.SourcingAttempt) error
	ListAttemptsSince(ctx context.Context, occupationCode string, since time.Time) ([]model.SourcingAttempt, error)
	CountAttemptsSince(ctx context.Context, since time.Time) (int, error)
}

// DemandStore persists search demand rows. DrainPendingDemand reads every
// pending row and flips it to drained within one transaction, so two
// overlapping runs can never claim the same rows.
type DemandStore interface {
	InsertDemand(ctx context.Context, demand model.SearchDemand) error
	DrainPendingDemand(ctx context.Context) ([]model.SearchDemand, error)
	CountPendingDemand(ctx context.Context) (int, error)
}

// EstablishmentStore persists the reconciled establishment aggregate shared
// with the live search read path and manual form submissions.
type EstablishmentStore interface {
	// SourcesBySiret returns data_source per existing siret among the given set.
	SourcesBySiret(ctx context.Context, sirets []string) (map[string]string, error)
	// OfferSources returns data_source per existing (siret, occupation) offer.
	OfferSources(ctx context.Context, sirets []string) (map[OfferKey]string, error)
	// UpsertBatch writes establishments and offers atomically. Rows whose
	// stored data_source is "form" only yield to incoming form rows; the
	// guard is enforced in the write itself so concurrent form submissions
	// cannot be clobbered between read and write.
	UpsertBatch(ctx context.Context, establishments []model.Establishment, offers []model.ImmersionOffer) error
	GetEstablishment(ctx context.Context, siret string) (*model.Establishment, error)
	ListOffers(ctx context.Context, siret string) ([]model.ImmersionOffer, error)
	CountEstablishments(ctx context.Context) (int, error)
	CountOffers(ctx context.Context) (int, error)
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	AttemptStore
	DemandStore
	EstablishmentStore

	Migrate(ctx context.Context) error
	Close() error
}
