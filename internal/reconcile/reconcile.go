// Package reconcile merges candidate establishments into the authoritative
// store. Candidates are enriched against the national registry, deduplicated
// within the batch and written in one transaction; records submitted via form
// are never overwritten by API-sourced data.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/store"
	"github.com/cap-immersion/sourcing-cli/pkg/registry"
)

// DefaultConcurrency bounds parallel registry lookups per batch.
const DefaultConcurrency = 4

// Result summarises one reconciliation batch.
type Result struct {
	// Inserted counts establishments that did not exist before the batch.
	Inserted int
	// OffersAdded counts (siret, occupation) pairs new to the store.
	OffersAdded int
	// RegistryMisses counts candidates dropped for lacking a registry record
	// or being administratively closed.
	RegistryMisses int
	// Duplicates counts candidates discarded by intra-batch siret dedup.
	Duplicates int
}

// Reconciler merges sourced candidates into the establishment store.
type Reconciler struct {
	establishments store.EstablishmentStore
	registry       registry.Lookup
	concurrency    int
}

// New creates a Reconciler. A non-positive concurrency falls back to the
// default.
func New(establishments store.EstablishmentStore, lookup registry.Lookup, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reconciler{
		establishments: establishments,
		registry:       lookup,
		concurrency:    concurrency,
	}
}

// Reconcile enriches, deduplicates and upserts one batch of candidates.
// The first occurrence of a siret wins within the batch. Candidates missing
// registry-authoritative attributes are looked up concurrently; a registry
// miss or an inactive record drops the candidate with a warning rather than
// failing the batch. The final write is a single store transaction guarded
// by source precedence, so a concurrent form submission can never be
// clobbered. Registry transport failures abort the batch.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []model.CandidateEstablishment) (Result, error) {
	var res Result
	if len(candidates) == 0 {
		return res, nil
	}

	kept := r.dedupe(candidates, &res)

	keep, err := r.enrich(ctx, kept, &res)
	if err != nil {
		return Result{}, err
	}

	enriched := kept[:0]
	for i, c := range kept {
		if keep[i] {
			enriched = append(enriched, c)
		}
	}
	if len(enriched) == 0 {
		return res, nil
	}

	sirets := make([]string, len(enriched))
	for i, c := range enriched {
		sirets[i] = c.Siret
	}
	existing, err := r.establishments.SourcesBySiret(ctx, sirets)
	if err != nil {
		return Result{}, eris.Wrap(err, "reconcile: read existing sources")
	}
	existingOffers, err := r.establishments.OfferSources(ctx, sirets)
	if err != nil {
		return Result{}, eris.Wrap(err, "reconcile: read existing offers")
	}

	now := time.Now().UTC()
	establishments := make([]model.Establishment, 0, len(enriched))
	var offers []model.ImmersionOffer
	for _, c := range enriched {
		if _, ok := existing[c.Siret]; !ok {
			res.Inserted++
		}
		establishments = append(establishments, model.Establishment{
			Siret:         c.Siret,
			Name:          c.Name,
			Address:       c.Address,
			Position:      c.Position,
			IndustryCode:  c.IndustryCode,
			EmployeeRange: c.EmployeeRange,
			IsActive:      true,
			DataSource:    c.DataSource,
			UpdatedAt:     now,
		})

		seen := make(map[string]bool, len(c.OccupationCodes))
		for _, code := range c.OccupationCodes {
			if seen[code] {
				continue
			}
			seen[code] = true
			if _, ok := existingOffers[store.OfferKey{Siret: c.Siret, OccupationCode: code}]; !ok {
				res.OffersAdded++
			}
			offers = append(offers, model.ImmersionOffer{
				Siret:          c.Siret,
				OccupationCode: code,
				Score:          c.RelevanceScore,
				DataSource:     c.DataSource,
				UpdatedAt:      now,
			})
		}
	}

	if err := r.establishments.UpsertBatch(ctx, establishments, offers); err != nil {
		return Result{}, eris.Wrap(err, "reconcile: upsert batch")
	}

	zap.L().Info("reconciled candidate batch",
		zap.Int("candidates", len(candidates)),
		zap.Int("inserted", res.Inserted),
		zap.Int("offers_added", res.OffersAdded),
		zap.Int("registry_misses", res.RegistryMisses),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

// dedupe keeps the first occurrence of each siret. Later occurrences are
// usually the same company returned twice by the provider; a duplicate whose
// folded name actually differs is worth a louder log line.
func (r *Reconciler) dedupe(candidates []model.CandidateEstablishment, res *Result) []model.CandidateEstablishment {
	kept := make([]model.CandidateEstablishment, 0, len(candidates))
	first := make(map[string]string, len(candidates))
	for _, c := range candidates {
		name, ok := first[c.Siret]
		if !ok {
			first[c.Siret] = NormalizeName(c.Name)
			kept = append(kept, c)
			continue
		}
		res.Duplicates++
		if NormalizeName(c.Name) != name {
			zap.L().Warn("duplicate siret with conflicting name, keeping first",
				zap.String("siret", c.Siret),
				zap.String("discarded_name", c.Name),
			)
		}
	}
	return kept
}

// enrich fills registry-authoritative attributes for candidates that lack
// them, with a bounded fan-out. Returns one keep flag per candidate; each
// goroutine writes only its own index.
func (r *Reconciler) enrich(ctx context.Context, candidates []model.CandidateEstablishment, res *Result) ([]bool, error) {
	keep := make([]bool, len(candidates))
	dropped := make([]bool, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range candidates {
		c := &candidates[i]
		if c.IndustryCode != "" && c.EmployeeRange != "" {
			keep[i] = true
			continue
		}
		i := i
		g.Go(func() error {
			record, err := r.registry.GetBySiret(ctx, c.Siret)
			if eris.Is(err, registry.ErrNotFound) {
				zap.L().Warn("candidate absent from registry, dropping",
					zap.String("siret", c.Siret),
					zap.String("name", c.Name),
				)
				dropped[i] = true
				return nil
			}
			if err != nil {
				return eris.Wrapf(err, "reconcile: registry lookup for %s", c.Siret)
			}
			if !record.IsActive {
				zap.L().Warn("candidate administratively closed, dropping",
					zap.String("siret", c.Siret),
				)
				dropped[i] = true
				return nil
			}
			if c.IndustryCode == "" {
				c.IndustryCode = record.IndustryCode
			}
			if c.EmployeeRange == "" {
				c.EmployeeRange = record.EmployeeRange
			}
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range dropped {
		if d {
			res.RegistryMisses++
		}
	}
	return keep, nil
}
