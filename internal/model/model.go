// Package model defines the domain types shared across the sourcing
// pipeline: search demand, sourcing attempts, candidate establishments and
// the reconciled establishment aggregate.
package model

import (
	"strings"
	"time"

	"github.com/cap-immersion/sourcing-cli/internal/geo"
)

// DataSource discriminates how an establishment record entered the store.
// Form submissions always outrank API-sourced data.
const (
	SourceForm      = "form"
	SourceAPIPrefix = "api_"
)

// IsFormSource reports whether the data source is a manual form submission.
func IsFormSource(source string) bool {
	return source == SourceForm
}

// APISource returns the data source tag for an external provider,
// e.g. APISource("matchco") == "api_matchco".
func APISource(provider string) string {
	return SourceAPIPrefix + provider
}

// IsAPISource reports whether the data source tag denotes an external
// matching-API provider.
func IsAPISource(source string) bool {
	return strings.HasPrefix(source, SourceAPIPrefix)
}

// SearchDemand records a user search that found no local result. Rows are
// never deleted; the aggregator flips Pending exactly once when a cluster
// containing the row is drained.
type SearchDemand struct {
	ID             string    `json:"id" db:"id"`
	OccupationCode string    `json:"occupation_code" db:"occupation_code"`
	Position       geo.Point `json:"position"`
	RadiusKm       float64   `json:"radius_km" db:"radius_km"`
	Pending        bool      `json:"pending" db:"pending"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ClusteredDemand is one representative query for a spatial cluster of
// pending search demand.
type ClusteredDemand struct {
	OccupationCode string    `json:"occupation_code"`
	Position       geo.Point `json:"position"`
	RadiusKm       float64   `json:"radius_km"`
	DemandCount    int       `json:"demand_count"`
}

// AttemptResult is the outcome recorded with a sourcing attempt. For failed
// attempts Error is set and the counts stay nil.
type AttemptResult struct {
	Error         *string `json:"error,omitempty"`
	TotalFound    *int    `json:"total_found,omitempty"`
	RelevantFound *int    `json:"relevant_found,omitempty"`
}

// SourcingAttempt is one decision to call the external matching API,
// successful or not. Rows are immutable once written and read back only by
// the throttle.
type SourcingAttempt struct {
	OccupationCode string        `json:"occupation_code" db:"occupation_code"`
	Position       geo.Point     `json:"position"`
	RadiusKm       float64       `json:"radius_km" db:"radius_km"`
	RequestedAt    time.Time     `json:"requested_at" db:"requested_at"`
	Result         AttemptResult `json:"result"`
}

// SuccessResult builds an AttemptResult for a successful sourcing call.
func SuccessResult(totalFound, relevantFound int) AttemptResult {
	return AttemptResult{TotalFound: &totalFound, RelevantFound: &relevantFound}
}

// FailureResult builds an AttemptResult carrying the sourcing error message.
func FailureResult(err error) AttemptResult {
	msg := err.Error()
	return AttemptResult{Error: &msg}
}

// CandidateEstablishment is a company fetched from a matching API (or
// submitted via form) before reconciliation. It is ephemeral: produced per
// pipeline run and consumed by the reconciler, never persisted as-is.
type CandidateEstablishment struct {
	Siret           string    `json:"siret"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	Position        geo.Point `json:"position"`
	IndustryCode    string    `json:"industry_code"`
	EmployeeRange   string    `json:"employee_range"`
	RelevanceScore  float64   `json:"relevance_score"`
	OccupationCodes []string  `json:"occupation_codes"`
	DataSource      string    `json:"data_source"`
}

// Establishment is the reconciled company record keyed by SIRET.
type Establishment struct {
	Siret         string    `json:"siret" db:"siret"`
	Name          string    `json:"name" db:"name"`
	Address       string    `json:"address" db:"address"`
	Position      geo.Point `json:"position"`
	IndustryCode  string    `json:"industry_code" db:"industry_code"`
	EmployeeRange string    `json:"employee_range" db:"employee_range"`
	ContactMode   string    `json:"contact_mode" db:"contact_mode"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	DataSource    string    `json:"data_source" db:"data_source"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ImmersionOffer links an establishment to one occupation code it can host,
// unique by (siret, occupation code).
type ImmersionOffer struct {
	Siret          string    `json:"siret" db:"siret"`
	OccupationCode string    `json:"occupation_code" db:"occupation_code"`
	Score          float64   `json:"score" db:"score"`
	DataSource     string    `json:"data_source" db:"data_source"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is a person reachable at an establishment.
type Contact struct {
	ID        string `json:"id" db:"id"`
	Siret     string `json:"siret" db:"siret"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Email     string `json:"email" db:"email"`
	Phone     string `json:"phone" db:"phone"`
	Job       string `json:"job" db:"job"`
}
