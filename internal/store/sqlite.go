package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cap-immersion/sourcing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sourcing_attempts (
	id              TEXT PRIMARY KEY,
	occupation_code TEXT NOT NULL,
	lat             REAL NOT NULL,
	lon             REAL NOT NULL,
	radius_km       REAL NOT NULL,
	requested_at    DATETIME NOT NULL,
	result          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_code_date
	ON sourcing_attempts(occupation_code, requested_at);

CREATE TABLE IF NOT EXISTS search_demands (
	id              TEXT PRIMARY KEY,
	occupation_code TEXT NOT NULL,
	lat             REAL NOT NULL,
	lon             REAL NOT NULL,
	radius_km       REAL NOT NULL,
	pending         INTEGER NOT NULL DEFAULT 1,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_demands_pending ON search_demands(pending);

CREATE TABLE IF NOT EXISTS establishments (
	siret          TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	address        TEXT NOT NULL DEFAULT '',
	lat            REAL NOT NULL DEFAULT 0,
	lon            REAL NOT NULL DEFAULT 0,
	industry_code  TEXT NOT NULL DEFAULT '',
	employee_range TEXT NOT NULL DEFAULT '',
	contact_mode   TEXT NOT NULL DEFAULT '',
	is_active      INTEGER NOT NULL DEFAULT 1,
	data_source    TEXT NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS immersion_offers (
	siret           TEXT NOT NULL REFERENCES establishments(siret),
	occupation_code TEXT NOT NULL,
	score           REAL NOT NULL DEFAULT 0,
	data_source     TEXT NOT NULL,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (siret, occupation_code)
);

CREATE TABLE IF NOT EXISTS establishment_contacts (
	id         TEXT PRIMARY KEY,
	siret      TEXT NOT NULL REFERENCES establishments(siret),
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	job        TEXT NOT NULL DEFAULT ''
);
`

// Migrate creates the pipeline tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordAttempt appends one sourcing attempt row.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt model.SourcingAttempt) error {
	resultJSON, err := json.Marshal(attempt.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempt result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sourcing_attempts (id, occupation_code, lat, lon, radius_km, requested_at, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), attempt.OccupationCode,
		attempt.Position.Lat, attempt.Position.Lon,
		attempt.RadiusKm, attempt.RequestedAt.UTC(), string(resultJSON),
	)
	return eris.Wrap(err, "sqlite: record attempt")
}

// ListAttemptsSince returns attempts for the occupation code at or after
// the cutoff, newest first.
func (s *SQLiteStore) ListAttemptsSince(ctx context.Context, occupationCode string, since time.Time) ([]model.SourcingAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occupation_code, lat, lon, radius_km, requested_at, result
		 FROM sourcing_attempts
		 WHERE occupation_code = ? AND requested_at >= ?
		 ORDER BY requested_at DESC`,
		occupationCode, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.SourcingAttempt
	for rows.Next() {
		var a model.SourcingAttempt
		var resultJSON string
		if err := rows.Scan(&a.OccupationCode, &a.Position.Lat, &a.Position.Lon,
			&a.RadiusKm, &a.RequestedAt, &resultJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		if err := json.Unmarshal([]byte(resultJSON), &a.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attempt result")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

// CountAttemptsSince returns the number of attempts recorded since the cutoff.
func (s *SQLiteStore) CountAttemptsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sourcing_attempts WHERE requested_at >= ?`, since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count attempts")
}

// InsertDemand records one unserved user search.
func (s *SQLiteStore) InsertDemand(ctx context.Context, demand model.SearchDemand) error {
	id := demand.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_demands (id, occupation_code, lat, lon, radius_km, pending, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		id, demand.OccupationCode, demand.Position.Lat, demand.Position.Lon,
		demand.RadiusKm, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert demand")
}

// DrainPendingDemand reads all pending rows and flips them to drained
// within one transaction.
func (s *SQLiteStore) DrainPendingDemand(ctx context.Context) ([]model.SearchDemand, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin drain")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, occupation_code, lat, lon, radius_km, updated_at
		 FROM search_demands WHERE pending = 1`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select pending demand")
	}

	var demands []model.SearchDemand
	var ids []any
	for rows.Next() {
		var d model.SearchDemand
		if err := rows.Scan(&d.ID, &d.OccupationCode, &d.Position.Lat, &d.Position.Lon,
			&d.RadiusKm, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan demand")
		}
		d.Pending = true
		demands = append(demands, d)
		ids = append(ids, d.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate demand")
	}

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := append([]any{time.Now().UTC()}, ids...)
		if _, err := tx.ExecContext(ctx,
			`UPDATE search_demands SET pending = 0, updated_at = ? WHERE id IN (`+placeholders+`)`,
			args...,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: mark demand drained")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit drain")
	}
	return demands, nil
}

// CountPendingDemand returns the number of rows still waiting to be drained.
func (s *SQLiteStore) CountPendingDemand(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM search_demands WHERE pending = 1`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending demand")
}

// SourcesBySiret returns data_source per existing siret among the given set.
func (s *SQLiteStore) SourcesBySiret(ctx context.Context, sirets []string) (map[string]string, error) {
	sources := make(map[string]string, len(sirets))
	if len(sirets) == 0 {
		return sources, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sirets)), ",")
	args := make([]any, len(sirets))
	for i, siret := range sirets {
		args[i] = siret
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT siret, data_source FROM establishments WHERE siret IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sources by siret")
	}
	defer rows.Close()

	for rows.Next() {
		var siret, source string
		if err := rows.Scan(&siret, &source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan siret source")
		}
		sources[siret] = source
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: iterate siret sources")
}

// OfferSources returns data_source per existing offer for the given sirets.
func (s *SQLiteStore) OfferSources(ctx context.Context, sirets []string) (map[OfferKey]string, error) {
	sources := make(map[OfferKey]string)
	if len(sirets) == 0 {
		return sources, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sirets)), ",")
	args := make([]any, len(sirets))
	for i, siret := range sirets {
		args[i] = siret
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT siret, occupation_code, data_source FROM immersion_offers WHERE siret IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: offer sources")
	}
	defer rows.Close()

	for rows.Next() {
		var key OfferKey
		var source string
		if err := rows.Scan(&key.Siret, &key.OccupationCode, &source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan offer source")
		}
		sources[key] = source
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: iterate offer sources")
}

// UpsertBatch writes establishments and offers in one transaction. The
// ON CONFLICT guards enforce source precedence at write time.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, establishments []model.Establishment, offers []model.ImmersionOffer) error {
	if len(establishments) == 0 && len(offers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert batch")
	}
	defer tx.Rollback()

	for _, e := range establishments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO establishments (siret, name, address, lat, lon, industry_code, employee_range, contact_mode, is_active, data_source, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(siret) DO UPDATE SET
				name = excluded.name,
				address = excluded.address,
				lat = excluded.lat,
				lon = excluded.lon,
				industry_code = excluded.industry_code,
				employee_range = excluded.employee_range,
				contact_mode = excluded.contact_mode,
				is_active = excluded.is_active,
				data_source = excluded.data_source,
				updated_at = excluded.updated_at
			 WHERE establishments.data_source <> 'form' OR excluded.data_source = 'form'`,
			e.Siret, e.Name, e.Address, e.Position.Lat, e.Position.Lon,
			e.IndustryCode, e.EmployeeRange, e.ContactMode, e.IsActive, e.DataSource, e.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert establishment %s", e.Siret)
		}
	}

	for _, o := range offers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO immersion_offers (siret, occupation_code, score, data_source, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(siret, occupation_code) DO UPDATE SET
				score = excluded.score,
				updated_at = excluded.updated_at
			 WHERE immersion_offers.data_source <> 'form'`,
			o.Siret, o.OccupationCode, o.Score, o.DataSource, o.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert offer %s/%s", o.Siret, o.OccupationCode)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert batch")
}

// GetEstablishment returns the establishment for the siret, or nil when
// not present.
func (s *SQLiteStore) GetEstablishment(ctx context.Context, siret string) (*model.Establishment, error) {
	var e model.Establishment
	err := s.db.QueryRowContext(ctx,
		`SELECT siret, name, address, lat, lon, industry_code, employee_range, contact_mode, is_active, data_source, updated_at
		 FROM establishments WHERE siret = ?`, siret,
	).Scan(&e.Siret, &e.Name, &e.Address, &e.Position.Lat, &e.Position.Lon,
		&e.IndustryCode, &e.EmployeeRange, &e.ContactMode, &e.IsActive, &e.DataSource, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get establishment %s", siret)
	}
	return &e, nil
}

// ListOffers returns the offers attached to a siret.
func (s *SQLiteStore) ListOffers(ctx context.Context, siret string) ([]model.ImmersionOffer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT siret, occupation_code, score, data_source, updated_at
		 FROM immersion_offers WHERE siret = ? ORDER BY occupation_code`, siret,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list offers")
	}
	defer rows.Close()

	var offers []model.ImmersionOffer
	for rows.Next() {
		var o model.ImmersionOffer
		if err := rows.Scan(&o.Siret, &o.OccupationCode, &o.Score, &o.DataSource, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan offer")
		}
		offers = append(offers, o)
	}
	return offers, eris.Wrap(rows.Err(), "sqlite: iterate offers")
}

// CountEstablishments returns the total number of establishment records.
func (s *SQLiteStore) CountEstablishments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM establishments`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count establishments")
}

// CountOffers returns the total number of offer records.
func (s *SQLiteStore) CountOffers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM immersion_offers`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count offers")
}
