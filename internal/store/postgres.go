package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cap-immersion/sourcing-cli/internal/db"
	"github.com/cap-immersion/sourcing-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sourcing_attempts (
	id              TEXT PRIMARY KEY,
	occupation_code TEXT NOT NULL,
	lat             DOUBLE PRECISION NOT NULL,
	lon             DOUBLE PRECISION NOT NULL,
	radius_km       DOUBLE PRECISION NOT NULL,
	requested_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	result          JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_code_date
	ON sourcing_attempts(occupation_code, requested_at);

CREATE TABLE IF NOT EXISTS search_demands (
	id              TEXT PRIMARY KEY,
	occupation_code TEXT NOT NULL,
	lat             DOUBLE PRECISION NOT NULL,
	lon             DOUBLE PRECISION NOT NULL,
	radius_km       DOUBLE PRECISION NOT NULL,
	pending         BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_demands_pending
	ON search_demands(pending) WHERE pending;

CREATE TABLE IF NOT EXISTS establishments (
	siret          TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	address        TEXT NOT NULL DEFAULT '',
	lat            DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon            DOUBLE PRECISION NOT NULL DEFAULT 0,
	industry_code  TEXT NOT NULL DEFAULT '',
	employee_range TEXT NOT NULL DEFAULT '',
	contact_mode   TEXT NOT NULL DEFAULT '',
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	data_source    TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS immersion_offers (
	siret           TEXT NOT NULL REFERENCES establishments(siret),
	occupation_code TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL DEFAULT 0,
	data_source     TEXT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RecordAttempt appends one sourcing attempt row. Rows are immutable.
func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt model.SourcingAttempt) error {
	resultJSON, err := json.Marshal(attempt.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempt result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sourcing_attempts (id, occupation_code, lat, lon, radius_km, requested_at, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), attempt.OccupationCode,
		attempt.Position.Lat, attempt.Position.Lon,
		attempt.RadiusKm, attempt.RequestedAt, resultJSON,
	)
	return eris.Wrap(err, "postgres: record attempt")
}

// ListAttemptsSince returns attempts for the occupation code at or after
// the cutoff, newest first.
func (s *PostgresStore) ListAttemptsSince(ctx context.Context, occupationCode string, since time.Time) ([]model.SourcingAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT occupation_code, lat, lon, radius_km, requested_at, result
		 FROM sourcing_attempts
		 WHERE occupation_code = $1 AND requested_at >= $2
		 ORDER BY requested_at DESC`,
		occupationCode, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.SourcingAttempt
	for rows.Next() {
		var a model.SourcingAttempt
		var resultJSON []byte
		if err := rows.Scan(&a.OccupationCode, &a.Position.Lat, &a.Position.Lon,
			&a.RadiusKm, &a.RequestedAt, &resultJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attempt result")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: iterate attempts")
}

// CountAttemptsSince returns the number of attempts recorded since the cutoff.
func (s *PostgresStore) CountAttemptsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sourcing_attempts WHERE requested_at >= $1`, since,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count attempts")
}

// InsertDemand records one unserved user search.
func (s *PostgresStore) InsertDemand(ctx context.Context, demand model.SearchDemand) error {
	id := demand.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO search_demands (id, occupation_code, lat, lon, radius_km, pending, updated_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, now())`,
		id, demand.OccupationCode, demand.Position.Lat, demand.Position.Lon, demand.RadiusKm,
	)
	return eris.Wrap(err, "postgres: insert demand")
}

// DrainPendingDemand claims every pending demand row: it reads them and
// flips pending to false in the same transaction. SKIP LOCKED keeps a slow
// overlapping run from blocking or double-claiming.
func (s *PostgresStore) DrainPendingDemand(ctx context.Context) ([]model.SearchDemand, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin drain")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, occupation_code, lat, lon, radius_km, updated_at
		 FROM search_demands
		 WHERE pending
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select pending demand")
	}

	var demands []model.SearchDemand
	var ids []string
	for rows.Next() {
		var d model.SearchDemand
		if err := rows.Scan(&d.ID, &d.OccupationCode, &d.Position.Lat, &d.Position.Lon,
			&d.RadiusKm, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan demand")
		}
		d.Pending = true
		demands = append(demands, d)
		ids = append(ids, d.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate demand")
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE search_demands SET pending = FALSE, updated_at = now() WHERE id = ANY($1)`,
			ids,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: mark demand drained")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit drain")
	}
	return demands, nil
}

// CountPendingDemand returns the number of rows still waiting to be drained.
func (s *PostgresStore) CountPendingDemand(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM search_demands WHERE pending`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending demand")
}

// SourcesBySiret returns data_source per existing siret among the given set.
func (s *PostgresStore) SourcesBySiret(ctx context.Context, sirets []string) (map[string]string, error) {
	sources := make(map[string]string, len(sirets))
	if len(sirets) == 0 {
		return sources, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT siret, data_source FROM establishments WHERE siret = ANY($1)`, sirets,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sources by siret")
	}
	defer rows.Close()

	for rows.Next() {
		var siret, source string
		if err := rows.Scan(&siret, &source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan siret source")
		}
		sources[siret] = source
	}
	return sources, eris.Wrap(rows.Err(), "postgres: iterate siret sources")
}

// OfferSources returns data_source per existing offer for the given sirets.
func (s *PostgresStore) OfferSources(ctx context.Context, sirets []string) (map[OfferKey]string, error) {
	sources := make(map[OfferKey]string)
	if len(sirets) == 0 {
		return sources, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT siret, occupation_code, data_source FROM immersion_offers WHERE siret = ANY($1)`, sirets,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: offer sources")
	}
	defer rows.Close()

	for rows.Next() {
		var key OfferKey
		var source string
		if err := rows.Scan(&key.Siret, &key.OccupationCode, &source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan offer source")
		}
		sources[key] = source
	}
	return sources, eris.Wrap(rows.Err(), "postgres: iterate offer sources")
}

// UpsertBatch writes establishments and offers in one transaction so a
// crash mid-batch cannot leave establishments without their offers. The
// ON CONFLICT guards re-check source precedence at write time.
func (s *PostgresStore) UpsertBatch(ctx context.Context, establishments []model.Establishment, offers []model.ImmersionOffer) error {
	if len(establishments) == 0 && len(offers) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert batch")
	}
	defer tx.Rollback(ctx)

	if len(establishments) > 0 {
		rows := make([][]any, len(establishments))
		for i, e := range establishments {
			rows[i] = []any{
				e.Siret, e.Name, e.Address, e.Position.Lat, e.Position.Lon,
				e.IndustryCode, e.EmployeeRange, e.ContactMode, e.IsActive, e.DataSource, e.UpdatedAt,
			}
		}
		_, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
			Table: "establishments",
			Columns: []string{
				"siret", "name", "address", "lat", "lon",
				"industry_code", "employee_range", "contact_mode", "is_active", "data_source", "updated_at",
			},
			ConflictKeys: []string{"siret"},
			UpdateWhere:  "establishments.data_source <> 'form' OR EXCLUDED.data_source = 'form'",
		}, rows)
		if err != nil {
			return err
		}
	}

	if len(offers) > 0 {
		rows := make([][]any, len(offers))
		for i, o := range offers {
			rows[i] = []any{o.Siret, o.OccupationCode, o.Score, o.DataSource, o.UpdatedAt}
		}
		_, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
			Table:        "immersion_offers",
			Columns:      []string{"siret", "occupation_code", "score", "data_source", "updated_at"},
			ConflictKeys: []string{"siret", "occupation_code"},
			UpdateCols:   []string{"score", "updated_at"},
			UpdateWhere:  "immersion_offers.data_source <> 'form'",
		}, rows)
		if err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert batch")
}

// GetEstablishment returns the establishment for the siret, or nil when
// not present.
func (s *PostgresStore) GetEstablishment(ctx context.Context, siret string) (*model.Establishment, error) {
	var e model.Establishment
	err := s.pool.QueryRow(ctx,
		`SELECT siret, name, address, lat, lon, industry_code, employee_range, contact_mode, is_active, data_source, updated_at
		 FROM establishments WHERE siret = $1`, siret,
	).Scan(&e.Siret, &e.Name, &e.Address, &e.Position.Lat, &e.Position.Lon,
		&e.IndustryCode, &e.EmployeeRange, &e.ContactMode, &e.IsActive, &e.DataSource, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get establishment %s", siret)
	}
	return &e, nil
}

// ListOffers returns the offers attached to a siret.
func (s *PostgresStore) ListOffers(ctx context.Context, siret string) ([]model.ImmersionOffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT siret, occupation_code, score, data_source, updated_at
		 FROM immersion_offers WHERE siret = $1 ORDER BY occupation_code`, siret,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list offers")
	}
	defer rows.Close()

	var offers []model.ImmersionOffer
	for rows.Next() {
		var o model.ImmersionOffer
		if err := rows.Scan(&o.Siret, &o.OccupationCode, &o.Score, &o.DataSource, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan offer")
		}
		offers = append(offers, o)
	}
	return offers, eris.Wrap(rows.Err(), "postgres: iterate offers")
}

// CountEstablishments returns the total number of establishment records.
func (s *PostgresStore) CountEstablishments(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM establishments`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count establishments")
}

// CountOffers returns the total number of offer records.
func (s *PostgresStore) CountOffers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM immersion_offers`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count offers")
}
