package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
		`CREATE TABLE IF NOT EXISTS properties (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            property_key    TEXT NOT NULL,
            address_line1   TEXT NOT NULL,
            city            TEXT NOT NULL,
            state           TEXT NOT NULL,
            zip             TEXT NOT NULL,
            created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
            last_valued_at  TIMESTAMPTZ
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_properties_property_key ON properties(property_key);`,
		`CREATE TABLE IF NOT EXISTS valuations (
            id                UUID PRIMARY KEY,
            property_id       UUID NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
            depth             TEXT NOT NULL,
            arv               NUMERIC,
            confidence        NUMERIC,
            methodology       TEXT,
            sources           JSONB,
            validation        JSONB,
            providers_used    JSONB NOT NULL DEFAULT '[]',
            cache_hits        INT NOT NULL DEFAULT 0,
            insufficient_data BOOLEAN NOT NULL DEFAULT false,
            warnings          JSONB NOT NULL DEFAULT '[]',
            resolved_at       TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_valuations_property ON valuations(property_id, resolved_at DESC);`,
		`CREATE TABLE IF NOT EXISTS provider_raw_snapshots (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            provider       TEXT NOT NULL,
            endpoint       TEXT NOT NULL,
            request_type   TEXT NOT NULL,
            property_key   TEXT NOT NULL,
            status         INT,
            payload        JSONB NOT NULL,
            fetched_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
            payload_sha256 TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_provider ON provider_raw_snapshots(provider, endpoint, fetched_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_snapshots_dedupe ON provider_raw_snapshots(provider, property_key, request_type, payload_sha256);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type PropertyInput struct {
	PropertyKey string
	Address1    string
	City        string
	State       string
	Zip         string
}

type SnapshotInput struct {
	PropertyKey string
	Provider    string
	Endpoint    string
	RequestType string
	Status      int
	Payload     []byte
	FetchedAt   time.Time
}

// SaveSnapshot archives one raw provider response. Identical payloads for
// the same property and request are stored once.
func (s *Store) SaveSnapshot(ctx context.Context, in SnapshotInput) error {
	if s.DB == nil {
		return errors.New("nil db")
	}
	payload := payloadJSON(in.Payload)
	sum := sha256.Sum256(payload)
	fetched := in.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO provider_raw_snapshots (provider, endpoint, request_type, property_key, status, payload, fetched_at, payload_sha256)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (provider, property_key, request_type, payload_sha256) DO NOTHING`,
		in.Provider, in.Endpoint, in.RequestType, in.PropertyKey, sqlNullInt(int64(in.Status)), string(payload), fetched, hex.EncodeToString(sum[:]),
	)
	return err
}

type ValuationInput struct {
	ID               string
	Property         PropertyInput
	Depth            string
	ARV              sql.NullFloat64
	Confidence       sql.NullFloat64
	Methodology      sql.NullString
	Sources          any
	Validation       any
	ProvidersUsed    []string
	CacheHits        int
	InsufficientData bool
	Warnings         []string
	ResolvedAt       time.Time
}

// SaveValuation upserts the property row and appends the valuation in one
// transaction. It returns the property id.
func (s *Store) SaveValuation(ctx context.Context, in ValuationInput) (string, error) {
	var propertyID string
	if s.DB == nil {
		return propertyID, errors.New("nil db")
	}
	sources, err := jsonOrNull(in.Sources)
	if err != nil {
		return propertyID, err
	}
	validation, err := jsonOrNull(in.Validation)
	if err != nil {
		return propertyID, err
	}
	used, _ := json.Marshal(nonNil(in.ProvidersUsed))
	warnings, _ := json.Marshal(nonNil(in.Warnings))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return propertyID, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	p := in.Property
	err = tx.QueryRowContext(ctx, `
        INSERT INTO properties (property_key, address_line1, city, state, zip, last_valued_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (property_key)
        DO UPDATE SET address_line1=EXCLUDED.address_line1, city=EXCLUDED.city, state=EXCLUDED.state, zip=EXCLUDED.zip, updated_at=now(), last_valued_at=EXCLUDED.last_valued_at
        RETURNING id`,
		p.PropertyKey, p.Address1, p.City, p.State, p.Zip, in.ResolvedAt,
	).Scan(&propertyID)
	if err != nil {
		return propertyID, err
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO valuations (id, property_id, depth, arv, confidence, methodology, sources, validation, providers_used, cache_hits, insufficient_data, warnings, resolved_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		in.ID, propertyID, in.Depth, in.ARV, in.Confidence, in.Methodology, sources, validation,
		string(used), in.CacheHits, in.InsufficientData, string(warnings), in.ResolvedAt,
	)
	if err != nil {
		return propertyID, err
	}
	err = tx.Commit()
	return propertyID, err
}

// payloadJSON keeps JSON bodies as they are and wraps anything else as a
// JSON string so the JSONB column accepts it.
func payloadJSON(b []byte) []byte {
	if len(b) > 0 && json.Valid(b) {
		return b
	}
	wrapped, _ := json.Marshal(string(b))
	return wrapped
}

func jsonOrNull(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sqlNullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func NullFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
