package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/veritel/veritel-node/internal/domain"
)

// PostgresStore is a Store implementation backed by PostgreSQL.
//
//	CREATE TABLE IF NOT EXISTS node_owners (
//	  small_id   BIGINT      PRIMARY KEY,
//	  owner      TEXT        NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE IF NOT EXISTS telemetry_log (
//	  id           BIGSERIAL   PRIMARY KEY,
//	  small_id     BIGINT      NOT NULL,
//	  origin       TEXT        NOT NULL,
//	  ts           BIGINT      NOT NULL,
//	  content_hash BYTEA       NOT NULL,
//	  payload      BYTEA       NOT NULL,
//	  received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// All node instances sharing one registry can point at the same database.
type PostgresStore struct {
	db *sql.DB
}

// Open connects via the pgx stdlib driver and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ownersStmt = `
CREATE TABLE IF NOT EXISTS node_owners (
  small_id   BIGINT      PRIMARY KEY,
  owner      TEXT        NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`
	const logStmt = `
CREATE TABLE IF NOT EXISTS telemetry_log (
  id           BIGSERIAL   PRIMARY KEY,
  small_id     BIGINT      NOT NULL,
  origin       TEXT        NOT NULL,
  ts           BIGINT      NOT NULL,
  content_hash BYTEA       NOT NULL,
  payload      BYTEA       NOT NULL,
  received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)
`
	if _, err := s.db.ExecContext(ctx, ownersStmt); err != nil {
		return fmt.Errorf("postgres store: create node_owners: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, logStmt); err != nil {
		return fmt.Errorf("postgres store: create telemetry_log: %w", err)
	}
	return nil
}

// RecordSelf saves one of this node's own publications.
func (s *PostgresStore) RecordSelf(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error {
	return s.record(ctx, "self", msg, hash)
}

// RecordPeer saves an accepted peer publication.
func (s *PostgresStore) RecordPeer(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error {
	return s.record(ctx, "peer", msg, hash)
}

func (s *PostgresStore) record(ctx context.Context, origin string, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error {
	const insertStmt = `
INSERT INTO telemetry_log (small_id, origin, ts, content_hash, payload)
VALUES ($1, $2, $3, $4, $5)
`
	enc, err := msg.Canonical()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertStmt,
		int64(msg.Message.Identity.SmallID),
		origin,
		int64(msg.Message.Identity.Timestamp),
		hash[:],
		enc.Bytes,
	)
	if err != nil {
		return fmt.Errorf("postgres store: insert telemetry: %w", err)
	}
	return nil
}

// LatestTimestamp returns the newest recorded identity timestamp for smallID.
func (s *PostgresStore) LatestTimestamp(ctx context.Context, smallID uint64) (uint64, bool, error) {
	const q = `SELECT COALESCE(MAX(ts), 0) FROM telemetry_log WHERE small_id = $1`
	var ts int64
	if err := s.db.QueryRowContext(ctx, q, int64(smallID)).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("postgres store: latest timestamp: %w", err)
	}
	return uint64(ts), ts > 0, nil
}

// VerifyOwnership reports whether owner holds smallID per the registry.
func (s *PostgresStore) VerifyOwnership(ctx context.Context, smallID uint64, owner string) (bool, error) {
	const q = `SELECT owner FROM node_owners WHERE small_id = $1`
	var registered string
	err := s.db.QueryRowContext(ctx, q, int64(smallID)).Scan(&registered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: verify ownership: %w", err)
	}
	return strings.EqualFold(registered, owner), nil
}

// RecordOwnership registers owner as the holder of smallID.
func (s *PostgresStore) RecordOwnership(ctx context.Context, smallID uint64, owner string) error {
	const upsertStmt = `
INSERT INTO node_owners (small_id, owner, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (small_id) DO UPDATE SET owner = EXCLUDED.owner, updated_at = now()
`
	if _, err := s.db.ExecContext(ctx, upsertStmt, int64(smallID), owner); err != nil {
		return fmt.Errorf("postgres store: record ownership: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
