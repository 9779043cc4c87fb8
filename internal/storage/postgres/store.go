// Package postgres implements storage.Store on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db.DB, nil
}

// --- PoolStore --------------------------------------------------------------

func (s *Store) SavePool(ctx context.Context, rec storage.PoolRecord) (storage.PoolRecord, error) {
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO pool_snapshots (id, kind, status, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, rec.ID, rec.Kind, rec.Status, []byte(rec.Snapshot), rec.CreatedAt, rec.UpdatedAt).Scan(&rec.CreatedAt)
	if err != nil {
		return storage.PoolRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetPool(ctx context.Context, id string) (storage.PoolRecord, error) {
	var rec storage.PoolRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT id, kind, status, snapshot, created_at, updated_at
		FROM pool_snapshots
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PoolRecord{}, storage.ErrNotFound.WithDetails("id", id)
	}
	if err != nil {
		return storage.PoolRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListPools(ctx context.Context, kind pool.Kind) ([]storage.PoolRecord, error) {
	var (
		recs []storage.PoolRecord
		err  error
	)
	if kind == "" {
		err = s.db.SelectContext(ctx, &recs, `
			SELECT id, kind, status, snapshot, created_at, updated_at
			FROM pool_snapshots
			ORDER BY created_at, id
		`)
	} else {
		err = s.db.SelectContext(ctx, &recs, `
			SELECT id, kind, status, snapshot, created_at, updated_at
			FROM pool_snapshots
			WHERE kind = $1
			ORDER BY created_at, id
		`, kind)
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// --- PayoutStore ------------------------------------------------------------

func (s *Store) RecordPayout(ctx context.Context, rec storage.PayoutRecord) (storage.PayoutRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pool_payouts (id, pool_id, recipient, kind, amount, created_at)
		VALUES (:id, :pool_id, :recipient, :kind, :amount, :created_at)
	`, rec)
	if err != nil {
		return storage.PayoutRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListPayouts(ctx context.Context, poolID string) ([]storage.PayoutRecord, error) {
	var recs []storage.PayoutRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, pool_id, recipient, kind, amount, created_at
		FROM pool_payouts
		WHERE pool_id = $1
		ORDER BY created_at, id
	`, poolID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) SaveLedger(ctx context.Context, rec storage.LedgerRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_state (token, version, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		WHERE ledger_state.version < EXCLUDED.version
	`, rec.Token, rec.Version, []byte(rec.State), rec.UpdatedAt)
	return err
}

func (s *Store) GetLedger(ctx context.Context, token string) (storage.LedgerRecord, error) {
	var rec storage.LedgerRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT token, version, state, updated_at
		FROM ledger_state
		WHERE token = $1
	`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LedgerRecord{}, storage.ErrNotFound.WithDetails("token", token)
	}
	if err != nil {
		return storage.LedgerRecord{}, err
	}
	return rec, nil
}
