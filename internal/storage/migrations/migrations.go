// Package migrations creates the PostgreSQL schema of the pool store.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS pool_snapshots (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		snapshot JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pool_snapshots_kind_idx ON pool_snapshots (kind, created_at)`,
	`CREATE TABLE IF NOT EXISTS pool_payouts (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pool_snapshots (id),
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pool_payouts_pool_idx ON pool_payouts (pool_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ledger_state (
		token TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Count returns the number of statements Apply executes.
func Count() int {
	return len(statements)
}

// Apply executes every migration statement in order. Statements are
// idempotent, so Apply is safe to run on every start.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
