// Package storage persists pool snapshots, the payout journal and the token
// ledger state so pools survive a restart.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

var ErrNotFound = svcerrors.New(svcerrors.CodeNotFound, "record not found")

// PoolRecord is the persisted snapshot of one pool instance.
type PoolRecord struct {
	ID        string          `json:"id" db:"id"`
	Kind      pool.Kind       `json:"kind" db:"kind"`
	Status    pool.Status     `json:"status" db:"status"`
	Snapshot  json.RawMessage `json:"snapshot" db:"snapshot"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PayoutRecord is one completed outgoing transfer.
type PayoutRecord struct {
	ID        string    `json:"id" db:"id"`
	PoolID    string    `json:"pool_id" db:"pool_id"`
	Recipient string    `json:"recipient" db:"recipient"`
	Kind      string    `json:"kind" db:"kind"`
	Amount    int64     `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LedgerRecord is the saved state of one token ledger, keyed by symbol.
type LedgerRecord struct {
	Token     string          `json:"token" db:"token"`
	Version   int64           `json:"version" db:"version"`
	State     json.RawMessage `json:"state" db:"state"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PoolStore persists pool snapshots.
type PoolStore interface {
	SavePool(ctx context.Context, rec PoolRecord) (PoolRecord, error)
	GetPool(ctx context.Context, id string) (PoolRecord, error)
	ListPools(ctx context.Context, kind pool.Kind) ([]PoolRecord, error)
}

// PayoutStore persists the payout journal.
type PayoutStore interface {
	RecordPayout(ctx context.Context, rec PayoutRecord) (PayoutRecord, error)
	ListPayouts(ctx context.Context, poolID string) ([]PayoutRecord, error)
}

// LedgerStore persists token ledger state. SaveLedger ignores a record whose
// version is not newer than the stored one.
type LedgerStore interface {
	SaveLedger(ctx context.Context, rec LedgerRecord) error
	GetLedger(ctx context.Context, token string) (LedgerRecord, error)
}

// Store combines every store the services use.
type Store interface {
	PoolStore
	PayoutStore
	LedgerStore
}
