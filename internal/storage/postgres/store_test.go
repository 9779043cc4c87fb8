package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/storage"
	"github.com/R3E-Network/escrow_pools/internal/storage/migrations"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestSavePoolUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO pool_snapshots").
		WithArgs("raffle/1", "raffle", "open", []byte(`{"k":1}`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	rec, err := store.SavePool(context.Background(), storage.PoolRecord{
		ID:       "raffle/1",
		Kind:     pool.KindRaffle,
		Status:   pool.StatusOpen,
		Snapshot: json.RawMessage(`{"k":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, created, rec.CreatedAt)
	assert.False(t, rec.UpdatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPool(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, kind, status, snapshot, created_at, updated_at FROM pool_snapshots WHERE id = \\$1").
		WithArgs("raffle/1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "status", "snapshot", "created_at", "updated_at"}).
			AddRow("raffle/1", "raffle", "closed", []byte(`{"k":2}`), now, now))

	rec, err := store.GetPool(context.Background(), "raffle/1")
	require.NoError(t, err)
	assert.Equal(t, pool.KindRaffle, rec.Kind)
	assert.Equal(t, pool.StatusClosed, rec.Status)
	assert.JSONEq(t, `{"k":2}`, string(rec.Snapshot))

	mock.ExpectQuery("FROM pool_snapshots").WithArgs("raffle/9").WillReturnError(sql.ErrNoRows)
	_, err = store.GetPool(context.Background(), "raffle/9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPoolsFiltersByKind(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"id", "kind", "status", "snapshot", "created_at", "updated_at"}

	mock.ExpectQuery("WHERE kind = \\$1").
		WithArgs("fundraise").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("fundraise/a", "fundraise", "open", []byte(`{}`), now, now).
			AddRow("fundraise/b", "fundraise", "finished", []byte(`{}`), now, now))

	recs, err := store.ListPools(context.Background(), pool.KindFundraise)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "fundraise/b", recs[1].ID)

	mock.ExpectQuery("ORDER BY created_at, id").
		WillReturnRows(sqlmock.NewRows(cols))
	recs, err = store.ListPools(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutJournal(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO pool_payouts").
		WithArgs(sqlmock.AnyArg(), "raffle/1", "alice", "winner", int64(500), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.RecordPayout(context.Background(), storage.PayoutRecord{
		PoolID: "raffle/1", Recipient: "alice", Kind: "winner", Amount: 500,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	mock.ExpectQuery("FROM pool_payouts").
		WithArgs("raffle/1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_id", "recipient", "kind", "amount", "created_at"}).
			AddRow(rec.ID, "raffle/1", "alice", "winner", int64(500), now))

	list, err := store.ListPayouts(context.Background(), "raffle/1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(500), list[0].Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerState(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO ledger_state").
		WithArgs("USDC", int64(7), []byte(`{"version":7}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.SaveLedger(context.Background(), storage.LedgerRecord{
		Token: "USDC", Version: 7, State: json.RawMessage(`{"version":7}`),
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT token, version, state, updated_at FROM ledger_state WHERE token = \\$1").
		WithArgs("USDC").
		WillReturnRows(sqlmock.NewRows([]string{"token", "version", "state", "updated_at"}).
			AddRow("USDC", int64(7), []byte(`{"version":7}`), now))
	rec, err := store.GetLedger(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Version)
	assert.JSONEq(t, `{"version":7}`, string(rec.State))

	mock.ExpectQuery("FROM ledger_state").WithArgs("EUR").WillReturnError(sql.ErrNoRows)
	_, err = store.GetLedger(context.Background(), "EUR")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 2, 1)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Apply(ctx, db))

	store := New(db)
	id := "raffle/it-" + time.Now().Format("150405.000000")
	_, err = store.SavePool(ctx, storage.PoolRecord{ID: id, Kind: pool.KindRaffle, Status: pool.StatusOpen, Snapshot: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = store.RecordPayout(ctx, storage.PayoutRecord{PoolID: id, Recipient: "alice", Kind: "winner", Amount: 1})
	require.NoError(t, err)

	got, err := store.GetPool(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pool.StatusOpen, got.Status)
}
