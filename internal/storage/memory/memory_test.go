package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/storage"
)

func TestSavePoolUpserts(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.SavePool(ctx, storage.PoolRecord{ID: "raffle/1", Kind: pool.KindRaffle, Status: pool.StatusOpen, Snapshot: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	second, err := s.SavePool(ctx, storage.PoolRecord{ID: "raffle/1", Kind: pool.KindRaffle, Status: pool.StatusClosed, Snapshot: json.RawMessage(`{"a":2}`)})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.GetPool(ctx, "raffle/1")
	require.NoError(t, err)
	assert.Equal(t, pool.StatusClosed, got.Status)
	assert.JSONEq(t, `{"a":2}`, string(got.Snapshot))

	_, err = s.GetPool(ctx, "raffle/2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListPoolsByKind(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.SavePool(ctx, storage.PoolRecord{ID: "raffle/1", Kind: pool.KindRaffle})
	_, _ = s.SavePool(ctx, storage.PoolRecord{ID: "fundraise/x", Kind: pool.KindFundraise})
	_, _ = s.SavePool(ctx, storage.PoolRecord{ID: "raffle/2", Kind: pool.KindRaffle})

	raffles, err := s.ListPools(ctx, pool.KindRaffle)
	require.NoError(t, err)
	require.Len(t, raffles, 2)
	assert.Equal(t, "raffle/1", raffles[0].ID)

	all, err := s.ListPools(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPayoutJournal(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec, err := s.RecordPayout(ctx, storage.PayoutRecord{PoolID: "raffle/1", Recipient: "alice", Kind: "winner", Amount: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	list, err := s.ListPayouts(ctx, "raffle/1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(50), list[0].Amount)

	empty, err := s.ListPayouts(ctx, "raffle/9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSaveLedgerKeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetLedger(ctx, "USDC")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveLedger(ctx, storage.LedgerRecord{Token: "USDC", Version: 2, State: json.RawMessage(`{"v":2}`)}))
	require.NoError(t, s.SaveLedger(ctx, storage.LedgerRecord{Token: "USDC", Version: 1, State: json.RawMessage(`{"v":1}`)}))

	rec, err := s.GetLedger(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.JSONEq(t, `{"v":2}`, string(rec.State))
	assert.False(t, rec.UpdatedAt.IsZero())
}
