package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/config"
	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/storage"
	"github.com/R3E-Network/escrow_pools/internal/storage/memory"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

func TestOpenLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.TokenConfig{
		Symbol:   "USDC",
		Decimals: 6,
		Genesis:  map[string]int64{"operator": 1_000},
	}

	token, err := openLedger(ctx, cfg, store, logger.NewDiscard())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), token.Balance("operator"))

	require.NoError(t, token.Approve("operator", "escrow", 400))
	require.NoError(t, token.Bind("escrow").TransferFrom(ctx, "operator", "escrow", 400))

	restarted, err := openLedger(ctx, cfg, store, logger.NewDiscard())
	require.NoError(t, err)
	assert.Equal(t, int64(600), restarted.Balance("operator"))
	assert.Equal(t, int64(400), restarted.Balance("escrow"))
	assert.Equal(t, int64(1_000), restarted.TotalSupply())
}

func TestOpenLedgerRefusesOrphanedPools(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.SavePool(ctx, storage.PoolRecord{
		ID:       "raffle/1",
		Kind:     pool.KindRaffle,
		Status:   pool.StatusOpen,
		Snapshot: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = openLedger(ctx, config.TokenConfig{Symbol: "USDC", Decimals: 6}, store, logger.NewDiscard())
	assert.ErrorContains(t, err, "no USDC ledger state")
}
