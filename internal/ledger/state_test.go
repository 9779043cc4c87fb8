package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/storage/memory"
)

func TestAttachRestoresAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tok := NewToken("USDC", 6)
	found, err := Attach(ctx, tok, store)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tok.Mint("alice", 1_000))
	require.NoError(t, tok.Approve("alice", "escrow", 600))
	require.NoError(t, tok.Bind("escrow").TransferFrom(ctx, "alice", "escrow", 400))
	require.NoError(t, tok.Bind("escrow").Transfer(ctx, "bob", 150))
	assert.Equal(t, uint64(4), tok.Version())

	restarted := NewToken("USDC", 6)
	found, err = Attach(ctx, restarted, store)
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, int64(600), restarted.Balance("alice"))
	assert.Equal(t, int64(250), restarted.Balance("escrow"))
	assert.Equal(t, int64(150), restarted.Balance("bob"))
	allowance, err := restarted.Holder("escrow").Allowance(ctx, "alice", "escrow")
	require.NoError(t, err)
	assert.Equal(t, int64(200), allowance)
	assert.Empty(t, restarted.Transactions())

	// the restored token keeps saving from the stored version on
	require.NoError(t, restarted.Bind("escrow").TransferFrom(ctx, "alice", "escrow", 200))
	again := NewToken("USDC", 6)
	_, err = Attach(ctx, again, store)
	require.NoError(t, err)
	assert.Equal(t, int64(450), again.Balance("escrow"))
	assert.Equal(t, uint64(5), again.Version())
}

func TestFailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	tok := NewToken("USDC", 6)
	require.NoError(t, tok.Mint("alice", 500))
	require.NoError(t, tok.Approve("alice", "escrow", 500))

	down := errors.New("connection refused")
	tok.OnSave(func(context.Context, State) error { return down })

	err := tok.Mint("alice", 100)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, int64(500), tok.Balance("alice"))

	err = tok.Bind("escrow").TransferFrom(ctx, "alice", "escrow", 300)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, int64(500), tok.Balance("alice"))
	assert.Zero(t, tok.Balance("escrow"))
	allowance, err := tok.Holder("escrow").Allowance(ctx, "alice", "escrow")
	require.NoError(t, err)
	assert.Equal(t, int64(500), allowance)

	assert.ErrorIs(t, tok.Approve("alice", "escrow", 0), ErrTransferFailed)
	assert.Len(t, tok.Transactions(), 1)

	tok.OnSave(nil)
	require.NoError(t, tok.Bind("escrow").TransferFrom(ctx, "alice", "escrow", 300))
	assert.Equal(t, int64(300), tok.Balance("escrow"))
}

func TestRestoreRejectsForeignState(t *testing.T) {
	tok := NewToken("USDC", 6)
	st := State{Symbol: "EUR", Decimals: 6, Balances: map[string]int64{"alice": 1}}
	assert.Error(t, tok.Restore(st))

	st.Symbol = "USDC"
	st.Balances["alice"] = -1
	assert.ErrorIs(t, tok.Restore(st), ErrInvalidAmount)

	st.Balances["alice"] = 10
	st.Version = 3
	require.NoError(t, tok.Restore(st))
	assert.Equal(t, int64(10), tok.Balance("alice"))
	assert.Equal(t, uint64(3), tok.Version())
	snap := tok.Snapshot()
	assert.Equal(t, map[string]int64{"alice": 10}, snap.Balances)
}
