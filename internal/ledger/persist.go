package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/R3E-Network/escrow_pools/internal/storage"
)

// Attach restores t from the state saved under its symbol, if any, and saves
// every later mutation to store. It reports whether a saved state was found.
func Attach(ctx context.Context, t *Token, store storage.LedgerStore) (bool, error) {
	found := true
	rec, err := store.GetLedger(ctx, t.Symbol())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		found = false
	case err != nil:
		return false, fmt.Errorf("load ledger state: %w", err)
	default:
		var st State
		if err := json.Unmarshal(rec.State, &st); err != nil {
			return false, fmt.Errorf("decode ledger state: %w", err)
		}
		if err := t.Restore(st); err != nil {
			return false, err
		}
	}

	t.OnSave(func(ctx context.Context, st State) error {
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return store.SaveLedger(ctx, storage.LedgerRecord{
			Token:   st.Symbol,
			Version: int64(st.Version),
			State:   raw,
		})
	})
	return found, nil
}
