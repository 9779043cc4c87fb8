package ledger

import (
	"context"
	"fmt"
)

// State is the persisted form of a Token. Version grows by one with every
// saved mutation.
type State struct {
	Symbol     string                      `json:"symbol"`
	Decimals   uint8                       `json:"decimals"`
	Version    uint64                      `json:"version"`
	Balances   map[string]int64            `json:"balances"`
	Allowances map[string]map[string]int64 `json:"allowances"`
}

// SaveFunc stores a token state. A Token calls it with its lock held, so it
// must not call back into the token.
type SaveFunc func(ctx context.Context, st State) error

// OnSave attaches fn. Every later mutation is saved through fn and rolled
// back when fn fails.
func (t *Token) OnSave(fn SaveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.save = fn
}

// Snapshot returns a deep copy of the balances and allowances.
func (t *Token) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

// Restore replaces the balances and allowances with st. The journal is not
// part of the state and starts empty.
func (t *Token) Restore(st State) error {
	if st.Symbol != t.symbol || st.Decimals != t.decimals {
		return fmt.Errorf("ledger state is %s/%d, token is %s/%d", st.Symbol, st.Decimals, t.symbol, t.decimals)
	}
	for account, b := range st.Balances {
		if b < 0 {
			return ErrInvalidAmount.WithDetails("account", account)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(st)
	t.journal = nil
	return nil
}

// Version returns the number of saved mutations.
func (t *Token) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *Token) stateLocked() State {
	st := State{
		Symbol:     t.symbol,
		Decimals:   t.decimals,
		Version:    t.version,
		Balances:   make(map[string]int64, len(t.balances)),
		Allowances: make(map[string]map[string]int64, len(t.allowances)),
	}
	for account, b := range t.balances {
		if b != 0 {
			st.Balances[account] = b
		}
	}
	for owner, spenders := range t.allowances {
		cp := make(map[string]int64, len(spenders))
		for spender, amount := range spenders {
			if amount != 0 {
				cp[spender] = amount
			}
		}
		if len(cp) > 0 {
			st.Allowances[owner] = cp
		}
	}
	return st
}

func (t *Token) load(st State) {
	t.version = st.Version
	t.balances = make(map[string]int64, len(st.Balances))
	for account, b := range st.Balances {
		t.balances[account] = b
	}
	t.allowances = make(map[string]map[string]int64, len(st.Allowances))
	for owner, spenders := range st.Allowances {
		cp := make(map[string]int64, len(spenders))
		for spender, amount := range spenders {
			cp[spender] = amount
		}
		t.allowances[owner] = cp
	}
}

// begin captures the state a failed save rolls back to. t.mu must be held.
func (t *Token) begin() State {
	if t.save == nil {
		return State{}
	}
	return t.stateLocked()
}

// commit saves the mutated state, or restores prev when the save fails.
// t.mu must be held.
func (t *Token) commit(ctx context.Context, prev State) error {
	if t.save == nil {
		return nil
	}
	t.version++
	if err := t.save(ctx, t.stateLocked()); err != nil {
		t.load(prev)
		return ErrTransferFailed.Wrapf(err, "save ledger state")
	}
	return nil
}
