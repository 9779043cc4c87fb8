package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TxTypeMint         = "mint"
	TxTypeTransfer     = "transfer"
	TxTypeTransferFrom = "transfer_from"
)

// Transaction is one journal entry of the in-memory token.
type Transaction struct {
	ID        string    `json:"id"`
	TxType    string    `json:"tx_type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Spender   string    `json:"spender,omitempty"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is an in-memory fungible token with balances, allowances and a
// transaction journal. With a SaveFunc attached every mutation is saved
// before it takes effect.
type Token struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	version    uint64
	balances   map[string]int64
	allowances map[string]map[string]int64
	blocked    map[string]bool
	journal    []Transaction
	save       SaveFunc
}

// NewToken creates an empty token.
func NewToken(symbol string, decimals uint8) *Token {
	return &Token{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[string]int64),
		allowances: make(map[string]map[string]int64),
		blocked:    make(map[string]bool),
	}
}

func (t *Token) Symbol() string  { return t.symbol }
func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits amount to account.
func (t *Token) Mint(account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.begin()
	t.balances[account] += amount
	if err := t.commit(context.Background(), prev); err != nil {
		return err
	}
	t.record(TxTypeMint, "", account, "", amount)
	return nil
}

// Approve sets the allowance spender may pull from owner.
func (t *Token) Approve(owner, spender string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.begin()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[string]int64)
	}
	t.allowances[owner][spender] = amount
	return t.commit(context.Background(), prev)
}

// Block makes every transfer touching account fail. Used to exercise
// TransferFailed paths.
func (t *Token) Block(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[account] = true
}

// Unblock reverses Block.
func (t *Token) Unblock(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocked, account)
}

// Balance returns the balance of account.
func (t *Token) Balance(account string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[account]
}

// TotalSupply returns the sum of all balances.
func (t *Token) TotalSupply() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, b := range t.balances {
		total += b
	}
	return total
}

// Transactions returns a copy of the journal.
func (t *Token) Transactions() []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transaction, len(t.journal))
	copy(out, t.journal)
	return out
}

// Bind returns a Ledger view that acts as holder.
func (t *Token) Bind(holder string) Ledger {
	return t.Holder(holder)
}

// Holder returns the concrete bound view for holder.
func (t *Token) Holder(holder string) *Holder {
	return &Holder{token: t, holder: holder}
}

func (t *Token) move(from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if t.blocked[from] || t.blocked[to] {
		return ErrTransferFailed.Wrapf(nil, "%s -> %s blocked", from, to)
	}
	available := t.balances[from]
	if amount > available {
		return ErrInsufficientBalance.Wrapf(fmt.Errorf("available %d, required %d", available, amount), "%s", from)
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

func (t *Token) record(txType, from, to, spender string, amount int64) {
	t.journal = append(t.journal, Transaction{
		ID:        uuid.New().String(),
		TxType:    txType,
		From:      from,
		To:        to,
		Spender:   spender,
		Amount:    amount,
		CreatedAt: time.Now(),
	})
}

// Holder is a Token view bound to one account.
type Holder struct {
	token  *Token
	holder string
}

// Account returns the bound account.
func (h *Holder) Account() string {
	return h.holder
}

func (h *Holder) BalanceOf(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return h.token.Balance(account), nil
}

func (h *Holder) Transfer(ctx context.Context, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := h.token
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.begin()
	if err := t.move(h.holder, to, amount); err != nil {
		return err
	}
	if err := t.commit(ctx, prev); err != nil {
		return err
	}
	t.record(TxTypeTransfer, h.holder, to, "", amount)
	return nil
}

func (h *Holder) TransferFrom(ctx context.Context, from, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := h.token
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[from][h.holder]
	if amount > allowed {
		return ErrInsufficientAllowance.Wrapf(fmt.Errorf("allowed %d, required %d", allowed, amount), "%s -> %s", from, h.holder)
	}
	prev := t.begin()
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][h.holder] = allowed - amount
	if err := t.commit(ctx, prev); err != nil {
		return err
	}
	t.record(TxTypeTransferFrom, from, to, h.holder, amount)
	return nil
}

func (h *Holder) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := h.token
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowances[owner][spender], nil
}

var (
	_ Ledger          = (*Holder)(nil)
	_ AllowanceReader = (*Holder)(nil)
	_ Binder          = (*Token)(nil)
)
