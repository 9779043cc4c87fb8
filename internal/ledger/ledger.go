// Package ledger defines the fungible-token ledger the pools escrow funds in,
// plus an in-memory token used by the daemon and the tests.
//
// Fund flow:
//  1. A contributor approves the pool account as spender.
//  2. The pool pulls units*price with TransferFrom(contributor, pool, amount).
//  3. Payouts, fees and refunds leave the pool with Transfer(to, amount).
package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

// Ledger is a fungible-token ledger bound to the pool (escrow) account.
// Transfer always debits the bound account. Any error is a hard failure.
type Ledger interface {
	BalanceOf(ctx context.Context, account string) (int64, error)
	Transfer(ctx context.Context, to string, amount int64) error
	TransferFrom(ctx context.Context, from, to string, amount int64) error
}

// AllowanceReader is implemented by ledgers that expose spender allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, owner, spender string) (int64, error)
}

// Binder hands out ledger views bound to a given holder account.
type Binder interface {
	Bind(holder string) Ledger
}

var (
	ErrInsufficientBalance   = svcerrors.New(svcerrors.CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientAllowance = svcerrors.New(svcerrors.CodeInsufficientAllowance, "insufficient allowance")
	ErrTransferFailed        = svcerrors.New(svcerrors.CodeTransferFailed, "transfer failed")
	ErrInvalidAmount         = svcerrors.New(svcerrors.CodeInvalidArgument, "invalid amount")
	ErrOverflow              = svcerrors.New(svcerrors.CodeInvalidConfiguration, "amount overflows int64")
)

// Scale converts a whole-token amount into base units using decimals.
func Scale(amount int64, decimals uint8) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Int).Mul(big.NewInt(amount), factor)
	if !scaled.IsInt64() {
		return 0, ErrOverflow.Wrapf(nil, "%d with %d decimals", amount, decimals)
	}
	return scaled.Int64(), nil
}

// MulDiv returns floor(a*b/c) computed without intermediate overflow.
func MulDiv(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, fmt.Errorf("muldiv: division by zero")
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(c))
	if !r.IsInt64() {
		return 0, ErrOverflow
	}
	return r.Int64(), nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrInvalidAmount
	}
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}
