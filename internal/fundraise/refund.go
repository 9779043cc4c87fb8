package fundraise

import (
	"context"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

// Refund returns caller's full investment from a cancelled fundraise, once.
func (s *Service) Refund(ctx context.Context, caller, id string) (amount int64, err error) {
	defer s.observe("refund", &err)

	if caller == "" {
		return 0, ErrInvalidCaller
	}
	f, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := s.advance(ctx, f); err != nil {
		return 0, err
	}
	if f.acct.Status != pool.StatusCancelled {
		return 0, pools.ErrNotCancelled.WithDetails("status", f.acct.Status)
	}
	if f.acct.Refunded[caller] {
		return 0, pool.ErrAlreadyRefunded
	}
	units := f.acct.UnitsOf(caller)
	if units == 0 {
		return 0, pools.ErrNothingToRefund
	}
	amount, err = ledger.Mul(units, f.acct.UnitPrice)
	if err != nil {
		return 0, err
	}

	if err := f.acct.MarkRefunded(caller, amount); err != nil {
		return 0, err
	}
	if err := f.ledger.Transfer(ctx, caller, amount); err != nil {
		f.acct.UnmarkRefunded(caller, amount)
		return 0, ledgerErr(err, "refund %d to %s", amount, caller)
	}

	s.journal(ctx, f, caller, "refund", amount)
	s.persist(ctx, f)
	s.publish(ctx, events.Event{
		Type:    events.EventRefundClaimed,
		Pool:    f.poolID(),
		Account: caller,
		Units:   units,
		Amount:  amount,
	})
	s.log.WithField("fundraise_id", id).
		WithField("account", caller).
		WithField("amount", amount).
		Info("refund claimed")
	return amount, nil
}
