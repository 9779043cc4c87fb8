package raffle

import (
	"context"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

// ClaimRefund returns caller's full ticket spend from a cancelled raffle.
// Each account is refunded once.
func (s *Service) ClaimRefund(ctx context.Context, caller string, id uint64) (amount int64, err error) {
	defer s.observe("claim_refund", &err)

	if caller == "" {
		return 0, ErrInvalidCaller
	}
	r, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := s.advance(ctx, r); err != nil {
		return 0, err
	}
	if r.acct.Status != pool.StatusCancelled {
		return 0, pools.ErrNotCancelled.WithDetails("status", r.acct.Status)
	}
	if r.acct.Refunded[caller] {
		return 0, pool.ErrAlreadyRefunded
	}
	units := r.acct.UnitsOf(caller)
	if units == 0 {
		return 0, pools.ErrNothingToRefund
	}
	amount, err = ledger.Mul(units, r.acct.UnitPrice)
	if err != nil {
		return 0, err
	}

	if err := r.acct.MarkRefunded(caller, amount); err != nil {
		return 0, err
	}
	if err := s.ledger.Transfer(ctx, caller, amount); err != nil {
		r.acct.UnmarkRefunded(caller, amount)
		return 0, ledgerErr(err, "refund %d to %s", amount, caller)
	}

	metrics.RecordPayout(kind, "refund", amount)
	s.journal(ctx, r.poolID(), caller, "refund", amount)
	s.persist(ctx, r)
	s.publish(ctx, events.Event{
		Type:    events.EventRefundClaimed,
		Pool:    r.poolID(),
		Account: caller,
		Units:   units,
		Amount:  amount,
	})
	s.log.WithField("raffle_id", id).
		WithField("account", caller).
		WithField("amount", amount).
		Info("refund claimed")
	return amount, nil
}
