package raffle

import (
	"context"
	"fmt"

	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

// BuyTickets sells units tickets of raffle id to caller. The caller must have
// approved the escrow account for units times the unit price.
//
// Checks run in order: units, caller, pause flag, lifecycle (which may close
// or cancel the raffle), per-wallet cap, caller balance. Funds are pulled
// before anything is recorded; a failed pull records nothing.
func (s *Service) BuyTickets(ctx context.Context, caller string, id uint64, units int64) (snap Snapshot, err error) {
	defer s.observe("buy_tickets", &err)

	if units <= 0 {
		return Snapshot{}, pools.ErrInvalidUnits.WithDetails("units", units)
	}
	if caller == "" {
		return Snapshot{}, ErrInvalidCaller
	}
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acct.Paused {
		return Snapshot{}, pools.ErrPaused
	}
	if _, err := s.advance(ctx, r); err != nil {
		return Snapshot{}, err
	}
	if err := pools.CheckContribution(r.acct, caller, units); err != nil {
		return Snapshot{}, err
	}

	c, err := r.split.Contribution(caller, units)
	if err != nil {
		return Snapshot{}, err
	}
	balance, err := s.ledger.BalanceOf(ctx, caller)
	if err != nil {
		return Snapshot{}, ledgerErr(err, "balance of %s", caller)
	}
	if balance < c.Gross {
		return Snapshot{}, ledger.ErrInsufficientBalance.
			Wrapf(fmt.Errorf("available %d, required %d", balance, c.Gross), "%s", caller)
	}
	if err := s.ledger.TransferFrom(ctx, caller, s.escrow, c.Gross); err != nil {
		return Snapshot{}, ledgerErr(err, "pull %d from %s", c.Gross, caller)
	}

	r.acct.Record(c)

	metrics.RecordContribution(kind, units)
	s.persist(ctx, r)
	s.publish(ctx, events.Event{
		Type:    events.EventContributionRecorded,
		Pool:    r.poolID(),
		Account: caller,
		Units:   units,
		Amount:  c.Gross,
	})
	s.log.WithField("raffle_id", id).
		WithField("account", caller).
		WithField("units", units).
		WithField("total_units", r.acct.TotalUnits).
		Info("tickets purchased")

	return r.snapshot(), nil
}
