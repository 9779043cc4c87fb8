package fundraise

import (
	"context"
	"fmt"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

// Invest buys units shares of fundraise id for caller. The caller must have
// approved the fundraise account for the gross amount. Reaching the goal
// finishes the fundraise in the same call.
func (s *Service) Invest(ctx context.Context, caller, id string, units int64) (snap Snapshot, err error) {
	defer s.observe("invest", &err)

	if units <= 0 {
		return Snapshot{}, pools.ErrInvalidUnits.WithDetails("units", units)
	}
	if caller == "" {
		return Snapshot{}, ErrInvalidCaller
	}
	f, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acct.Paused {
		return Snapshot{}, pools.ErrPaused
	}
	if _, err := s.advance(ctx, f); err != nil {
		return Snapshot{}, err
	}
	if err := pools.CheckContribution(f.acct, caller, units); err != nil {
		return Snapshot{}, err
	}

	c, err := f.split.Contribution(caller, units)
	if err != nil {
		return Snapshot{}, err
	}
	balance, err := f.ledger.BalanceOf(ctx, caller)
	if err != nil {
		return Snapshot{}, ledgerErr(err, "balance of %s", caller)
	}
	if balance < c.Gross {
		return Snapshot{}, ledger.ErrInsufficientBalance.
			Wrapf(fmt.Errorf("available %d, required %d", balance, c.Gross), "%s", caller)
	}
	if f.acct.PoolValue+c.Net > f.goal {
		return Snapshot{}, pools.ErrGoalExceeded.
			WithDetails("pool_value", f.acct.PoolValue).WithDetails("goal", f.goal)
	}
	if err := f.ledger.TransferFrom(ctx, caller, f.account, c.Gross); err != nil {
		return Snapshot{}, ledgerErr(err, "pull %d from %s", c.Gross, caller)
	}

	f.acct.Record(c)
	metrics.RecordContribution(kind, units)
	s.publish(ctx, events.Event{
		Type:    events.EventContributionRecorded,
		Pool:    f.poolID(),
		Account: caller,
		Units:   units,
		Amount:  c.Gross,
	})
	s.log.WithField("fundraise_id", id).
		WithField("account", caller).
		WithField("units", units).
		WithField("pool_value", f.acct.PoolValue).
		Info("investment recorded")

	if f.acct.PoolValue >= f.goal {
		if err := f.acct.Transition(pool.StatusFinished); err != nil {
			return Snapshot{}, err
		}
		s.onTransition(ctx, f)
	} else {
		s.persist(ctx, f)
	}
	return f.snapshot(), nil
}
