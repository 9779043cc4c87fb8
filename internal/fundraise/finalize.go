package fundraise

import (
	"context"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

// Finalize releases a finished fundraise: the raised value goes to the
// project owner and the fees to their recipients. Yield starts accruing from
// the finalization time. A failed transfer leaves the fundraise FINISHED and
// a later Finalize resumes the unpaid lines.
func (s *Service) Finalize(ctx context.Context, caller, id string) (snap Snapshot, err error) {
	defer s.observe("finalize", &err)

	f, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := s.authorize(f, caller); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.advance(ctx, f); err != nil {
		return Snapshot{}, err
	}
	if f.acct.Status != pool.StatusFinished {
		if f.acct.Status == pool.StatusFinalized {
			return Snapshot{}, pools.ErrAlreadyDistributed
		}
		return Snapshot{}, ErrNotFinished.WithDetails("status", f.acct.Status)
	}

	if f.plan == nil {
		plan, err := pools.BuildCapitalPlan(pools.PlanInput{
			PoolValue:         f.acct.PoolValue,
			PlatformFee:       f.acct.PlatformFees,
			PlatformRecipient: f.cfg.Fees.PlatformRecipient,
			CreatorFee:        f.acct.CreatorFees,
			CreatorRecipient:  f.cfg.Fees.CreatorRecipient,
			Owner:             f.owner.Owner(),
		})
		if err != nil {
			return Snapshot{}, err
		}
		f.plan = plan
	}

	paid := make([]bool, len(f.plan.Payouts))
	for i, po := range f.plan.Payouts {
		paid[i] = po.Paid
	}
	execErr := pools.Execute(ctx, f.ledger, f.account, f.plan)
	for i, po := range f.plan.Payouts {
		if !paid[i] && po.Paid {
			s.journal(ctx, f, po.Recipient, string(po.Kind), po.Amount)
			s.publish(ctx, events.Event{
				Type:     events.EventPayoutSent,
				Pool:     f.poolID(),
				Account:  po.Recipient,
				Amount:   po.Amount,
				Metadata: map[string]string{"kind": string(po.Kind), "plan_id": f.plan.ID},
			})
		}
	}
	if execErr != nil {
		s.persist(ctx, f)
		s.publish(ctx, events.Event{
			Type:     events.EventDistributionFailed,
			Pool:     f.poolID(),
			Amount:   f.plan.Outstanding(),
			Metadata: map[string]string{"plan_id": f.plan.ID, "error": execErr.Error()},
		})
		return Snapshot{}, execErr
	}

	if err := f.acct.Transition(pool.StatusFinalized); err != nil {
		return Snapshot{}, err
	}
	f.finalizedAt = s.clock()
	s.publish(ctx, events.Event{
		Type:    events.EventFinalized,
		Pool:    f.poolID(),
		Account: f.owner.Owner(),
		Amount:  f.acct.PoolValue,
	})
	s.onTransition(ctx, f)
	return f.snapshot(), nil
}
