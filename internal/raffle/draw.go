package raffle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/pools"
	"github.com/R3E-Network/escrow_pools/internal/randomness"
	"github.com/R3E-Network/escrow_pools/internal/storage"
)

// RequestWinners files the randomness request for a closed raffle. The draw
// completes when the source calls Fulfill.
func (s *Service) RequestWinners(ctx context.Context, caller string, id uint64) (requestID string, err error) {
	defer s.observe("request_winners", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return "", err
	}
	if s.source == nil {
		return "", randomness.ErrNoSource
	}
	r, err := s.lookup(id)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := s.advance(ctx, r); err != nil {
		return "", err
	}
	if r.acct.Status != pool.StatusClosed {
		return "", ErrNotClosed.WithDetails("status", r.acct.Status)
	}
	if r.requestID != "" {
		return "", ErrRandomnessPending.WithDetails("request_id", r.requestID)
	}
	if r.acct.TotalUnits == 0 {
		return "", pools.ErrNoParticipants
	}

	now := s.clock()
	s.reqMu.Lock()
	requestID, err = s.source.Request(ctx, r.poolID())
	if err == nil {
		s.tracker.Track(requestID, r.poolID(), now)
	}
	s.reqMu.Unlock()
	if err != nil {
		metrics.RecordRandomness("failed", 0)
		return "", fmt.Errorf("request randomness: %w", err)
	}

	r.requestID = requestID
	r.requestedAt = now

	metrics.RecordRandomness("requested", 0)
	s.persist(ctx, r)
	s.publish(ctx, events.Event{
		Type:     events.EventRandomnessRequested,
		Pool:     r.poolID(),
		Metadata: map[string]string{"request_id": requestID},
	})
	s.log.WithField("raffle_id", id).WithField("request_id", requestID).Info("randomness requested")
	return requestID, nil
}

// Fulfill delivers the randomness for requestID. It draws the winners and
// distributes the pool. Each request is answered once; unknown, expired and
// repeated deliveries fail.
//
// Winners are committed before any payout. When a payout fails the drawn
// winners stand, the error is returned wrapped as TransferFailed and the
// unpaid lines are retried with SettlePayouts.
func (s *Service) Fulfill(ctx context.Context, requestID string, value *big.Int) (err error) {
	defer s.observe("fulfill", &err)

	if !randomness.ValidValue(value) {
		return randomness.ErrInvalidValue
	}

	s.reqMu.Lock()
	p, err := s.tracker.Resolve(requestID, s.clock())
	s.reqMu.Unlock()
	if err != nil {
		return err
	}

	r, err := s.lookupSubject(p.Subject)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.requestID != requestID {
		return randomness.ErrUnknownRequest.WithDetails("request_id", requestID)
	}
	if r.acct.Status != pool.StatusClosed {
		return ErrNotClosed.WithDetails("status", r.acct.Status)
	}

	winners, err := pools.SelectWinners(r.acct.Participants, len(r.acct.Shares), value)
	if err == nil {
		err = r.acct.AssignWinners(winners)
	}
	if err != nil {
		s.tracker.Restore(p)
		return err
	}
	r.seed = new(big.Int).Set(value)

	metrics.RecordRandomness("fulfilled", s.clock().Sub(r.requestedAt))
	s.publish(ctx, events.Event{
		Type:     events.EventWinnersDrawn,
		Pool:     r.poolID(),
		Units:    int64(len(winners)),
		Metadata: map[string]string{"request_id": requestID},
	})
	s.log.WithField("raffle_id", r.id).
		WithField("request_id", requestID).
		WithField("winners", len(winners)).
		Info("winners drawn")

	if err := s.distribute(ctx, r); err != nil {
		s.log.WithError(err).WithField("raffle_id", r.id).Warn("distribution incomplete")
		return ledger.ErrTransferFailed.Wrapf(err, "raffle %d: winners drawn, payouts pending", r.id)
	}
	return nil
}

// Distribute builds and executes the payout plan of a drawn raffle. It runs
// once; Fulfill normally calls it already.
func (s *Service) Distribute(ctx context.Context, caller string, id uint64) (plan *pools.Plan, err error) {
	defer s.observe("distribute", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return nil, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plan != nil {
		return nil, pools.ErrAlreadyDistributed
	}
	if len(r.acct.Winners) == 0 {
		return nil, ErrWinnersNotDrawn
	}
	err = s.distribute(ctx, r)
	return r.plan.Clone(), err
}

// SettlePayouts retries the unpaid lines of a plan after a failed transfer.
func (s *Service) SettlePayouts(ctx context.Context, caller string, id uint64) (plan *pools.Plan, err error) {
	defer s.observe("settle_payouts", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return nil, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plan == nil {
		return nil, ErrNotDistributed
	}
	if r.distributed {
		return nil, pools.ErrAlreadyDistributed
	}
	err = s.execute(ctx, r)
	return r.plan.Clone(), err
}

// ExpireRandomness cancels every closed raffle whose randomness request has
// been outstanding longer than the timeout. It returns the number cancelled.
func (s *Service) ExpireRandomness(ctx context.Context) (int, error) {
	expired := 0
	for _, p := range s.tracker.Stale(s.clock(), s.timeout) {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		r, err := s.lookupSubject(p.Subject)
		if err != nil {
			s.log.WithError(err).WithField("request_id", p.RequestID).Warn("stale request without raffle")
			continue
		}
		r.mu.Lock()
		if r.requestID == p.RequestID && r.acct.Status == pool.StatusClosed {
			if err := s.expire(ctx, r); err == nil {
				expired++
			}
		}
		r.mu.Unlock()
	}
	return expired, nil
}

// expire drops r's outstanding request and cancels r. r.mu must be held.
func (s *Service) expire(ctx context.Context, r *Raffle) error {
	s.reqMu.Lock()
	err := s.tracker.Expire(r.requestID, s.clock())
	s.reqMu.Unlock()
	if err != nil {
		return err
	}
	if err := r.acct.Transition(pool.StatusCancelled); err != nil {
		return err
	}

	metrics.RecordRandomness("expired", 0)
	s.publish(ctx, events.Event{
		Type:     events.EventRandomnessExpired,
		Pool:     r.poolID(),
		Metadata: map[string]string{"request_id": r.requestID},
	})
	s.log.WithField("raffle_id", r.id).
		WithField("request_id", r.requestID).
		WithField("requested_at", r.requestedAt).
		Warn("randomness request expired, raffle cancelled")
	s.onTransition(ctx, r)
	return nil
}

// distribute builds r's plan and executes it. r.mu must be held.
func (s *Service) distribute(ctx context.Context, r *Raffle) error {
	if r.plan != nil {
		return pools.ErrAlreadyDistributed
	}
	plan, err := pools.BuildPlan(pools.PlanInput{
		PoolValue:         r.acct.PoolValue,
		Winners:           r.acct.Winners,
		Shares:            r.acct.Shares,
		PlatformFee:       r.acct.PlatformFees,
		PlatformRecipient: r.cfg.Fees.PlatformRecipient,
		CreatorFee:        r.acct.CreatorFees,
		CreatorRecipient:  r.cfg.Fees.CreatorRecipient,
		Sink:              r.cfg.Sink,
		Owner:             s.owner.Owner(),
	})
	if err != nil {
		return err
	}
	r.plan = plan

	if plan.Rollover > 0 {
		s.mu.Lock()
		s.rollover += plan.Rollover
		s.mu.Unlock()
		s.persistRegistry(ctx)
	}
	return s.execute(ctx, r)
}

// execute sends the unpaid lines of r.plan and journals every line that went
// out. r.mu must be held.
func (s *Service) execute(ctx context.Context, r *Raffle) error {
	paid := make([]bool, len(r.plan.Payouts))
	for i, po := range r.plan.Payouts {
		paid[i] = po.Paid
	}

	err := pools.Execute(ctx, s.ledger, s.escrow, r.plan)

	for i, po := range r.plan.Payouts {
		if paid[i] || !po.Paid {
			continue
		}
		metrics.RecordPayout(kind, string(po.Kind), po.Amount)
		s.journal(ctx, r.poolID(), po.Recipient, string(po.Kind), po.Amount)
		s.publish(ctx, events.Event{
			Type:     events.EventPayoutSent,
			Pool:     r.poolID(),
			Account:  po.Recipient,
			Amount:   po.Amount,
			Metadata: map[string]string{"kind": string(po.Kind), "plan_id": r.plan.ID},
		})
	}

	if err != nil {
		s.publish(ctx, events.Event{
			Type:     events.EventDistributionFailed,
			Pool:     r.poolID(),
			Amount:   r.plan.Outstanding(),
			Metadata: map[string]string{"plan_id": r.plan.ID, "error": err.Error()},
		})
	} else {
		r.distributed = true
		s.log.WithField("raffle_id", r.id).
			WithField("pool_value", r.plan.PoolValue).
			WithField("remainder", r.plan.Remainder).
			WithField("sink", r.plan.Sink).
			Info("raffle distributed")
	}
	s.persist(ctx, r)
	return err
}

// journal appends a completed transfer to the payout store.
func (s *Service) journal(ctx context.Context, poolID, recipient, payoutKind string, amount int64) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordPayout(ctx, storage.PayoutRecord{
		PoolID:    poolID,
		Recipient: recipient,
		Kind:      payoutKind,
		Amount:    amount,
	}); err != nil {
		s.log.WithError(err).WithField("pool", poolID).Warn("journal payout")
	}
}
