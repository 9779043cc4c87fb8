// Package pools holds the pool engine shared by raffles and fundraises:
// lifecycle evaluation, winner selection and payout distribution.
package pools

import (
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

// MaxPerWalletCap bounds the units one account may hold in a pool. Every unit
// is one entry in the participant list.
const MaxPerWalletCap = 10_000

var (
	ErrNotOpen         = svcerrors.New(svcerrors.CodeNotOpen, "pool is not open")
	ErrPaused          = svcerrors.New(svcerrors.CodePaused, "pool is paused")
	ErrQuorumReached   = svcerrors.New(svcerrors.CodeInvalidStateTransition, "quorum reached, cancellation not allowed")
	ErrStillRunning    = svcerrors.New(svcerrors.CodeInvalidStateTransition, "pool end time not reached")
	ErrNotCancelled    = svcerrors.New(svcerrors.CodeInvalidStateTransition, "refunds require a cancelled pool")
	ErrInvalidUnits    = svcerrors.New(svcerrors.CodeInvalidArgument, "units must be positive")
	ErrCapExceeded     = svcerrors.New(svcerrors.CodeCapExceeded, "per-wallet cap exceeded")
	ErrGoalExceeded    = svcerrors.New(svcerrors.CodeCapExceeded, "contribution exceeds pool goal")
	ErrNothingToRefund = svcerrors.New(svcerrors.CodeInvalidArgument, "no contribution to refund")
	ErrNoParticipants  = svcerrors.New(svcerrors.CodeNoParticipants, "pool has no participants")
)

// Policy supplies the variant-specific lifecycle rules.
type Policy interface {
	// OnExpiry returns the status an OPEN pool takes once end_time passed.
	OnExpiry(acct *pool.Account) pool.Status
	// QuorumReached reports whether the owner may no longer force-cancel.
	QuorumReached(acct *pool.Account) bool
}

// RafflePolicy cancels raffles that end below the minimum unit threshold.
type RafflePolicy struct {
	MinUnits int64
}

func (p RafflePolicy) OnExpiry(acct *pool.Account) pool.Status {
	if acct.TotalUnits < p.MinUnits {
		return pool.StatusCancelled
	}
	return pool.StatusClosed
}

func (p RafflePolicy) QuorumReached(acct *pool.Account) bool {
	return acct.TotalUnits >= p.MinUnits
}

// FundraisePolicy cancels fundraises that end before the goal is reached.
// Reaching the goal while OPEN moves the pool to FINISHED directly.
type FundraisePolicy struct {
	Goal    int64
	SoftCap int64
}

func (p FundraisePolicy) OnExpiry(acct *pool.Account) pool.Status {
	if acct.PoolValue >= p.Goal {
		return pool.StatusFinished
	}
	return pool.StatusCancelled
}

func (p FundraisePolicy) QuorumReached(acct *pool.Account) bool {
	return acct.PoolValue >= p.SoftCap
}

// Evaluate returns the status acct should be in at now. It never mutates.
func Evaluate(now time.Time, acct *pool.Account, policy Policy) pool.Status {
	if acct.Status != pool.StatusOpen {
		return acct.Status
	}
	if now.Before(acct.EndTime) {
		return pool.StatusOpen
	}
	return policy.OnExpiry(acct)
}

// Advance applies Evaluate and reports whether the status changed.
func Advance(now time.Time, acct *pool.Account, policy Policy) (bool, error) {
	next := Evaluate(now, acct, policy)
	if next == acct.Status {
		return false, nil
	}
	if err := acct.Transition(next); err != nil {
		return false, err
	}
	return true, nil
}

// ForceCancel is the owner's early cancellation of an OPEN pool.
func ForceCancel(acct *pool.Account, policy Policy) error {
	if acct.Status != pool.StatusOpen {
		return pool.ErrInvalidStateTransition.WithDetails("from", acct.Status).WithDetails("to", pool.StatusCancelled)
	}
	if policy.QuorumReached(acct) {
		return ErrQuorumReached
	}
	return acct.Transition(pool.StatusCancelled)
}

// CheckContribution runs the pre-transfer checks for a contribution of units
// by caller. The lifecycle must already have been advanced.
func CheckContribution(acct *pool.Account, caller string, units int64) error {
	if acct.Status != pool.StatusOpen {
		return ErrNotOpen.WithDetails("status", acct.Status)
	}
	if acct.PerWalletCap > 0 && acct.UnitsOf(caller)+units > acct.PerWalletCap {
		return ErrCapExceeded.WithDetails("held", acct.UnitsOf(caller)).WithDetails("cap", acct.PerWalletCap)
	}
	return nil
}
