package fundraise

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
)

// ClaimablePeriods returns the whole periods elapsed between since and now.
func ClaimablePeriods(now, since time.Time, period time.Duration) int64 {
	if period <= 0 || !now.After(since) {
		return 0
	}
	return int64(now.Sub(since) / period)
}

// YieldPerPeriod is shares*unitPrice*apy*period / (365 days * 100), rounded
// down.
func YieldPerPeriod(shares, unitPrice, apy int64, period time.Duration) (int64, error) {
	principal, err := ledger.Mul(shares, unitPrice)
	if err != nil {
		return 0, err
	}
	rate, err := ledger.Mul(apy, int64(period/time.Second))
	if err != nil {
		return 0, err
	}
	return ledger.MulDiv(principal, rate, int64(year/time.Second)*100)
}

// Claimable is the yield an investor could claim now.
type Claimable struct {
	Investor  string    `json:"investor"`
	Shares    int64     `json:"shares"`
	Periods   int64     `json:"periods"`
	PerPeriod int64     `json:"per_period"`
	Amount    int64     `json:"amount"`
	Since     time.Time `json:"since"`
	Boundary  time.Time `json:"boundary"`
	Claimed   int64     `json:"claimed"`
}

// Claimable reports investor's pending yield on fundraise id.
func (s *Service) Claimable(_ context.Context, id, investor string) (Claimable, error) {
	f, err := s.lookup(id)
	if err != nil {
		return Claimable{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acct.Status != pool.StatusFinalized {
		return Claimable{}, ErrNotFinalized.WithDetails("status", f.acct.Status)
	}
	return f.claimable(investor, s.clock())
}

// claimable computes the pending yield. f.mu must be held.
func (f *Fundraise) claimable(investor string, now time.Time) (Claimable, error) {
	since := f.finalizedAt
	if last, ok := f.lastClaim[investor]; ok && last.After(since) {
		since = last
	}
	shares := f.acct.UnitsOf(investor)
	periods := ClaimablePeriods(now, since, f.cfg.YieldPeriod)

	perPeriod, err := YieldPerPeriod(shares, f.acct.UnitPrice, f.cfg.APY, f.cfg.YieldPeriod)
	if err != nil {
		return Claimable{}, err
	}
	amount, err := ledger.Mul(perPeriod, periods)
	if err != nil {
		return Claimable{}, err
	}
	return Claimable{
		Investor:  investor,
		Shares:    shares,
		Periods:   periods,
		PerPeriod: perPeriod,
		Amount:    amount,
		Since:     since,
		Boundary:  since.Add(time.Duration(periods) * f.cfg.YieldPeriod),
		Claimed:   f.claimed[investor],
	}, nil
}

// Claim pays every whole period of yield caller has not claimed yet. When
// the fundraise account cannot cover it, the shortfall is pulled from the
// project owner, who must have approved the fundraise account beforehand.
// The claim boundary advances before any transfer and is rolled back if the
// payout fails.
func (s *Service) Claim(ctx context.Context, caller, id string) (amount int64, err error) {
	defer s.observe("claim", &err)

	if caller == "" {
		return 0, ErrInvalidCaller
	}
	f, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acct.Status != pool.StatusFinalized {
		return 0, ErrNotFinalized.WithDetails("status", f.acct.Status)
	}
	if f.acct.UnitsOf(caller) == 0 {
		return 0, ErrNothingToClaim.WithDetails("shares", 0)
	}
	c, err := f.claimable(caller, s.clock())
	if err != nil {
		return 0, err
	}
	if c.Periods == 0 {
		if _, ok := f.lastClaim[caller]; ok {
			return 0, ErrAlreadyClaimed.WithDetails("next", c.Since.Add(f.cfg.YieldPeriod))
		}
		return 0, ErrNothingToClaim.WithDetails("next", c.Since.Add(f.cfg.YieldPeriod))
	}
	if c.Amount == 0 {
		return 0, ErrNothingToClaim.WithDetails("periods", c.Periods)
	}

	shortfall, err := s.checkTopUp(ctx, f, c.Amount)
	if err != nil {
		return 0, err
	}

	prev, hadPrev := f.lastClaim[caller]
	f.lastClaim[caller] = c.Boundary
	rollback := func() {
		if hadPrev {
			f.lastClaim[caller] = prev
		} else {
			delete(f.lastClaim, caller)
		}
	}

	owner := f.owner.Owner()
	if shortfall > 0 {
		if err := f.ledger.TransferFrom(ctx, owner, f.account, shortfall); err != nil {
			rollback()
			return 0, ledgerErr(err, "top up %d from %s", shortfall, owner)
		}
		s.log.WithField("fundraise_id", id).
			WithField("owner", owner).
			WithField("amount", shortfall).
			Info("yield topped up by owner")
	}
	if err := f.ledger.Transfer(ctx, caller, c.Amount); err != nil {
		rollback()
		return 0, ledgerErr(err, "yield %d to %s", c.Amount, caller)
	}

	f.claimed[caller] += c.Amount
	f.yieldPaid += c.Amount
	s.journal(ctx, f, caller, "yield", c.Amount)
	s.persist(ctx, f)
	s.publish(ctx, events.Event{
		Type:    events.EventYieldClaimed,
		Pool:    f.poolID(),
		Account: caller,
		Amount:  c.Amount,
		Metadata: map[string]string{
			"periods":  fmt.Sprintf("%d", c.Periods),
			"top_up":   fmt.Sprintf("%d", shortfall),
			"boundary": c.Boundary.UTC().Format(time.RFC3339),
		},
	})
	s.log.WithField("fundraise_id", id).
		WithField("account", caller).
		WithField("periods", c.Periods).
		WithField("amount", c.Amount).
		Info("yield claimed")
	return c.Amount, nil
}

// checkTopUp returns how much the owner must add for the fundraise account
// to cover amount, after checking the owner's allowance and balance.
func (s *Service) checkTopUp(ctx context.Context, f *Fundraise, amount int64) (int64, error) {
	balance, err := f.ledger.BalanceOf(ctx, f.account)
	if err != nil {
		return 0, ledgerErr(err, "balance of %s", f.account)
	}
	shortfall := amount - balance
	if shortfall <= 0 {
		return 0, nil
	}

	owner := f.owner.Owner()
	reader, ok := f.ledger.(ledger.AllowanceReader)
	if !ok {
		return 0, ErrNoAllowanceCheck
	}
	allowed, err := reader.Allowance(ctx, owner, f.account)
	if err != nil {
		return 0, ledgerErr(err, "allowance of %s", owner)
	}
	if allowed < shortfall {
		return 0, ledger.ErrInsufficientAllowance.
			Wrapf(fmt.Errorf("allowed %d, required %d", allowed, shortfall), "owner %s", owner)
	}
	ownerBalance, err := f.ledger.BalanceOf(ctx, owner)
	if err != nil {
		return 0, ledgerErr(err, "balance of %s", owner)
	}
	if ownerBalance < shortfall {
		return 0, ledger.ErrInsufficientBalance.
			Wrapf(fmt.Errorf("available %d, required %d", ownerBalance, shortfall), "owner %s", owner)
	}
	return shortfall, nil
}
