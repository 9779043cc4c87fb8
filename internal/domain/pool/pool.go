// Package pool holds the escrowed pool account shared by raffles and
// fundraises: status, timing, pooled value and the participant ledger.
package pool

import (
	"fmt"
	"sort"
	"time"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

// Status represents the lifecycle state of a pool.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
	StatusFinished  Status = "finished"
	StatusFinalized Status = "finalized"
)

// Kind distinguishes the two pool variants.
type Kind string

const (
	KindRaffle    Kind = "raffle"
	KindFundraise Kind = "fundraise"
)

var (
	ErrInvalidStateTransition = svcerrors.New(svcerrors.CodeInvalidStateTransition, "invalid state transition")
	ErrWinnersAssigned        = svcerrors.New(svcerrors.CodeInvalidStateTransition, "winners already assigned")
	ErrAlreadyRefunded        = svcerrors.New(svcerrors.CodeAlreadyRefunded, "contribution already refunded")
	ErrInvariantViolated      = svcerrors.New(svcerrors.CodeInternal, "pool invariant violated")
)

// transitions lists every legal status change. CLOSED -> CANCELLED only
// happens when a randomness request times out.
var transitions = map[Status][]Status{
	StatusOpen:     {StatusClosed, StatusCancelled, StatusFinished},
	StatusClosed:   {StatusCancelled},
	StatusFinished: {StatusFinalized},
}

// CanTransition reports whether from -> to is a legal change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Account is the escrowed state of one pool instance.
type Account struct {
	Status    Status
	StartTime time.Time
	EndTime   time.Time

	UnitPrice    int64 // scaled price of one unit
	PerWalletCap int64

	SeedValue     int64 // value carried in at creation (rollover)
	PoolValue     int64 // seed + net contributions
	GrossValue    int64 // everything pulled from contributors
	TotalUnits    int64
	PlatformFees  int64
	CreatorFees   int64
	RefundedValue int64

	Participants  []string
	Contributions map[string]int64
	Winners       []string
	Shares        []int

	Paused   bool
	Refunded map[string]bool
}

// NewAccount creates an OPEN account with empty collections.
func NewAccount(start, end time.Time, unitPrice, perWalletCap int64, shares []int) *Account {
	cp := make([]int, len(shares))
	copy(cp, shares)
	return &Account{
		Status:        StatusOpen,
		StartTime:     start,
		EndTime:       end,
		UnitPrice:     unitPrice,
		PerWalletCap:  perWalletCap,
		Participants:  make([]string, 0),
		Contributions: make(map[string]int64),
		Winners:       make([]string, 0),
		Shares:        cp,
		Refunded:      make(map[string]bool),
	}
}

// Contribution is the accounting of one accepted purchase.
type Contribution struct {
	Account     string
	Units       int64
	Gross       int64
	Net         int64
	PlatformFee int64
	CreatorFee  int64
}

// Record appends an accepted contribution. Callers validate caps and pull
// funds first; Record only keeps the ledger consistent.
func (a *Account) Record(c Contribution) {
	for i := int64(0); i < c.Units; i++ {
		a.Participants = append(a.Participants, c.Account)
	}
	a.Contributions[c.Account] += c.Units
	a.TotalUnits += c.Units
	a.GrossValue += c.Gross
	a.PoolValue += c.Net
	a.PlatformFees += c.PlatformFee
	a.CreatorFees += c.CreatorFee
}

// UnitsOf returns the units held by account.
func (a *Account) UnitsOf(account string) int64 {
	return a.Contributions[account]
}

// Transition moves the account to the given status.
func (a *Account) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return ErrInvalidStateTransition.WithDetails("from", a.Status).WithDetails("to", to)
	}
	a.Status = to
	return nil
}

// AssignWinners stores the selected winners. It succeeds once.
func (a *Account) AssignWinners(winners []string) error {
	if len(a.Winners) > 0 {
		return ErrWinnersAssigned
	}
	if len(winners) > len(a.Shares) {
		return fmt.Errorf("%w: %d winners for %d shares", ErrInvariantViolated, len(winners), len(a.Shares))
	}
	a.Winners = append(a.Winners[:0], winners...)
	return nil
}

// MarkRefunded adds account to the refunded set.
func (a *Account) MarkRefunded(account string, amount int64) error {
	if a.Refunded[account] {
		return ErrAlreadyRefunded
	}
	a.Refunded[account] = true
	a.RefundedValue += amount
	return nil
}

// UnmarkRefunded reverts MarkRefunded when the outbound transfer failed and
// the refund never happened.
func (a *Account) UnmarkRefunded(account string, amount int64) {
	delete(a.Refunded, account)
	a.RefundedValue -= amount
}

// Validate checks the structural invariants of the account.
func (a *Account) Validate() error {
	var sum int64
	for account, units := range a.Contributions {
		if units < 0 {
			return fmt.Errorf("%w: negative units for %s", ErrInvariantViolated, account)
		}
		if a.PerWalletCap > 0 && units > a.PerWalletCap {
			return fmt.Errorf("%w: %s holds %d units over cap %d", ErrInvariantViolated, account, units, a.PerWalletCap)
		}
		sum += units
	}
	if sum != a.TotalUnits || int64(len(a.Participants)) != a.TotalUnits {
		return fmt.Errorf("%w: contributions %d, total %d, participants %d",
			ErrInvariantViolated, sum, a.TotalUnits, len(a.Participants))
	}
	if a.GrossValue != a.PoolValue-a.SeedValue+a.PlatformFees+a.CreatorFees {
		return fmt.Errorf("%w: gross %d != net %d + fees %d", ErrInvariantViolated,
			a.GrossValue, a.PoolValue-a.SeedValue, a.PlatformFees+a.CreatorFees)
	}
	seen := make(map[string]bool, len(a.Winners))
	for _, w := range a.Winners {
		if seen[w] {
			return fmt.Errorf("%w: duplicate winner %s", ErrInvariantViolated, w)
		}
		seen[w] = true
	}
	if len(a.Winners) > len(a.Shares) {
		return fmt.Errorf("%w: %d winners for %d shares", ErrInvariantViolated, len(a.Winners), len(a.Shares))
	}
	return nil
}

// Snapshot is a read-only copy of an Account.
type Snapshot struct {
	Status        Status           `json:"status"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time"`
	UnitPrice     int64            `json:"unit_price"`
	PerWalletCap  int64            `json:"per_wallet_cap"`
	SeedValue     int64            `json:"seed_value"`
	PoolValue     int64            `json:"pool_value"`
	GrossValue    int64            `json:"gross_value"`
	TotalUnits    int64            `json:"total_units"`
	PlatformFees  int64            `json:"platform_fees"`
	CreatorFees   int64            `json:"creator_fees"`
	RefundedValue int64            `json:"refunded_value"`
	Participants  []string         `json:"participants"`
	Contributions map[string]int64 `json:"contributions"`
	Winners       []string         `json:"winners"`
	Shares        []int            `json:"shares"`
	Paused        bool             `json:"paused"`
	Refunded      []string         `json:"refunded"`
}

// Snapshot returns a deep copy of the account.
func (a *Account) Snapshot() Snapshot {
	snap := Snapshot{
		Status:        a.Status,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		UnitPrice:     a.UnitPrice,
		PerWalletCap:  a.PerWalletCap,
		SeedValue:     a.SeedValue,
		PoolValue:     a.PoolValue,
		GrossValue:    a.GrossValue,
		TotalUnits:    a.TotalUnits,
		PlatformFees:  a.PlatformFees,
		CreatorFees:   a.CreatorFees,
		RefundedValue: a.RefundedValue,
		Participants:  append([]string(nil), a.Participants...),
		Contributions: make(map[string]int64, len(a.Contributions)),
		Winners:       append([]string(nil), a.Winners...),
		Shares:        append([]int(nil), a.Shares...),
		Paused:        a.Paused,
		Refunded:      make([]string, 0, len(a.Refunded)),
	}
	for k, v := range a.Contributions {
		snap.Contributions[k] = v
	}
	for k := range a.Refunded {
		snap.Refunded = append(snap.Refunded, k)
	}
	sort.Strings(snap.Refunded)
	return snap
}

// Restore rebuilds an Account from a snapshot and re-checks its invariants.
func Restore(snap Snapshot) (*Account, error) {
	a := NewAccount(snap.StartTime, snap.EndTime, snap.UnitPrice, snap.PerWalletCap, snap.Shares)
	a.Status = snap.Status
	a.SeedValue = snap.SeedValue
	a.PoolValue = snap.PoolValue
	a.GrossValue = snap.GrossValue
	a.TotalUnits = snap.TotalUnits
	a.PlatformFees = snap.PlatformFees
	a.CreatorFees = snap.CreatorFees
	a.RefundedValue = snap.RefundedValue
	a.Participants = append(a.Participants, snap.Participants...)
	for k, v := range snap.Contributions {
		a.Contributions[k] = v
	}
	a.Winners = append(a.Winners, snap.Winners...)
	a.Paused = snap.Paused
	for _, k := range snap.Refunded {
		a.Refunded[k] = true
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
