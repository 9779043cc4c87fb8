package fundraise

import (
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

const (
	// DefaultYieldPeriod is the accrual period when none is configured.
	DefaultYieldPeriod = 30 * 24 * time.Hour
	// MaxAPY bounds the annual yield rate, in percent.
	MaxAPY = 100

	year = 365 * 24 * time.Hour
)

// Config is the project owner's configuration of one fundraise. Goal and
// UnitSize are in whole tokens and scaled by Decimals.
type Config struct {
	Name         string            `json:"name"`
	DurationDays int               `json:"duration_days"`
	Goal         int64             `json:"goal"`
	UnitSize     int64             `json:"unit_size"`
	Decimals     uint8             `json:"decimals"`
	PerWalletCap int64             `json:"per_wallet_cap"`
	APY          int64             `json:"apy"`
	YieldPeriod  time.Duration     `json:"yield_period"`
	Fees         pools.FeeSchedule `json:"fees"`
}

func (c *Config) Validate() error {
	if c.DurationDays <= 0 {
		return ErrInvalidConfig.WithDetails("duration_days", c.DurationDays)
	}
	if c.Goal <= 0 {
		return ErrInvalidConfig.WithDetails("goal", c.Goal)
	}
	if c.UnitSize <= 0 || c.UnitSize > c.Goal {
		return ErrInvalidConfig.WithDetails("unit_size", c.UnitSize)
	}
	if c.PerWalletCap <= 0 || c.PerWalletCap > pools.MaxPerWalletCap {
		return ErrInvalidConfig.WithDetails("per_wallet_cap", c.PerWalletCap)
	}
	if c.APY < 0 || c.APY > MaxAPY {
		return ErrInvalidConfig.WithDetails("apy", c.APY)
	}
	if c.YieldPeriod == 0 {
		c.YieldPeriod = DefaultYieldPeriod
	}
	if c.YieldPeriod < 0 {
		return ErrInvalidConfig.WithDetails("yield_period", c.YieldPeriod)
	}
	return c.Fees.Validate()
}

var (
	ErrInvalidConfig    = svcerrors.New(svcerrors.CodeInvalidConfiguration, "invalid fundraise configuration")
	ErrInvalidCaller    = svcerrors.New(svcerrors.CodeInvalidArgument, "caller is required")
	ErrNotFound         = svcerrors.New(svcerrors.CodeNotFound, "fundraise not found")
	ErrNotFinished      = svcerrors.New(svcerrors.CodeInvalidStateTransition, "fundraise has not reached its goal")
	ErrNotFinalized     = svcerrors.New(svcerrors.CodeInvalidStateTransition, "fundraise is not finalized")
	ErrAlreadyClaimed   = svcerrors.New(svcerrors.CodeAlreadyClaimed, "yield for the current period already claimed")
	ErrNothingToClaim   = svcerrors.New(svcerrors.CodeNothingToClaim, "no yield to claim")
	ErrAlreadyPaused    = svcerrors.New(svcerrors.CodeInvalidStateTransition, "fundraise already paused")
	ErrNotPaused        = svcerrors.New(svcerrors.CodeInvalidStateTransition, "fundraise not paused")
	ErrNoAllowanceCheck = svcerrors.New(svcerrors.CodeInvalidConfiguration, "ledger cannot report allowances")
)

// Fundraise is one crowdfunding vehicle. It holds its funds in its own ledger
// account. Every field is guarded by mu.
type Fundraise struct {
	mu sync.Mutex

	id      string
	account string
	owner   *ownership.Ownable
	ledger  ledger.Ledger
	cfg     Config

	acct    *pool.Account
	split   pools.UnitSplit
	goal    int64
	softCap int64

	createdAt   time.Time
	finalizedAt time.Time
	plan        *pools.Plan

	lastClaim map[string]time.Time
	claimed   map[string]int64
	yieldPaid int64
}

func (f *Fundraise) poolID() string {
	return poolID(f.id)
}

func poolID(id string) string {
	return "fundraise/" + id
}

func (f *Fundraise) policy() pools.Policy {
	return pools.FundraisePolicy{Goal: f.goal, SoftCap: f.softCap}
}

// Snapshot is the full read-only view of a fundraise.
type Snapshot struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Owner   string `json:"owner"`
	Config  Config `json:"config"`
	pool.Snapshot
	Goal        int64                `json:"goal_value"`
	SoftCap     int64                `json:"soft_cap"`
	UnitSplit   pools.UnitSplit      `json:"unit_split"`
	FinalizedAt time.Time            `json:"finalized_at"`
	Plan        *pools.Plan          `json:"plan,omitempty"`
	LastClaims  map[string]time.Time `json:"last_claims"`
	Claimed     map[string]int64     `json:"claimed"`
	YieldPaid   int64                `json:"yield_paid"`
	CreatedAt   time.Time            `json:"created_at"`
}

func (f *Fundraise) snapshot() Snapshot {
	snap := Snapshot{
		ID:          f.id,
		Account:     f.account,
		Owner:       f.owner.Owner(),
		Config:      f.cfg,
		Snapshot:    f.acct.Snapshot(),
		Goal:        f.goal,
		SoftCap:     f.softCap,
		UnitSplit:   f.split,
		FinalizedAt: f.finalizedAt,
		Plan:        f.plan.Clone(),
		LastClaims:  make(map[string]time.Time, len(f.lastClaim)),
		Claimed:     make(map[string]int64, len(f.claimed)),
		YieldPaid:   f.yieldPaid,
		CreatedAt:   f.createdAt,
	}
	for k, v := range f.lastClaim {
		snap.LastClaims[k] = v
	}
	for k, v := range f.claimed {
		snap.Claimed[k] = v
	}
	return snap
}

// newFundraise derives the scaled constants from cfg.
func newFundraise(id, owner string, cfg Config, now time.Time, binder ledger.Binder) (*Fundraise, error) {
	own, err := ownership.New(owner)
	if err != nil {
		return nil, err
	}
	goal, err := ledger.Scale(cfg.Goal, cfg.Decimals)
	if err != nil {
		return nil, err
	}
	price, err := ledger.Scale(cfg.UnitSize, cfg.Decimals)
	if err != nil {
		return nil, err
	}
	split, err := cfg.Fees.Split(price)
	if err != nil {
		return nil, err
	}
	if split.Net <= 0 {
		return nil, ErrInvalidConfig.WithDetails("net_unit", split.Net)
	}
	// The goal is reached exactly, so it must be a whole number of net units.
	if goal%split.Net != 0 {
		return nil, ErrInvalidConfig.WithDetails("goal", goal).WithDetails("net_unit", split.Net)
	}
	account := "fundraise:" + id
	end := now.Add(time.Duration(cfg.DurationDays) * 24 * time.Hour)

	return &Fundraise{
		id:        id,
		account:   account,
		owner:     own,
		ledger:    binder.Bind(account),
		cfg:       cfg,
		acct:      pool.NewAccount(now, end, price, cfg.PerWalletCap, nil),
		split:     split,
		goal:      goal,
		softCap:   goal / 2,
		createdAt: now,
		lastClaim: make(map[string]time.Time),
		claimed:   make(map[string]int64),
	}, nil
}

// restore rebuilds a Fundraise from its snapshot.
func restore(snap Snapshot, binder ledger.Binder) (*Fundraise, error) {
	acct, err := pool.Restore(snap.Snapshot)
	if err != nil {
		return nil, err
	}
	own, err := ownership.New(snap.Owner)
	if err != nil {
		return nil, fmt.Errorf("fundraise %s: %w", snap.ID, err)
	}
	f := &Fundraise{
		id:          snap.ID,
		account:     snap.Account,
		owner:       own,
		ledger:      binder.Bind(snap.Account),
		cfg:         snap.Config,
		acct:        acct,
		split:       snap.UnitSplit,
		goal:        snap.Goal,
		softCap:     snap.SoftCap,
		createdAt:   snap.CreatedAt,
		finalizedAt: snap.FinalizedAt,
		plan:        snap.Plan.Clone(),
		lastClaim:   make(map[string]time.Time, len(snap.LastClaims)),
		claimed:     make(map[string]int64, len(snap.Claimed)),
		yieldPaid:   snap.YieldPaid,
	}
	for k, v := range snap.LastClaims {
		f.lastClaim[k] = v
	}
	for k, v := range snap.Claimed {
		f.claimed[k] = v
	}
	return f, nil
}
