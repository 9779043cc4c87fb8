package raffle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/pools"
)

const (
	// MaxShares bounds the share table, and so the number of winners.
	MaxShares = 10
	// MinUnitsFactor times the per-wallet cap is the quorum a raffle must
	// reach by its end time.
	MinUnitsFactor = 10
)

// Config is the owner-supplied configuration of one raffle.
type Config struct {
	DurationDays int               `json:"duration_days"`
	UnitPrice    int64             `json:"unit_price"`
	Decimals     uint8             `json:"decimals"`
	PerWalletCap int64             `json:"per_wallet_cap"`
	Shares       []int             `json:"shares"`
	Fees         pools.FeeSchedule `json:"fees"`
	Sink         pools.Sink        `json:"sink"`
}

// Validate checks the configuration and fills the default sink.
func (c *Config) Validate() error {
	if c.DurationDays <= 0 {
		return ErrInvalidConfig.WithDetails("duration_days", c.DurationDays)
	}
	if c.UnitPrice <= 0 {
		return ErrInvalidConfig.WithDetails("unit_price", c.UnitPrice)
	}
	if c.PerWalletCap <= 0 || c.PerWalletCap > pools.MaxPerWalletCap {
		return ErrInvalidConfig.WithDetails("per_wallet_cap", c.PerWalletCap)
	}
	if err := pools.ValidateShares(c.Shares, MaxShares); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	return c.Sink.Validate()
}

var (
	ErrInvalidConfig      = svcerrors.New(svcerrors.CodeInvalidConfiguration, "invalid raffle configuration")
	ErrInvalidCaller      = svcerrors.New(svcerrors.CodeInvalidArgument, "caller is required")
	ErrRaffleNotFound     = svcerrors.New(svcerrors.CodeNotFound, "raffle not found")
	ErrNotClosed          = svcerrors.New(svcerrors.CodeInvalidStateTransition, "raffle is not closed")
	ErrRandomnessPending  = svcerrors.New(svcerrors.CodeInvalidStateTransition, "randomness already requested")
	ErrWinnersNotDrawn    = svcerrors.New(svcerrors.CodeInvalidStateTransition, "winners not drawn")
	ErrNotDistributed     = svcerrors.New(svcerrors.CodeInvalidStateTransition, "raffle not distributed")
	ErrRandomnessNotStale = svcerrors.New(svcerrors.CodeInvalidStateTransition, "randomness request has not timed out")
	ErrAlreadyPaused      = svcerrors.New(svcerrors.CodeInvalidStateTransition, "raffle already paused")
	ErrNotPaused          = svcerrors.New(svcerrors.CodeInvalidStateTransition, "raffle not paused")
)

// Raffle is one raffle instance. Every field is guarded by mu.
type Raffle struct {
	mu sync.Mutex

	id        uint64
	cfg       Config
	acct      *pool.Account
	split     pools.UnitSplit
	minUnits  int64
	createdAt time.Time

	requestID   string
	requestedAt time.Time
	seed        *big.Int

	plan        *pools.Plan
	distributed bool
}

func (r *Raffle) poolID() string {
	return poolID(r.id)
}

func poolID(id uint64) string {
	return fmt.Sprintf("raffle/%d", id)
}

func (r *Raffle) policy() pools.Policy {
	return pools.RafflePolicy{MinUnits: r.minUnits}
}

// Snapshot is the full read-only view of a raffle.
type Snapshot struct {
	ID     uint64 `json:"id"`
	Config Config `json:"config"`
	pool.Snapshot
	MinUnits    int64           `json:"min_units"`
	UnitSplit   pools.UnitSplit `json:"unit_split"`
	RequestID   string          `json:"request_id,omitempty"`
	RequestedAt time.Time       `json:"requested_at,omitempty"`
	Seed        string          `json:"seed,omitempty"`
	Plan        *pools.Plan     `json:"plan,omitempty"`
	Distributed bool            `json:"distributed"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *Raffle) snapshot() Snapshot {
	snap := Snapshot{
		ID:          r.id,
		Config:      r.cfg,
		Snapshot:    r.acct.Snapshot(),
		MinUnits:    r.minUnits,
		UnitSplit:   r.split,
		RequestID:   r.requestID,
		RequestedAt: r.requestedAt,
		Plan:        r.plan.Clone(),
		Distributed: r.distributed,
		CreatedAt:   r.createdAt,
	}
	snap.Config.Shares = append([]int(nil), r.cfg.Shares...)
	if r.seed != nil {
		snap.Seed = r.seed.String()
	}
	return snap
}

// restore rebuilds a Raffle from its snapshot.
func restore(snap Snapshot) (*Raffle, error) {
	acct, err := pool.Restore(snap.Snapshot)
	if err != nil {
		return nil, err
	}
	r := &Raffle{
		id:          snap.ID,
		cfg:         snap.Config,
		acct:        acct,
		split:       snap.UnitSplit,
		minUnits:    snap.MinUnits,
		createdAt:   snap.CreatedAt,
		requestID:   snap.RequestID,
		requestedAt: snap.RequestedAt,
		plan:        snap.Plan.Clone(),
		distributed: snap.Distributed,
	}
	if snap.Seed != "" {
		seed, ok := new(big.Int).SetString(snap.Seed, 10)
		if !ok {
			return nil, fmt.Errorf("raffle %d: invalid seed %q", snap.ID, snap.Seed)
		}
		r.seed = seed
	}
	return r, nil
}

// newRaffle derives the per-raffle constants from cfg.
func newRaffle(id uint64, cfg Config, now time.Time, seedValue int64) (*Raffle, error) {
	price, err := ledger.Scale(cfg.UnitPrice, cfg.Decimals)
	if err != nil {
		return nil, err
	}
	split, err := cfg.Fees.Split(price)
	if err != nil {
		return nil, err
	}
	minUnits, err := ledger.Mul(cfg.PerWalletCap, MinUnitsFactor)
	if err != nil {
		return nil, err
	}
	end := now.Add(time.Duration(cfg.DurationDays) * 24 * time.Hour)
	acct := pool.NewAccount(now, end, price, cfg.PerWalletCap, cfg.Shares)
	acct.SeedValue = seedValue
	acct.PoolValue = seedValue

	return &Raffle{
		id:        id,
		cfg:       cfg,
		acct:      acct,
		split:     split,
		minUnits:  minUnits,
		createdAt: now,
	}, nil
}
