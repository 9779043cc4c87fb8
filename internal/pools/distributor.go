package pools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
)

// PayoutKind labels a payout line.
type PayoutKind string

const (
	PayoutWinner      PayoutKind = "winner"
	PayoutPlatformFee PayoutKind = "platform_fee"
	PayoutCreatorFee  PayoutKind = "creator_fee"
	PayoutRemainder   PayoutKind = "remainder"
	PayoutCapital     PayoutKind = "capital"
)

// SinkKind is where the rounding remainder of a distribution goes.
type SinkKind string

const (
	SinkBurn     SinkKind = "burn"
	SinkOwner    SinkKind = "owner"
	SinkRollover SinkKind = "rollover"
)

// DefaultBurnAddress receives burned remainders when no address is set.
const DefaultBurnAddress = "0x000000000000000000000000000000000000dEaD"

var (
	ErrAlreadyDistributed = svcerrors.New(svcerrors.CodeAlreadyDistributed, "pool already distributed")
	ErrInvalidSink        = svcerrors.New(svcerrors.CodeInvalidConfiguration, "invalid remainder sink")
	ErrInvalidShares      = svcerrors.New(svcerrors.CodeInvalidConfiguration, "invalid share table")
	ErrPlanImbalanced     = svcerrors.New(svcerrors.CodeInternal, "distribution plan does not conserve pool value")
)

// Sink configures the remainder destination.
type Sink struct {
	Kind    SinkKind `json:"kind" yaml:"kind"`
	Address string   `json:"address,omitempty" yaml:"address"`
}

// Validate checks the sink kind and fills the default burn address.
func (s *Sink) Validate() error {
	switch s.Kind {
	case SinkBurn:
		if s.Address == "" {
			s.Address = DefaultBurnAddress
		}
	case SinkOwner, SinkRollover:
	case "":
		s.Kind = SinkBurn
		s.Address = DefaultBurnAddress
	default:
		return ErrInvalidSink.WithDetails("kind", s.Kind)
	}
	return nil
}

// ValidateShares checks a share table: 1..maxEntries positive percentages
// summing to 100.
func ValidateShares(shares []int, maxEntries int) error {
	if len(shares) == 0 || len(shares) > maxEntries {
		return ErrInvalidShares.WithDetails("entries", len(shares))
	}
	sum := 0
	for _, s := range shares {
		if s <= 0 {
			return ErrInvalidShares.WithDetails("share", s)
		}
		sum += s
	}
	if sum != 100 {
		return ErrInvalidShares.WithDetails("sum", sum)
	}
	return nil
}

// Payout is one transfer in a plan.
type Payout struct {
	Recipient string     `json:"recipient"`
	Kind      PayoutKind `json:"kind"`
	Amount    int64      `json:"amount"`
	Paid      bool       `json:"paid"`
}

// Plan is the full set of transfers that settles a pool.
type Plan struct {
	ID          string    `json:"id"`
	PoolValue   int64     `json:"pool_value"`
	WinnerTotal int64     `json:"winner_total"`
	Remainder   int64     `json:"remainder"`
	Sink        SinkKind  `json:"sink"`
	Rollover    int64     `json:"rollover"`
	Payouts     []Payout  `json:"payouts"`
	CreatedAt   time.Time `json:"created_at"`
}

// Outstanding returns the sum of unpaid payouts.
func (p *Plan) Outstanding() int64 {
	var total int64
	for _, po := range p.Payouts {
		if !po.Paid {
			total += po.Amount
		}
	}
	return total
}

// Settled reports whether every payout went out.
func (p *Plan) Settled() bool {
	return p.Outstanding() == 0
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Payouts = append([]Payout(nil), p.Payouts...)
	return &cp
}

// PlanInput describes what a plan must settle.
type PlanInput struct {
	PoolValue int64
	Winners   []string
	Shares    []int

	PlatformFee       int64
	PlatformRecipient string
	CreatorFee        int64
	CreatorRecipient  string

	Sink  Sink
	Owner string
}

// BuildPlan computes amount_i = floor(pool_value*shares[i]/100) for every
// winner and routes pool_value - sum(amount_i) to the sink. Unfilled share
// slots fall into the remainder.
func BuildPlan(in PlanInput) (*Plan, error) {
	if len(in.Winners) > len(in.Shares) {
		return nil, ErrInvalidShares.WithDetails("winners", len(in.Winners))
	}
	plan := &Plan{
		ID:        uuid.New().String(),
		PoolValue: in.PoolValue,
		Sink:      in.Sink.Kind,
		Payouts:   make([]Payout, 0, len(in.Winners)+3),
		CreatedAt: time.Now(),
	}

	for i, w := range in.Winners {
		amount, err := ledger.MulDiv(in.PoolValue, int64(in.Shares[i]), 100)
		if err != nil {
			return nil, err
		}
		plan.WinnerTotal += amount
		plan.add(w, PayoutWinner, amount)
	}
	plan.Remainder = in.PoolValue - plan.WinnerTotal
	if plan.Remainder < 0 || plan.WinnerTotal+plan.Remainder != in.PoolValue {
		return nil, ErrPlanImbalanced
	}

	switch in.Sink.Kind {
	case SinkBurn:
		addr := in.Sink.Address
		if addr == "" {
			addr = DefaultBurnAddress
		}
		plan.add(addr, PayoutRemainder, plan.Remainder)
	case SinkOwner:
		if in.Owner == "" {
			return nil, ErrInvalidSink.WithDetails("owner", "")
		}
		plan.add(in.Owner, PayoutRemainder, plan.Remainder)
	case SinkRollover:
		plan.Rollover = plan.Remainder
	default:
		return nil, ErrInvalidSink.WithDetails("kind", in.Sink.Kind)
	}

	plan.add(in.PlatformRecipient, PayoutPlatformFee, in.PlatformFee)
	plan.add(in.CreatorRecipient, PayoutCreatorFee, in.CreatorFee)
	return plan, nil
}

// BuildCapitalPlan settles a finished fundraise: the raised pool value goes
// to in.Owner and the fee accumulators to their recipients. There is no
// remainder.
func BuildCapitalPlan(in PlanInput) (*Plan, error) {
	if in.Owner == "" {
		return nil, ErrInvalidSink.WithDetails("owner", "")
	}
	plan := &Plan{
		ID:          uuid.New().String(),
		PoolValue:   in.PoolValue,
		WinnerTotal: in.PoolValue,
		Sink:        SinkOwner,
		Payouts:     make([]Payout, 0, 3),
		CreatedAt:   time.Now(),
	}
	plan.add(in.Owner, PayoutCapital, in.PoolValue)
	plan.add(in.PlatformRecipient, PayoutPlatformFee, in.PlatformFee)
	plan.add(in.CreatorRecipient, PayoutCreatorFee, in.CreatorFee)
	return plan, nil
}

// add appends a payout; zero amounts are dropped since the ledger rejects them.
func (p *Plan) add(recipient string, kind PayoutKind, amount int64) {
	if amount <= 0 {
		return
	}
	p.Payouts = append(p.Payouts, Payout{Recipient: recipient, Kind: kind, Amount: amount})
}

// Execute sends every unpaid payout from the escrow account. The escrow
// balance is checked against the whole outstanding amount first; a shortfall
// fails before anything moves. A failed transfer stops the run and leaves the
// remaining payouts unpaid so a later Execute can resume.
func Execute(ctx context.Context, l ledger.Ledger, escrow string, plan *Plan) error {
	outstanding := plan.Outstanding()
	if outstanding == 0 {
		return nil
	}
	balance, err := l.BalanceOf(ctx, escrow)
	if err != nil {
		return ledger.ErrTransferFailed.Wrapf(err, "escrow balance")
	}
	if balance < outstanding {
		return ledger.ErrInsufficientBalance.Wrapf(
			fmt.Errorf("available %d, required %d", balance, outstanding), "escrow %s", escrow)
	}

	for i := range plan.Payouts {
		po := &plan.Payouts[i]
		if po.Paid {
			continue
		}
		if err := l.Transfer(ctx, po.Recipient, po.Amount); err != nil {
			return ledger.ErrTransferFailed.Wrapf(err, "%s payout to %s", po.Kind, po.Recipient)
		}
		po.Paid = true
	}
	return nil
}
