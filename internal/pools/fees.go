package pools

import (
	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
)

// MaxFeePercent bounds each fee component.
const MaxFeePercent = 30

var ErrInvalidFees = svcerrors.New(svcerrors.CodeInvalidConfiguration, "invalid fee schedule")

// FeeSchedule carves platform and creator fees out of every unit sold.
type FeeSchedule struct {
	PlatformPercent   int64  `json:"platform_percent" yaml:"platform_percent"`
	CreatorPercent    int64  `json:"creator_percent" yaml:"creator_percent"`
	PlatformRecipient string `json:"platform_recipient,omitempty" yaml:"platform_recipient"`
	CreatorRecipient  string `json:"creator_recipient,omitempty" yaml:"creator_recipient"`
}

func (f FeeSchedule) Validate() error {
	if f.PlatformPercent < 0 || f.PlatformPercent > MaxFeePercent {
		return ErrInvalidFees.WithDetails("platform_percent", f.PlatformPercent)
	}
	if f.CreatorPercent < 0 || f.CreatorPercent > MaxFeePercent {
		return ErrInvalidFees.WithDetails("creator_percent", f.CreatorPercent)
	}
	if f.PlatformPercent > 0 && f.PlatformRecipient == "" {
		return ErrInvalidFees.WithDetails("platform_recipient", "")
	}
	if f.CreatorPercent > 0 && f.CreatorRecipient == "" {
		return ErrInvalidFees.WithDetails("creator_recipient", "")
	}
	return nil
}

// UnitSplit is the breakdown of one unit's price.
type UnitSplit struct {
	Gross    int64 `json:"gross"`
	Platform int64 `json:"platform"`
	Creator  int64 `json:"creator"`
	Net      int64 `json:"net"`
}

// Split computes the per-unit fee carve-out. Fees round down so the net
// share absorbs rounding. A configured fee that rounds to zero on one unit is
// rejected, since it would never be collected.
func (f FeeSchedule) Split(unitPrice int64) (UnitSplit, error) {
	platform, err := ledger.MulDiv(unitPrice, f.PlatformPercent, 100)
	if err != nil {
		return UnitSplit{}, err
	}
	if f.PlatformPercent > 0 && platform == 0 {
		return UnitSplit{}, ErrInvalidFees.WithDetails("platform_percent", f.PlatformPercent).WithDetails("unit_price", unitPrice)
	}
	creator, err := ledger.MulDiv(unitPrice, f.CreatorPercent, 100)
	if err != nil {
		return UnitSplit{}, err
	}
	if f.CreatorPercent > 0 && creator == 0 {
		return UnitSplit{}, ErrInvalidFees.WithDetails("creator_percent", f.CreatorPercent).WithDetails("unit_price", unitPrice)
	}
	return UnitSplit{
		Gross:    unitPrice,
		Platform: platform,
		Creator:  creator,
		Net:      unitPrice - platform - creator,
	}, nil
}

// Contribution scales the split to units bought by account.
func (u UnitSplit) Contribution(account string, units int64) (pool.Contribution, error) {
	gross, err := ledger.Mul(u.Gross, units)
	if err != nil {
		return pool.Contribution{}, err
	}
	return pool.Contribution{
		Account:     account,
		Units:       units,
		Gross:       gross,
		Net:         u.Net * units,
		PlatformFee: u.Platform * units,
		CreatorFee:  u.Creator * units,
	}, nil
}
