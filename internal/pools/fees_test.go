package pools

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/ledger"
)

func TestFeeScheduleValidate(t *testing.T) {
	assert.NoError(t, FeeSchedule{}.Validate())
	assert.NoError(t, FeeSchedule{PlatformPercent: 30, PlatformRecipient: "p", CreatorPercent: 30, CreatorRecipient: "c"}.Validate())
	assert.ErrorIs(t, FeeSchedule{PlatformPercent: 31, PlatformRecipient: "p"}.Validate(), ErrInvalidFees)
	assert.ErrorIs(t, FeeSchedule{CreatorPercent: -1}.Validate(), ErrInvalidFees)
	assert.ErrorIs(t, FeeSchedule{CreatorPercent: 5}.Validate(), ErrInvalidFees)
}

func TestSplitConservesGross(t *testing.T) {
	f := FeeSchedule{PlatformPercent: 5, CreatorPercent: 3, PlatformRecipient: "p", CreatorRecipient: "c"}
	split, err := f.Split(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, UnitSplit{Gross: 1_000_000, Platform: 50_000, Creator: 30_000, Net: 920_000}, split)

	odd, err := f.Split(99)
	require.NoError(t, err)
	assert.Equal(t, odd.Gross, odd.Platform+odd.Creator+odd.Net)

	c, err := split.Contribution("alice", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), c.Gross)
	assert.Equal(t, c.Gross, c.Net+c.PlatformFee+c.CreatorFee)

	_, err = UnitSplit{Gross: math.MaxInt64}.Contribution("alice", 2)
	assert.ErrorIs(t, err, ledger.ErrOverflow)
}

func TestSplitRejectsFeeBelowOneUnit(t *testing.T) {
	_, err := FeeSchedule{PlatformPercent: 3, PlatformRecipient: "p"}.Split(10)
	assert.ErrorIs(t, err, ErrInvalidFees)

	_, err = FeeSchedule{CreatorPercent: 9, CreatorRecipient: "c"}.Split(10)
	assert.ErrorIs(t, err, ErrInvalidFees)

	split, err := FeeSchedule{PlatformPercent: 3, PlatformRecipient: "p"}.Split(10_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), split.Platform)

	split, err = FeeSchedule{}.Split(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), split.Net)
}
