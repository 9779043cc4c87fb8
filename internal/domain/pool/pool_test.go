package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount() *Account {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewAccount(start, start.Add(72*time.Hour), 10, 100, []int{50, 30, 20})
}

func TestRecordKeepsLedgerConsistent(t *testing.T) {
	a := newTestAccount()
	a.Record(Contribution{Account: "alice", Units: 3, Gross: 30, Net: 27, PlatformFee: 2, CreatorFee: 1})
	a.Record(Contribution{Account: "bob", Units: 2, Gross: 20, Net: 18, PlatformFee: 1, CreatorFee: 1})
	a.Record(Contribution{Account: "alice", Units: 1, Gross: 10, Net: 9, PlatformFee: 1})

	assert.Equal(t, []string{"alice", "alice", "alice", "bob", "bob", "alice"}, a.Participants)
	assert.Equal(t, int64(4), a.UnitsOf("alice"))
	assert.Equal(t, int64(6), a.TotalUnits)
	assert.Equal(t, int64(54), a.PoolValue)
	assert.Equal(t, int64(60), a.GrossValue)
	require.NoError(t, a.Validate())
}

func TestTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusClosed, true},
		{StatusOpen, StatusCancelled, true},
		{StatusOpen, StatusFinished, true},
		{StatusClosed, StatusCancelled, true},
		{StatusFinished, StatusFinalized, true},
		{StatusClosed, StatusClosed, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusClosed, StatusOpen, false},
		{StatusCancelled, StatusOpen, false},
		{StatusFinalized, StatusOpen, false},
		{StatusFinished, StatusOpen, false},
		{StatusFinalized, StatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			a := newTestAccount()
			a.Status = tc.from
			err := a.Transition(tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, a.Status)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidStateTransition))
			assert.Equal(t, tc.from, a.Status)
		})
	}
}

func TestAssignWinnersOnce(t *testing.T) {
	a := newTestAccount()
	require.NoError(t, a.AssignWinners([]string{"alice", "bob"}))
	assert.ErrorIs(t, a.AssignWinners([]string{"carol"}), ErrWinnersAssigned)
	assert.Equal(t, []string{"alice", "bob"}, a.Winners)

	b := newTestAccount()
	assert.ErrorIs(t, b.AssignWinners([]string{"a", "b", "c", "d"}), ErrInvariantViolated)
}

func TestRefundSetIsAppendOnly(t *testing.T) {
	a := newTestAccount()
	require.NoError(t, a.MarkRefunded("alice", 40))
	assert.ErrorIs(t, a.MarkRefunded("alice", 40), ErrAlreadyRefunded)
	assert.Equal(t, int64(40), a.RefundedValue)
}

func TestSnapshotRoundTripIsDeep(t *testing.T) {
	a := newTestAccount()
	a.Record(Contribution{Account: "alice", Units: 2, Gross: 20, Net: 20})
	require.NoError(t, a.MarkRefunded("alice", 20))

	snap := a.Snapshot()
	snap.Participants[0] = "mallory"
	snap.Contributions["alice"] = 99
	assert.Equal(t, "alice", a.Participants[0])
	assert.Equal(t, int64(2), a.UnitsOf("alice"))

	restored, err := Restore(a.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, a.Snapshot(), restored.Snapshot())
}

func TestRestoreRejectsBrokenSnapshot(t *testing.T) {
	a := newTestAccount()
	a.Record(Contribution{Account: "alice", Units: 2, Gross: 20, Net: 20})
	snap := a.Snapshot()
	snap.Participants = snap.Participants[:1]

	_, err := Restore(snap)
	assert.ErrorIs(t, err, ErrInvariantViolated)
}
