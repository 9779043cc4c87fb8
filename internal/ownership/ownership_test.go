package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoPhaseTransfer(t *testing.T) {
	o, err := New("owner")
	require.NoError(t, err)

	assert.ErrorIs(t, o.Propose("mallory", "mallory"), ErrNotAuthorized)
	assert.ErrorIs(t, o.Propose("owner", "owner"), ErrInvalidOwner)
	assert.ErrorIs(t, o.Propose("owner", " "), ErrInvalidOwner)

	require.NoError(t, o.Propose("owner", "next"))
	assert.Equal(t, "next", o.Pending())
	assert.True(t, o.IsOwner("owner"))

	assert.ErrorIs(t, o.Accept("mallory"), ErrNotAuthorized)
	require.NoError(t, o.Accept("next"))
	assert.True(t, o.IsOwner("next"))
	assert.False(t, o.IsOwner("owner"))
	assert.Empty(t, o.Pending())

	assert.ErrorIs(t, o.Accept("next"), ErrNotAuthorized)
}

func TestRequire(t *testing.T) {
	o, err := New("owner")
	require.NoError(t, err)
	assert.NoError(t, Require(o, "owner"))
	assert.ErrorIs(t, Require(o, "bob"), ErrNotAuthorized)
	assert.ErrorIs(t, Require(o, ""), ErrNotAuthorized)

	_, err = New("")
	assert.Error(t, err)
}
