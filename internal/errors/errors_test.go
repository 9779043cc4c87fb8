package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesWrappedCopies(t *testing.T) {
	sentinel := New(CodeCapExceeded, "per-wallet cap exceeded")
	wrapped := fmt.Errorf("buy tickets: %w", sentinel.WithDetails("cap", 100))

	assert.True(t, Is(wrapped, sentinel))
	assert.True(t, Is(wrapped, Kind(CodeCapExceeded)))
	assert.False(t, Is(wrapped, Kind(CodeNotOpen)))
	assert.False(t, Is(wrapped, New(CodeCapExceeded, "pool capacity exceeded")))
}

func TestCodeOfAndHTTPStatus(t *testing.T) {
	err := fmt.Errorf("refund: %w", New(CodeAlreadyRefunded, "already refunded"))
	assert.Equal(t, CodeAlreadyRefunded, CodeOf(err))
	assert.Equal(t, http.StatusConflict, GetServiceError(err).HTTPStatus)

	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.Nil(t, GetServiceError(fmt.Errorf("plain")))
}

func TestWrapfKeepsCode(t *testing.T) {
	base := New(CodeTransferFailed, "transfer failed")
	cause := fmt.Errorf("ledger offline")
	err := base.Wrapf(cause, "to %s", "alice")

	assert.Equal(t, "transfer failed: to alice: ledger offline", err.Error())
	assert.True(t, Is(err, Kind(CodeTransferFailed)))
	assert.True(t, Is(err, base))
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, base.Details)
}
