// Package randomness provides the two-phase randomness protocol used to draw
// raffle winners: a consumer files a request, the source later fulfills it
// exactly once with a uint256 value.
package randomness

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
)

var (
	ErrUnknownRequest   = svcerrors.New(svcerrors.CodeUnknownRequest, "unknown randomness request")
	ErrAlreadyFulfilled = svcerrors.New(svcerrors.CodeAlreadyFulfilled, "randomness request already fulfilled")
	ErrRequestExpired   = svcerrors.New(svcerrors.CodeUnknownRequest, "randomness request expired")
	ErrNoSource         = svcerrors.New(svcerrors.CodeInvalidConfiguration, "randomness source not configured")
	ErrInvalidValue     = svcerrors.New(svcerrors.CodeInvalidArgument, "randomness value must be a non-negative uint256")
)

// Source files randomness requests. The value arrives later through the
// Fulfiller registered for the consumer.
type Source interface {
	Request(ctx context.Context, consumer string) (string, error)
}

// Fulfiller receives randomness for a previously filed request.
type Fulfiller interface {
	Fulfill(ctx context.Context, requestID string, value *big.Int) error
}

// MaxValue is 2^256 - 1.
var MaxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ValidValue reports whether v fits a uint256.
func ValidValue(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(MaxValue) <= 0
}

// Pending describes an outstanding request.
type Pending struct {
	RequestID   string    `json:"request_id"`
	Subject     string    `json:"subject"`
	RequestedAt time.Time `json:"requested_at"`
}

// Tracker is the pending-request set. Every request resolves exactly once,
// either by fulfillment or by expiry.
type Tracker struct {
	mu       sync.Mutex
	pending  map[string]Pending
	resolved map[string]time.Time
	expired  map[string]time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending:  make(map[string]Pending),
		resolved: make(map[string]time.Time),
		expired:  make(map[string]time.Time),
	}
}

// Track records a new outstanding request for subject.
func (t *Tracker) Track(requestID, subject string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[requestID] = Pending{RequestID: requestID, Subject: subject, RequestedAt: at}
}

// Resolve removes requestID from the pending set and returns it.
func (t *Tracker) Resolve(requestID string, at time.Time) (Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.resolved[requestID]; done {
		return Pending{}, ErrAlreadyFulfilled.WithDetails("request_id", requestID)
	}
	if _, gone := t.expired[requestID]; gone {
		return Pending{}, ErrRequestExpired.WithDetails("request_id", requestID)
	}
	p, ok := t.pending[requestID]
	if !ok {
		return Pending{}, ErrUnknownRequest.WithDetails("request_id", requestID)
	}
	delete(t.pending, requestID)
	t.resolved[requestID] = at
	return p, nil
}

// Expire drops requestID from the pending set. A later Resolve fails with
// ErrRequestExpired.
func (t *Tracker) Expire(requestID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[requestID]; !ok {
		return ErrUnknownRequest.WithDetails("request_id", requestID)
	}
	delete(t.pending, requestID)
	t.expired[requestID] = at
	return nil
}

// Restore puts a resolved request back into the pending set. Used when the
// consumer rejected the fulfillment and the request must stay answerable.
func (t *Tracker) Restore(p Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resolved, p.RequestID)
	t.pending[p.RequestID] = p
}

// Lookup returns the pending entry for requestID.
func (t *Tracker) Lookup(requestID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[requestID]
	return p, ok
}

// Stale returns pending requests older than timeout, oldest first.
func (t *Tracker) Stale(now time.Time, timeout time.Duration) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Pending
	for _, p := range t.pending {
		if now.Sub(p.RequestedAt) >= timeout {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
