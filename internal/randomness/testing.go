package randomness

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// ManualSource records requests and lets the caller deliver values
// explicitly. Used by tests and by the HTTP oracle callback route.
type ManualSource struct {
	mu        sync.Mutex
	requests  []string
	consumers map[string]string
	next      int
	fail      error
}

// NewManualSource creates an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{consumers: make(map[string]string)}
}

// FailWith makes subsequent requests return err.
func (m *ManualSource) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *ManualSource) Request(_ context.Context, consumer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.next++
	id := fmt.Sprintf("req-%d", m.next)
	m.requests = append(m.requests, id)
	m.consumers[id] = consumer
	return id, nil
}

// Requests returns the ids filed so far.
func (m *ManualSource) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Last returns the most recent request id.
func (m *ManualSource) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	return m.requests[len(m.requests)-1]
}

// Deliver hands value to f for requestID.
func (m *ManualSource) Deliver(ctx context.Context, f Fulfiller, requestID string, value *big.Int) error {
	return f.Fulfill(ctx, requestID, value)
}
