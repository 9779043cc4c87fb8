package randomness

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const (
	StatusPending   = "pending"
	StatusFulfilled = "fulfilled"
	StatusFailed    = "failed"
)

// Request is a request handled by the LocalSource.
type Request struct {
	RequestID   string    `json:"request_id"`
	Consumer    string    `json:"consumer"`
	Status      string    `json:"status"`
	Value       string    `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FulfilledAt time.Time `json:"fulfilled_at,omitempty"`
}

// LocalSource answers requests asynchronously from crypto/rand. It stands in
// for an external oracle when the daemon runs standalone.
type LocalSource struct {
	log       *logger.Logger
	fulfiller Fulfiller
	queue     chan *Request
	delay     time.Duration

	mu       sync.RWMutex
	requests map[string]*Request

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewLocalSource creates a source with the given queue size and fulfillment
// delay.
func NewLocalSource(log *logger.Logger, queueSize int, delay time.Duration) *LocalSource {
	if log == nil {
		log = logger.NewDefault("randomness")
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &LocalSource{
		log:      log,
		queue:    make(chan *Request, queueSize),
		delay:    delay,
		requests: make(map[string]*Request),
		stop:     make(chan struct{}),
	}
}

// WithFulfiller sets the callback that receives generated values.
func (s *LocalSource) WithFulfiller(f Fulfiller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fulfiller = f
}

// Request enqueues a new request.
func (s *LocalSource) Request(ctx context.Context, consumer string) (string, error) {
	req := &Request{
		RequestID: uuid.New().String(),
		Consumer:  consumer,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.requests[req.RequestID] = req
	s.mu.Unlock()

	select {
	case s.queue <- req:
		return req.RequestID, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.requests, req.RequestID)
		s.mu.Unlock()
		return "", ctx.Err()
	default:
		s.mu.Lock()
		delete(s.requests, req.RequestID)
		s.mu.Unlock()
		return "", fmt.Errorf("randomness queue full")
	}
}

// Get returns a copy of a request.
func (s *LocalSource) Get(requestID string) (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Start runs the fulfiller loop until ctx is done or Stop is called.
func (s *LocalSource) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRequestFulfiller(ctx)
	}()
}

// Stop halts the fulfiller loop and waits for it to exit.
func (s *LocalSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *LocalSource) runRequestFulfiller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case req := <-s.queue:
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				}
			}
			s.fulfillRequest(ctx, req)
		}
	}
}

func (s *LocalSource) fulfillRequest(ctx context.Context, req *Request) {
	value, err := generate(req.RequestID)
	if err != nil {
		s.markRequestFailed(ctx, req, fmt.Sprintf("generate: %v", err))
		return
	}

	s.mu.RLock()
	f := s.fulfiller
	s.mu.RUnlock()
	if f == nil {
		s.markRequestFailed(ctx, req, "no fulfiller registered")
		return
	}

	if err := f.Fulfill(ctx, req.RequestID, value); err != nil {
		s.markRequestFailed(ctx, req, fmt.Sprintf("fulfill: %v", err))
		return
	}

	s.mu.Lock()
	req.Status = StatusFulfilled
	req.Value = value.Text(16)
	req.FulfilledAt = time.Now()
	s.mu.Unlock()

	s.log.WithContext(ctx).WithFields(map[string]any{
		"request_id": req.RequestID,
		"consumer":   req.Consumer,
	}).Info("randomness fulfilled")
}

func (s *LocalSource) markRequestFailed(ctx context.Context, req *Request, errMsg string) {
	s.mu.Lock()
	req.Status = StatusFailed
	req.Error = errMsg
	s.mu.Unlock()

	s.log.WithContext(ctx).WithFields(map[string]any{
		"request_id": req.RequestID,
		"status":     StatusFailed,
	}).Warn(errMsg)
}

// generate draws 32 bytes from crypto/rand and binds them to the request id.
func generate(requestID string) (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(buf)
	h.Write([]byte(requestID))
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}
