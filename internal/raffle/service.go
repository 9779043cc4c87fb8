// Package raffle runs escrowed raffles: capped ticket sales into a shared
// escrow account, a time and quorum driven lifecycle, a two-phase randomness
// draw and a one-shot pro-rata payout.
package raffle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/pools"
	"github.com/R3E-Network/escrow_pools/internal/randomness"
	"github.com/R3E-Network/escrow_pools/internal/storage"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const (
	kind = string(pool.KindRaffle)

	// DefaultRandomnessTimeout is how long a draw may wait for its randomness
	// before the raffle can be cancelled.
	DefaultRandomnessTimeout = 24 * time.Hour

	registryID   = "raffle/registry"
	registryKind = pool.Kind("raffle_registry")
)

// Service owns the raffle registry. Raffles are keyed by an incrementing ID.
//
// Lock order: a raffle's mu, then s.mu. reqMu is never held while taking a
// raffle's mu.
type Service struct {
	mu sync.RWMutex

	owner     ownership.Capability
	ledger    ledger.Ledger
	escrow    string
	log       *logger.Logger
	source    randomness.Source
	tracker   *randomness.Tracker
	publisher events.Publisher
	store     storage.Store
	clock     func() time.Time
	timeout   time.Duration

	raffles  map[uint64]*Raffle
	nextID   uint64
	rollover int64

	// reqMu makes filing a request and tracking it atomic with respect to
	// resolving it, since a local source may answer before Request returns.
	reqMu sync.Mutex
}

var _ randomness.Fulfiller = (*Service)(nil)

// New creates a raffle service paying out of escrow through l. l must be
// bound to the escrow account.
func New(owner ownership.Capability, l ledger.Ledger, escrow string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("raffle")
	}
	return &Service{
		owner:     owner,
		ledger:    l,
		escrow:    escrow,
		log:       log,
		tracker:   randomness.NewTracker(),
		publisher: events.Discard{},
		clock:     time.Now,
		timeout:   DefaultRandomnessTimeout,
		raffles:   make(map[uint64]*Raffle),
	}
}

// WithRandomness sets the randomness source used by RequestWinners.
func (s *Service) WithRandomness(src randomness.Source) {
	s.source = src
}

// WithPublisher sets the event publisher.
func (s *Service) WithPublisher(p events.Publisher) {
	if p != nil {
		s.publisher = p
	}
}

// WithStore enables snapshot persistence and the payout journal.
func (s *Service) WithStore(store storage.Store) {
	s.store = store
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// WithRandomnessTimeout sets how long a request may stay unanswered.
func (s *Service) WithRandomnessTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Rollover returns the remainder waiting to seed the next raffle.
func (s *Service) Rollover() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollover
}

// PendingRequests returns the number of unanswered randomness requests.
func (s *Service) PendingRequests() int {
	return s.tracker.Len()
}

// Create opens a new raffle. Any rolled-over remainder becomes its seed value.
func (s *Service) Create(ctx context.Context, caller string, cfg Config) (snap Snapshot, err error) {
	defer s.observe("create", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return Snapshot{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}
	cfg.Shares = append([]int(nil), cfg.Shares...)

	now := s.clock()
	s.mu.Lock()
	id := s.nextID + 1
	r, err := newRaffle(id, cfg, now, s.rollover)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.nextID = id
	s.rollover = 0
	s.raffles[id] = r
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s.persist(ctx, r)
	s.persistRegistry(ctx)
	s.publish(ctx, events.Event{
		Type:   events.EventPoolCreated,
		Pool:   r.poolID(),
		Amount: r.acct.SeedValue,
		Status: string(r.acct.Status),
		Metadata: map[string]string{
			"end_time":   r.acct.EndTime.UTC().Format(time.RFC3339),
			"unit_price": fmt.Sprintf("%d", r.acct.UnitPrice),
		},
	})
	s.log.WithField("raffle_id", id).
		WithField("end_time", r.acct.EndTime).
		WithField("seed_value", r.acct.SeedValue).
		Info("raffle created")

	return r.snapshot(), nil
}

// Get returns the snapshot of raffle id.
func (s *Service) Get(_ context.Context, id uint64) (Snapshot, error) {
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// List returns every raffle ordered by ID.
func (s *Service) List(_ context.Context) []Snapshot {
	s.mu.RLock()
	raffles := make([]*Raffle, 0, len(s.raffles))
	for _, r := range s.raffles {
		raffles = append(raffles, r)
	}
	s.mu.RUnlock()

	sort.Slice(raffles, func(i, j int) bool { return raffles[i].id < raffles[j].id })
	out := make([]Snapshot, 0, len(raffles))
	for _, r := range raffles {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	return out
}

// Pause stops ticket sales on an open raffle.
func (s *Service) Pause(ctx context.Context, caller string, id uint64) (snap Snapshot, err error) {
	defer s.observe("pause", &err)
	return s.setPaused(ctx, caller, id, true)
}

// Unpause resumes ticket sales.
func (s *Service) Unpause(ctx context.Context, caller string, id uint64) (snap Snapshot, err error) {
	defer s.observe("unpause", &err)
	return s.setPaused(ctx, caller, id, false)
}

func (s *Service) setPaused(ctx context.Context, caller string, id uint64, paused bool) (Snapshot, error) {
	if err := ownership.Require(s.owner, caller); err != nil {
		return Snapshot{}, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acct.Status != pool.StatusOpen {
		return Snapshot{}, pools.ErrNotOpen.WithDetails("status", r.acct.Status)
	}
	if paused && r.acct.Paused {
		return Snapshot{}, ErrAlreadyPaused
	}
	if !paused && !r.acct.Paused {
		return Snapshot{}, ErrNotPaused
	}
	r.acct.Paused = paused

	evt := events.EventUnpaused
	if paused {
		evt = events.EventPaused
	}
	s.persist(ctx, r)
	s.publish(ctx, events.Event{Type: evt, Pool: r.poolID(), Account: caller})
	s.log.WithField("raffle_id", id).WithField("paused", paused).Info("raffle pause toggled")
	return r.snapshot(), nil
}

// Close moves an open raffle past its end time to CLOSED, or to CANCELLED
// when it ended below its minimum ticket count.
func (s *Service) Close(ctx context.Context, caller string, id uint64) (snap Snapshot, err error) {
	defer s.observe("close", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return Snapshot{}, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acct.Status != pool.StatusOpen {
		return Snapshot{}, pool.ErrInvalidStateTransition.
			WithDetails("from", r.acct.Status).WithDetails("to", pool.StatusClosed)
	}
	changed, err := s.advance(ctx, r)
	if err != nil {
		return Snapshot{}, err
	}
	if !changed {
		return Snapshot{}, pools.ErrStillRunning.WithDetails("end_time", r.acct.EndTime)
	}
	return r.snapshot(), nil
}

// Cancel cancels an open raffle that has not reached its quorum, or a closed
// raffle whose randomness request timed out. Refunds open afterwards.
func (s *Service) Cancel(ctx context.Context, caller string, id uint64) (snap Snapshot, err error) {
	defer s.observe("cancel", &err)

	if err := ownership.Require(s.owner, caller); err != nil {
		return Snapshot{}, err
	}
	r, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acct.Status == pool.StatusOpen {
		changed, err := s.advance(ctx, r)
		if err != nil {
			return Snapshot{}, err
		}
		if changed && r.acct.Status == pool.StatusCancelled {
			return r.snapshot(), nil
		}
	}

	switch r.acct.Status {
	case pool.StatusOpen:
		if err := pools.ForceCancel(r.acct, r.policy()); err != nil {
			return Snapshot{}, err
		}
		s.onTransition(ctx, r)
	case pool.StatusClosed:
		if r.requestID == "" || len(r.acct.Winners) > 0 {
			return Snapshot{}, pool.ErrInvalidStateTransition.
				WithDetails("from", r.acct.Status).WithDetails("to", pool.StatusCancelled)
		}
		if s.clock().Sub(r.requestedAt) < s.timeout {
			return Snapshot{}, ErrRandomnessNotStale.WithDetails("requested_at", r.requestedAt)
		}
		if err := s.expire(ctx, r); err != nil {
			return Snapshot{}, err
		}
	default:
		return Snapshot{}, pool.ErrInvalidStateTransition.
			WithDetails("from", r.acct.Status).WithDetails("to", pool.StatusCancelled)
	}
	return r.snapshot(), nil
}

// Sweep applies the time-based lifecycle to every open raffle and returns the
// number that changed status.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	raffles := make([]*Raffle, 0, len(s.raffles))
	for _, r := range s.raffles {
		raffles = append(raffles, r)
	}
	s.mu.RUnlock()

	changed := 0
	var errs []error
	for _, r := range raffles {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		r.mu.Lock()
		ok, err := s.advance(ctx, r)
		r.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("raffle %d: %w", r.id, err))
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// Restore reloads every persisted raffle and re-tracks outstanding
// randomness requests. It is a no-op without a store.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListPools(ctx, pool.KindRaffle)
	if err != nil {
		return fmt.Errorf("list raffles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		var snap Snapshot
		if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
			return fmt.Errorf("decode %s: %w", rec.ID, err)
		}
		r, err := restore(snap)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		s.raffles[r.id] = r
		if r.id > s.nextID {
			s.nextID = r.id
		}
		if r.requestID != "" && r.acct.Status == pool.StatusClosed && len(r.acct.Winners) == 0 {
			s.tracker.Track(r.requestID, r.poolID(), r.requestedAt)
		}
	}

	rec, err := s.store.GetPool(ctx, registryID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load raffle registry: %w", err)
	default:
		var reg registry
		if err := json.Unmarshal(rec.Snapshot, &reg); err != nil {
			return fmt.Errorf("decode raffle registry: %w", err)
		}
		if reg.NextID > s.nextID {
			s.nextID = reg.NextID
		}
		s.rollover = reg.Rollover
	}

	s.log.WithField("raffles", len(recs)).
		WithField("pending_requests", s.tracker.Len()).
		Info("raffles restored")
	return nil
}

type registry struct {
	NextID   uint64 `json:"next_id"`
	Rollover int64  `json:"rollover"`
}

func (s *Service) lookup(id uint64) (*Raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.raffles[id]
	if !ok {
		return nil, ErrRaffleNotFound.WithDetails("id", id)
	}
	return r, nil
}

// lookupSubject resolves a randomness subject back to its raffle.
func (s *Service) lookupSubject(subject string) (*Raffle, error) {
	var id uint64
	if _, err := fmt.Sscanf(strings.TrimPrefix(subject, "raffle/"), "%d", &id); err != nil {
		return nil, ErrRaffleNotFound.WithDetails("subject", subject)
	}
	return s.lookup(id)
}

// advance applies the lifecycle at the current time. r.mu must be held.
func (s *Service) advance(ctx context.Context, r *Raffle) (bool, error) {
	changed, err := pools.Advance(s.clock(), r.acct, r.policy())
	if err != nil || !changed {
		return false, err
	}
	s.onTransition(ctx, r)
	return true, nil
}

// onTransition records a status change that already happened. A cancelled
// raffle hands its seed back to the rollover.
func (s *Service) onTransition(ctx context.Context, r *Raffle) {
	status := r.acct.Status
	if status == pool.StatusCancelled && r.acct.SeedValue > 0 {
		s.mu.Lock()
		s.rollover += r.acct.SeedValue
		s.mu.Unlock()
		s.persistRegistry(ctx)
	}

	metrics.RecordTransition(kind, string(status))
	s.persist(ctx, r)
	s.publish(ctx, events.Event{
		Type:   events.EventStatusChanged,
		Pool:   r.poolID(),
		Units:  r.acct.TotalUnits,
		Amount: r.acct.PoolValue,
		Status: string(status),
	})
	s.log.WithField("raffle_id", r.id).
		WithField("status", status).
		WithField("total_units", r.acct.TotalUnits).
		Info("raffle status changed")
}

// persist saves r's snapshot. Failures are logged; the in-memory state stays
// authoritative. r.mu must be held.
func (s *Service) persist(ctx context.Context, r *Raffle) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(r.snapshot())
	if err != nil {
		s.log.WithError(err).WithField("raffle_id", r.id).Warn("encode raffle snapshot")
		return
	}
	if _, err := s.store.SavePool(ctx, storage.PoolRecord{
		ID:       r.poolID(),
		Kind:     pool.KindRaffle,
		Status:   r.acct.Status,
		Snapshot: data,
	}); err != nil {
		s.log.WithError(err).WithField("raffle_id", r.id).Warn("persist raffle snapshot")
	}
}

func (s *Service) persistRegistry(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.RLock()
	reg := registry{NextID: s.nextID, Rollover: s.rollover}
	s.mu.RUnlock()

	data, err := json.Marshal(reg)
	if err != nil {
		return
	}
	if _, err := s.store.SavePool(ctx, storage.PoolRecord{
		ID:       registryID,
		Kind:     registryKind,
		Status:   pool.StatusOpen,
		Snapshot: data,
	}); err != nil {
		s.log.WithError(err).Warn("persist raffle registry")
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("event", e.Type).Warn("publish event")
	}
}

// observe counts a failed operation by error code.
func (s *Service) observe(op string, errp *error) {
	if *errp != nil {
		metrics.RecordRejection(kind, op, string(svcerrors.CodeOf(*errp)))
	}
}

// ledgerErr keeps classified ledger errors and classifies the rest as
// transfer failures.
func ledgerErr(err error, format string, args ...interface{}) error {
	if svcerrors.GetServiceError(err) != nil {
		return err
	}
	return ledger.ErrTransferFailed.Wrapf(err, format, args...)
}
