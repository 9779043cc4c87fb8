// Package fundraise runs crowdfunding vehicles: capped share sales towards a
// goal, owner finalization that releases the capital, refunds for failed
// raises and owner-backed yield accrued per period after finalization.
package fundraise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	svcerrors "github.com/R3E-Network/escrow_pools/internal/errors"
	"github.com/R3E-Network/escrow_pools/internal/events"
	"github.com/R3E-Network/escrow_pools/internal/ledger"
	"github.com/R3E-Network/escrow_pools/internal/metrics"
	"github.com/R3E-Network/escrow_pools/internal/ownership"
	"github.com/R3E-Network/escrow_pools/internal/pools"
	"github.com/R3E-Network/escrow_pools/internal/storage"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

const kind = string(pool.KindFundraise)

// Service is the fundraise registry. Each fundraise gets its own ledger
// account from the binder.
//
// Lock order: a fundraise's mu, then s.mu.
type Service struct {
	mu sync.RWMutex

	admin     ownership.Capability
	binder    ledger.Binder
	log       *logger.Logger
	publisher events.Publisher
	store     storage.Store
	clock     func() time.Time

	funds map[string]*Fundraise
}

// New creates a fundraise service. admin may pause and cancel any fundraise
// alongside its project owner; it may be nil.
func New(admin ownership.Capability, binder ledger.Binder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("fundraise")
	}
	return &Service{
		admin:     admin,
		binder:    binder,
		log:       log,
		publisher: events.Discard{},
		clock:     time.Now,
		funds:     make(map[string]*Fundraise),
	}
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

// Create opens a fundraise owned by caller.
func (s *Service) Create(ctx context.Context, caller string, cfg Config) (snap Snapshot, err error) {
	defer s.observe("create", &err)

	if caller == "" {
		return Snapshot{}, ErrInvalidCaller
	}
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}

	f, err := newFundraise(uuid.New().String(), caller, cfg, s.clock(), s.binder)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	s.funds[f.id] = f
	s.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	s.persist(ctx, f)
	s.publish(ctx, events.Event{
		Type:    events.EventPoolCreated,
		Pool:    f.poolID(),
		Account: caller,
		Amount:  f.goal,
		Status:  string(f.acct.Status),
		Metadata: map[string]string{
			"name":     cfg.Name,
			"end_time": f.acct.EndTime.UTC().Format(time.RFC3339),
		},
	})
	s.log.WithField("fundraise_id", f.id).
		WithField("owner", caller).
		WithField("goal", f.goal).
		Info("fundraise created")

	return f.snapshot(), nil
}

// Get returns the snapshot of fundraise id.
func (s *Service) Get(_ context.Context, id string) (Snapshot, error) {
	f, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(), nil
}

// List returns every fundraise, oldest first.
func (s *Service) List(_ context.Context) []Snapshot {
	s.mu.RLock()
	funds := make([]*Fundraise, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, f)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(funds))
	for _, f := range funds {
		f.mu.Lock()
		out = append(out, f.snapshot())
		f.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pause stops investments.
func (s *Service) Pause(ctx context.Context, caller, id string) (snap Snapshot, err error) {
	defer s.observe("pause", &err)
	return s.setPaused(ctx, caller, id, true)
}

// Unpause resumes investments.
func (s *Service) Unpause(ctx context.Context, caller, id string) (snap Snapshot, err error) {
	defer s.observe("unpause", &err)
	return s.setPaused(ctx, caller, id, false)
}

func (s *Service) setPaused(ctx context.Context, caller, id string, paused bool) (Snapshot, error) {
	f, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := s.authorize(f, caller); err != nil {
		return Snapshot{}, err
	}
	if f.acct.Status != pool.StatusOpen {
		return Snapshot{}, pools.ErrNotOpen.WithDetails("status", f.acct.Status)
	}
	if paused && f.acct.Paused {
		return Snapshot{}, ErrAlreadyPaused
	}
	if !paused && !f.acct.Paused {
		return Snapshot{}, ErrNotPaused
	}
	f.acct.Paused = paused

	evt := events.EventUnpaused
	if paused {
		evt = events.EventPaused
	}
	s.persist(ctx, f)
	s.publish(ctx, events.Event{Type: evt, Pool: f.poolID(), Account: caller})
	return f.snapshot(), nil
}

// Cancel cancels an open fundraise that has not reached its soft cap.
func (s *Service) Cancel(ctx context.Context, caller, id string) (snap Snapshot, err error) {
	defer s.observe("cancel", &err)

	f, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := s.authorize(f, caller); err != nil {
		return Snapshot{}, err
	}
	if f.acct.Status == pool.StatusOpen {
		changed, err := s.advance(ctx, f)
		if err != nil {
			return Snapshot{}, err
		}
		if changed && f.acct.Status == pool.StatusCancelled {
			return f.snapshot(), nil
		}
	}
	if err := pools.ForceCancel(f.acct, f.policy()); err != nil {
		return Snapshot{}, err
	}
	s.onTransition(ctx, f)
	return f.snapshot(), nil
}

// Sweep applies the time-based lifecycle to every fundraise and returns the
// number that changed status.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	funds := make([]*Fundraise, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, f)
	}
	s.mu.RUnlock()

	changed := 0
	var errs []error
	for _, f := range funds {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		f.mu.Lock()
		ok, err := s.advance(ctx, f)
		f.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("fundraise %s: %w", f.id, err))
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// Restore reloads every persisted fundraise. It is a no-op without a store.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListPools(ctx, pool.KindFundraise)
	if err != nil {
		return fmt.Errorf("list fundraises: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		var snap Snapshot
		if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
			return fmt.Errorf("decode %s: %w", rec.ID, err)
		}
		f, err := restore(snap, s.binder)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		s.funds[f.id] = f
	}
	s.log.WithField("fundraises", len(recs)).Info("fundraises restored")
	return nil
}

func (s *Service) lookup(id string) (*Fundraise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funds[id]
	if !ok {
		return nil, ErrNotFound.WithDetails("id", id)
	}
	return f, nil
}

// authorize admits the project owner and the platform admin.
func (s *Service) authorize(f *Fundraise, caller string) error {
	if s.admin != nil && s.admin.IsOwner(caller) {
		return nil
	}
	return ownership.Require(f.owner, caller)
}

// advance applies the lifecycle at the current time. f.mu must be held.
func (s *Service) advance(ctx context.Context, f *Fundraise) (bool, error) {
	changed, err := pools.Advance(s.clock(), f.acct, f.policy())
	if err != nil || !changed {
		return false, err
	}
	s.onTransition(ctx, f)
	return true, nil
}

func (s *Service) onTransition(ctx context.Context, f *Fundraise) {
	status := f.acct.Status
	metrics.RecordTransition(kind, string(status))
	s.persist(ctx, f)
	s.publish(ctx, events.Event{
		Type:   events.EventStatusChanged,
		Pool:   f.poolID(),
		Units:  f.acct.TotalUnits,
		Amount: f.acct.PoolValue,
		Status: string(status),
	})
	s.log.WithField("fundraise_id", f.id).
		WithField("status", status).
		WithField("pool_value", f.acct.PoolValue).
		Info("fundraise status changed")
}

// persist saves f's snapshot. f.mu must be held.
func (s *Service) persist(ctx context.Context, f *Fundraise) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(f.snapshot())
	if err != nil {
		s.log.WithError(err).WithField("fundraise_id", f.id).Warn("encode fundraise snapshot")
		return
	}
	if _, err := s.store.SavePool(ctx, storage.PoolRecord{
		ID:       f.poolID(),
		Kind:     pool.KindFundraise,
		Status:   f.acct.Status,
		Snapshot: data,
	}); err != nil {
		s.log.WithError(err).WithField("fundraise_id", f.id).Warn("persist fundraise snapshot")
	}
}

// journal appends a completed transfer to the payout store.
func (s *Service) journal(ctx context.Context, f *Fundraise, recipient, payoutKind string, amount int64) {
	metrics.RecordPayout(kind, payoutKind, amount)
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordPayout(ctx, storage.PayoutRecord{
		PoolID:    f.poolID(),
		Recipient: recipient,
		Kind:      payoutKind,
		Amount:    amount,
	}); err != nil {
		s.log.WithError(err).WithField("fundraise_id", f.id).Warn("journal payout")
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("event", e.Type).Warn("publish event")
	}
}

func (s *Service) observe(op string, errp *error) {
	if *errp != nil {
		metrics.RecordRejection(kind, op, string(svcerrors.CodeOf(*errp)))
	}
}

func ledgerErr(err error, format string, args ...interface{}) error {
	if svcerrors.GetServiceError(err) != nil {
		return err
	}
	return ledger.ErrTransferFailed.Wrapf(err, format, args...)
}
