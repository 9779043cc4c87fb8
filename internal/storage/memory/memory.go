// Package memory is an in-process storage.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/escrow_pools/internal/domain/pool"
	"github.com/R3E-Network/escrow_pools/internal/storage"
)

// Store keeps records in maps guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	pools   map[string]storage.PoolRecord
	payouts map[string][]storage.PayoutRecord
	ledgers map[string]storage.LedgerRecord
}

var _ storage.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		pools:   make(map[string]storage.PoolRecord),
		payouts: make(map[string][]storage.PayoutRecord),
		ledgers: make(map[string]storage.LedgerRecord),
	}
}

func (s *Store) SavePool(_ context.Context, rec storage.PoolRecord) (storage.PoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.pools[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	s.pools[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetPool(_ context.Context, id string) (storage.PoolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pools[id]
	if !ok {
		return storage.PoolRecord{}, storage.ErrNotFound.WithDetails("id", id)
	}
	return rec, nil
}

func (s *Store) ListPools(_ context.Context, kind pool.Kind) ([]storage.PoolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.PoolRecord, 0, len(s.pools))
	for _, rec := range s.pools {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RecordPayout(_ context.Context, rec storage.PayoutRecord) (storage.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	s.payouts[rec.PoolID] = append(s.payouts[rec.PoolID], rec)
	return rec, nil
}

func (s *Store) ListPayouts(_ context.Context, poolID string) ([]storage.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.PayoutRecord(nil), s.payouts[poolID]...), nil
}

func (s *Store) SaveLedger(_ context.Context, rec storage.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ledgers[rec.Token]; ok && existing.Version >= rec.Version {
		return nil
	}
	rec.UpdatedAt = time.Now().UTC()
	rec.State = append([]byte(nil), rec.State...)
	s.ledgers[rec.Token] = rec
	return nil
}

func (s *Store) GetLedger(_ context.Context, token string) (storage.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ledgers[token]
	if !ok {
		return storage.LedgerRecord{}, storage.ErrNotFound.WithDetails("token", token)
	}
	return rec, nil
}
