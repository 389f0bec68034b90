// Package memory holds process-local stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

// CallRecordStore keeps records in a map guarded by one mutex, which makes every
// compare-and-set trivially atomic.
type CallRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.CallRecord
	// seq preserves insertion order for "latest" lookups when timestamps tie.
	seq   map[uuid.UUID]int
	count int
}

// NewCallRecordStore returns an empty store.
func NewCallRecordStore() *CallRecordStore {
	return &CallRecordStore{
		records: make(map[uuid.UUID]*domain.CallRecord),
		seq:     make(map[uuid.UUID]int),
	}
}

var _ repository.CallRecordStore = (*CallRecordStore)(nil)

func (s *CallRecordStore) CreateOriginal(_ context.Context, rec *domain.CallRecord) error {
	if err := repository.ValidateOriginal(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("memory store: create original %s: %w", rec.ID, repository.ErrConflict)
	}
	for _, r := range s.records {
		if r.Key() != rec.Key() {
			continue
		}
		if r.Pending() || (!r.IsRetry && r.LocalDay == rec.LocalDay) {
			return fmt.Errorf("memory store: create original for %s: %w", rec.UserID, repository.ErrConflict)
		}
	}
	s.insertLocked(rec)
	return nil
}

func (s *CallRecordStore) HasOriginal(_ context.Context, key domain.Key, localDay string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Key() == key && !r.IsRetry && r.LocalDay == localDay {
			return true, nil
		}
	}
	return false, nil
}

func (s *CallRecordStore) Escalate(_ context.Context, priorID uuid.UUID, retry *domain.CallRecord, now time.Time) error {
	if err := repository.ValidateRetry(retry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.records[priorID]
	if !ok {
		return fmt.Errorf("memory store: escalate %s: %w", priorID, repository.ErrNotFound)
	}
	if !prior.Pending() {
		return fmt.Errorf("memory store: escalate %s: %w", priorID, repository.ErrConflict)
	}
	for id, r := range s.records {
		if id != priorID && r.Key() == prior.Key() && r.Pending() {
			return fmt.Errorf("memory store: escalate %s: %w", priorID, repository.ErrConflict)
		}
	}

	prior.Status = domain.CallStatusMissed
	prior.UpdatedAt = now
	s.insertLocked(retry)
	return nil
}

func (s *CallRecordStore) Close(_ context.Context, id uuid.UUID, status domain.CallStatus, now time.Time) error {
	if !repository.IsTerminal(status) {
		return fmt.Errorf("memory store: close %s with %q: not a terminal status", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("memory store: close %s: %w", id, repository.ErrNotFound)
	}
	if !r.Pending() {
		return fmt.Errorf("memory store: close %s: %w", id, repository.ErrConflict)
	}
	r.Status = status
	r.UpdatedAt = now
	return nil
}

func (s *CallRecordStore) ListTimedOut(_ context.Context, now time.Time, limit int) ([]domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CallRecord
	for _, r := range s.records {
		if r.TimedOut(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimeoutAt.Equal(*out[j].TimeoutAt) {
			return out[i].TimeoutAt.Before(*out[j].TimeoutAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CallRecordStore) Acknowledge(_ context.Context, q repository.AckQuery, now time.Time) (*repository.AckOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *domain.CallRecord
	if q.CallID != nil {
		r, ok := s.records[*q.CallID]
		if ok && !r.Acknowledged && (q.Key.UserID == "" || r.UserID == q.Key.UserID) {
			target = r
		}
	} else {
		for _, r := range s.records {
			if r.Acknowledged || r.Key() != q.Key {
				continue
			}
			if target == nil || s.seq[r.ID] > s.seq[target.ID] {
				target = r
			}
		}
	}
	if target == nil {
		return nil, repository.ErrNotFound
	}

	root := target.ChainRootID()
	acked := 0
	for _, r := range s.records {
		if r.Acknowledged || r.Key() != target.Key() || r.ChainRootID() != root {
			continue
		}
		at := repository.AckTime(*r, now)
		r.Acknowledged = true
		r.AcknowledgedAt = &at
		r.UpdatedAt = now
		acked++
	}
	return &repository.AckOutcome{Record: *target, ChainAcknowledged: acked}, nil
}

func (s *CallRecordStore) Get(_ context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *CallRecordStore) LatestOpenForUser(_ context.Context, key domain.Key) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.CallRecord
	for _, r := range s.records {
		if r.Key() == key && r.Pending() && (latest == nil || s.seq[r.ID] > s.seq[latest.ID]) {
			latest = r
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *CallRecordStore) ListByUser(_ context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every record in insertion order.
func (s *CallRecordStore) All() []domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

func (s *CallRecordStore) insertLocked(rec *domain.CallRecord) {
	cp := *rec
	s.records[rec.ID] = &cp
	s.count++
	s.seq[rec.ID] = s.count
}
