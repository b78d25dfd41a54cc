package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/co-cddo/ndx-notify/internal/event"
)

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is a Store backed by a map. It suits single-instance
// deployments and tests. Expired entries are swept by a background loop.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryStore creates a store and starts its cleanup loop. A zero
// cleanupInterval defaults to five minutes.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &MemoryStore{
		entries:  make(map[string]memEntry),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop(cleanupInterval)
	return s
}

// SetClock replaces the store's time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, eventID, token string, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[eventID]; ok && now.Before(e.expiresAt) {
		rec := e.rec
		return false, &rec, nil
	}
	s.entries[eventID] = memEntry{
		rec:       Record{EventID: eventID, State: StateInFlight, Token: token, ClaimedAt: now},
		expiresAt: now.Add(ttl),
	}
	return true, nil, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, eventID string, outcome event.Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := Record{EventID: eventID, State: StateCompleted, ClaimedAt: now, Outcome: &outcome}
	if e, ok := s.entries[eventID]; ok {
		rec.ClaimedAt = e.rec.ClaimedAt
	}
	s.entries[eventID] = memEntry{rec: rec, expiresAt: now.Add(ttl)}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, eventID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[eventID]; ok && e.rec.State == StateInFlight && e.rec.Token == token {
		delete(s.entries, eventID)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, eventID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[eventID]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

// Size returns the number of stored entries, expired or not.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the cleanup loop. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
