// Package deadletter records events the pipeline could not deliver.
//
// Entries are written once and never mutated. A write failure is returned to
// the caller, which must not acknowledge the event.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/co-cddo/ndx-notify/internal/failure"
)

// Entry is one dead-lettered event.
type Entry struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	// OriginalEvent is the inbound document. Input that was not valid JSON
	// is kept as a JSON string.
	OriginalEvent  json.RawMessage `json:"originalEvent"`
	ErrorKind      string          `json:"errorKind"`
	ErrorMessage   string          `json:"errorMessage"`
	AttemptCount   int             `json:"attemptCount"`
	FirstFailureAt time.Time       `json:"firstFailureAt"`
	WrittenAt      time.Time       `json:"writtenAt"`
}

// NewEntry builds an entry for a failed run.
func NewEntry(raw []byte, eventID, eventType string, ferr *failure.Error, firstFailureAt time.Time) Entry {
	original := json.RawMessage(raw)
	if !json.Valid(raw) {
		original, _ = json.Marshal(string(raw))
	}
	e := Entry{
		ID:             uuid.NewString(),
		EventID:        eventID,
		EventType:      eventType,
		OriginalEvent:  original,
		AttemptCount:   1,
		FirstFailureAt: firstFailureAt.UTC(),
		WrittenAt:      time.Now().UTC(),
	}
	if ferr != nil {
		e.ErrorKind = ferr.Kind.String()
		e.ErrorMessage = ferr.Error()
		if ferr.Attempts > 0 {
			e.AttemptCount = ferr.Attempts
		}
	}
	return e
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// ErrSinkFull is returned by MemorySink when at capacity.
var ErrSinkFull = errors.New("deadletter: sink is full")

// MemorySink keeps entries in memory. It suits tests and local runs.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

// NewMemorySink creates a sink holding at most maxSize entries (zero means
// 10000).
func NewMemorySink(maxSize int) *MemorySink {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemorySink{maxSize: maxSize}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.maxSize {
		return ErrSinkFull
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of the stored entries in write order.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Sink = (*MemorySink)(nil)
