// Package idempotency makes event processing exactly-once in effect across
// at-least-once delivery.
//
// A run claims the event id with an in-flight marker before sending and
// commits the outcome afterwards. A redelivery of a committed event gets the
// cached outcome back instead of sending again.
package idempotency

import (
	"context"
	"time"

	"github.com/co-cddo/ndx-notify/internal/event"
)

// State is the lifecycle state of a stored record.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// Record is what a Store keeps per event id.
type Record struct {
	EventID   string         `msgpack:"event_id"`
	State     State          `msgpack:"state"`
	Token     string         `msgpack:"token"`
	ClaimedAt time.Time      `msgpack:"claimed_at"`
	Outcome   *event.Outcome `msgpack:"outcome,omitempty"`
}

// Store is a key-value store with per-entry TTL.
type Store interface {
	// Claim atomically creates an in-flight record for eventID if no live
	// record exists. When one does, it returns claimed=false and that record.
	// The existing record may be nil if it expired between checks.
	Claim(ctx context.Context, eventID, token string, ttl time.Duration) (claimed bool, existing *Record, err error)

	// Complete stores the terminal outcome, replacing any in-flight marker.
	Complete(ctx context.Context, eventID string, outcome event.Outcome, ttl time.Duration) error

	// Release deletes the in-flight marker for eventID if it still carries
	// token. Completed records and other claimants' markers are untouched.
	Release(ctx context.Context, eventID, token string) error

	// Get returns the live record for eventID, or nil if none.
	Get(ctx context.Context, eventID string) (*Record, error)
}
