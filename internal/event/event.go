package event

import (
	"encoding/json"
	"time"
)

// SubjectKey is the composite key of the lease record an event is about.
type SubjectKey struct {
	PartitionKey string `json:"partitionKey"`
	SortKey      string `json:"sortKey"`
}

// Valid reports whether both key parts are present.
func (k *SubjectKey) Valid() bool {
	return k != nil && k.PartitionKey != "" && k.SortKey != ""
}

// Envelope is the validated, typed form of an inbound lifecycle event.
// It is immutable once built by the validator.
type Envelope struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	SubjectKey *SubjectKey    `json:"subjectKey,omitempty"`
	Detail     map[string]any `json:"detail"`

	// Raw is the original inbound document, kept verbatim for dead-lettering.
	Raw json.RawMessage `json:"-"`
}

// DetailString returns detail[key] when it is a non-empty string.
func (e *Envelope) DetailString(key string) string {
	if e == nil || e.Detail == nil {
		return ""
	}
	s, _ := e.Detail[key].(string)
	return s
}

// Status is the terminal status of one pipeline run.
type Status string

const (
	StatusSent             Status = "sent"
	StatusSkippedDuplicate Status = "skipped-duplicate"
	StatusFailed           Status = "failed"
)

// Channel identifies a notification destination.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelChat
}

// Outcome is the result of processing one event. It is what the idempotency
// guard persists and returns on replay.
type Outcome struct {
	EventID     string    `json:"eventId" msgpack:"event_id"`
	Channel     Channel   `json:"channel,omitempty" msgpack:"channel"`
	Status      Status    `json:"status" msgpack:"status"`
	ErrorKind   string    `json:"errorKind,omitempty" msgpack:"error_kind"`
	Enriched    bool      `json:"enriched" msgpack:"enriched"`
	Attempts    int       `json:"attempts,omitempty" msgpack:"attempts"`
	CompletedAt time.Time `json:"completedAt" msgpack:"completed_at"`

	// Cached holds the original outcome when Status is skipped-duplicate.
	Cached *Outcome `json:"cached,omitempty" msgpack:"-"`
}
