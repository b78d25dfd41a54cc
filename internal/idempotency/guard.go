package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
)

// ErrInFlight reports that another run holds the claim and did not finish
// within the wait window.
var ErrInFlight = errors.New("idempotency: event is in flight in another run")

// Config tunes the guard.
type Config struct {
	// TTL is the retention window of a completed outcome.
	TTL time.Duration
	// InFlightTTL bounds how long a crashed run can block redeliveries.
	InFlightTTL time.Duration
	// Wait is how long Begin waits for a concurrent run to commit.
	Wait time.Duration
	// PollInterval is the re-check period while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		TTL:          time.Hour,
		InFlightTTL:  60 * time.Second,
		Wait:         2 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Decision is the result of Begin.
type Decision struct {
	// Proceed is true when this run owns the event and must deliver it.
	Proceed bool
	// Token identifies this run's claim for Commit and Release.
	Token string
	// Cached is the committed outcome when the event was already handled.
	Cached *event.Outcome
}

// Guard implements begin/commit over a Store. Store failures surface as
// TransientError so callers abort instead of risking a duplicate send.
type Guard struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewGuard creates a Guard. Zero config values fall back to DefaultConfig.
func NewGuard(store Store, cfg Config, logger *slog.Logger) *Guard {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = def.InFlightTTL
	}
	if cfg.Wait < 0 {
		cfg.Wait = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, cfg: cfg, logger: logger}
}

// Begin claims eventID. Exactly one concurrent caller gets Proceed; the
// others wait up to Config.Wait for it to commit and then return the cached
// outcome, or fail with a transient ErrInFlight.
func (g *Guard) Begin(ctx context.Context, eventID string) (Decision, error) {
	const op = "idempotency.begin"
	token := uuid.NewString()
	deadline := time.Now().Add(g.cfg.Wait)

	for {
		claimed, rec, err := g.store.Claim(ctx, eventID, token, g.cfg.InFlightTTL)
		if err != nil {
			return Decision{}, failure.Transient(op, err)
		}
		if claimed {
			return Decision{Proceed: true, Token: token}, nil
		}
		if rec != nil && rec.State == StateCompleted && rec.Outcome != nil {
			g.logger.Info("duplicate delivery, returning cached outcome",
				"event_id", eventID, "cached_status", rec.Outcome.Status)
			return Decision{Cached: rec.Outcome}, nil
		}

		if !time.Now().Before(deadline) {
			g.logger.Warn("event still in flight elsewhere, aborting attempt", "event_id", eventID)
			return Decision{}, failure.Transient(op, ErrInFlight)
		}
		select {
		case <-ctx.Done():
			return Decision{}, failure.Transient(op, ctx.Err())
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// Commit persists the terminal outcome for the retention window.
func (g *Guard) Commit(ctx context.Context, eventID string, outcome event.Outcome) error {
	if err := g.store.Complete(ctx, eventID, outcome, g.cfg.TTL); err != nil {
		return failure.Transient("idempotency.commit", err)
	}
	return nil
}

// Release drops this run's in-flight claim so a redelivery can proceed.
func (g *Guard) Release(ctx context.Context, eventID, token string) error {
	if err := g.store.Release(ctx, eventID, token); err != nil {
		return failure.Transient("idempotency.release", err)
	}
	return nil
}
