// Package channel delivers flat notification payloads to the email and chat
// services.
//
// Every attempt passes through the channel's circuit breaker, runs under its
// own timeout, and is classified. Transient failures are retried with
// exponential backoff up to the attempt budget; anything else stops at once.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/metrics"
	"github.com/co-cddo/ndx-notify/internal/template"
)

// Message is one notification ready to send.
type Message struct {
	EventID    string
	EventType  string
	Descriptor template.Descriptor
	Fields     map[string]string
}

// Result describes an accepted send.
type Result struct {
	Attempts int
	// ProviderID is the downstream notification id, when one is returned.
	ProviderID string
}

// Sender delivers messages on one channel.
type Sender interface {
	Channel() event.Channel
	Send(ctx context.Context, msg Message) (Result, error)
}

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	// Timeout applies to each attempt.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the production policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Timeout <= 0 || p.Timeout > def.Timeout {
		p.Timeout = def.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// base carries what both senders share.
type base struct {
	channel event.Channel
	breaker *Breaker
	policy  RetryPolicy
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a sender.
type Option func(*base)

// WithHTTPClient sets the HTTP client. Its own Timeout should be zero;
// attempts are bounded by the retry policy.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.client = c }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(b *base) { b.policy = p }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(br *Breaker) Option {
	return func(b *base) { b.breaker = br }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l }
}

func newBase(ch event.Channel, opts []Option) base {
	b := base{channel: ch, policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&b)
	}
	b.policy = b.policy.withDefaults()
	if b.client == nil {
		b.client = &http.Client{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.breaker == nil {
		b.breaker = NewBreaker(0, 0)
	}
	return b
}

// MetricsBreaker returns a breaker that reports its state on the
// circuit_state gauge for ch.
func MetricsBreaker(ch event.Channel, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	gauge := metrics.CircuitState.WithLabelValues(string(ch))
	gauge.Set(float64(StateClosed))
	opts = append(opts, WithStateChange(func(s State) { gauge.Set(float64(s)) }))
	return NewBreaker(threshold, cooldown, opts...)
}

// deliver runs attempt under the breaker and retry policy and records the
// channel metrics. It returns the attempt count and a classified error.
func (b *base) deliver(ctx context.Context, op string, msg Message, attempt func(ctx context.Context) error) (int, error) {
	attempts := 0
	call := func() error {
		// A rejection spends retry budget but is not an attempt and does
		// not feed the breaker. The next retry may land after the cooldown.
		if err := b.breaker.Allow(); err != nil {
			return failure.CircuitOpen(op, err)
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, b.policy.Timeout)
		defer cancel()
		err := attempt(actx)
		if err == nil {
			b.breaker.Success()
			return nil
		}

		fe := failure.Classify(op, err)
		b.breaker.Failure(fe.Kind == failure.KindTransient)
		if !fe.Kind.Retryable() {
			return backoff.Permanent(fe)
		}
		return fe
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.policy.InitialBackoff
	eb.MaxInterval = b.policy.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.policy.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(call, policy, func(err error, wait time.Duration) {
		b.logger.Warn("channel send failed, retrying",
			"channel", b.channel, "event_id", msg.EventID, "attempt", attempts,
			"retry_in", wait, "err", err)
	})
	if err == nil {
		metrics.NotificationSuccess.WithLabelValues(string(b.channel)).Inc()
		return attempts, nil
	}

	fe := failure.As(op, err)
	fe.Attempts = attempts
	metrics.NotificationFailure.WithLabelValues(string(b.channel), fe.Kind.String()).Inc()
	return attempts, fe
}

// reject records a failure that happened before any attempt.
func (b *base) reject(fe *failure.Error) error {
	metrics.NotificationFailure.WithLabelValues(string(b.channel), fe.Kind.String()).Inc()
	return fe
}

// Registry maps channels to senders. Register is for startup only.
type Registry struct {
	mu      sync.RWMutex
	senders map[event.Channel]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[event.Channel]Sender)}
}

// Register adds a sender. Panics on a duplicate channel to surface
// misconfiguration early.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[s.Channel()]; exists {
		panic(fmt.Sprintf("channel registry: duplicate channel %q", s.Channel()))
	}
	r.senders[s.Channel()] = s
}

// Get returns the sender for ch. A missing sender is a PermanentError.
func (r *Registry) Get(ch event.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	if !ok {
		return nil, failure.Permanent("channel.lookup", fmt.Errorf("no sender registered for channel %q", ch))
	}
	return s, nil
}

// Channels returns the registered channels.
func (r *Registry) Channels() []event.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.Channel, 0, len(r.senders))
	for k := range r.senders {
		out = append(out, k)
	}
	return out
}
