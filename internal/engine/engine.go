// Package engine runs lifecycle events through the notification pipeline:
// validate, deduplicate, enrich, resolve the template, send, and commit the
// outcome or dead-letter the event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/co-cddo/ndx-notify/internal/metrics"
)

// ErrQueueFull is returned when the event queue has no room.
var ErrQueueFull = errors.New("event queue full")

// Config sizes the engine.
type Config struct {
	// Workers caps concurrent pipeline runs.
	Workers    int
	QueueDepth int
	// EnqueueTimeout is how long ProcessSync waits for queue room. Zero
	// rejects at once when the queue is full.
	EnqueueTimeout time.Duration
	// WaitTimeout bounds how long ProcessSync waits for a result.
	WaitTimeout time.Duration
	// AsyncRedeliveries is how often an aborted async event is run again
	// before it is dead-lettered.
	AsyncRedeliveries int
	// RedeliveryBackoff is the first wait between async redeliveries.
	RedeliveryBackoff time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Workers:           10,
		QueueDepth:        1000,
		WaitTimeout:       DefaultRunTimeout + 2*defaultFinishTimeout,
		AsyncRedeliveries: 3,
		RedeliveryBackoff: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.AsyncRedeliveries < 0 {
		c.AsyncRedeliveries = 0
	}
	if c.RedeliveryBackoff <= 0 {
		c.RedeliveryBackoff = def.RedeliveryBackoff
	}
	return c
}

type reply struct {
	res *Result
	err error
}

type eventWork struct {
	raw     []byte
	resultC chan reply
}

// Engine feeds events to a Processor through a bounded worker pool.
type Engine struct {
	proc   *Processor
	pool   *workerPool[*eventWork, *Result]
	conf   Config
	logger *slog.Logger
}

// New creates an Engine and starts its workers. Workers stop when ctx is
// cancelled or Shutdown drains them.
func New(ctx context.Context, proc *Processor, conf Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{proc: proc, conf: conf.withDefaults(), logger: logger}
	e.pool = newWorkerPool[*eventWork, *Result](
		ctx,
		e.conf.Workers,
		e.conf.QueueDepth,
		func(ctx context.Context, w *eventWork) (*Result, error) {
			if w.resultC != nil {
				res, err := e.proc.Process(ctx, w.raw)
				w.resultC <- reply{res, err}
				return res, err
			}
			return e.processAsync(ctx, w.raw)
		},
	)
	return e
}

// ProcessSync runs an event and waits for its result. A non-nil error
// means the event was not acknowledged: the queue was full, the wait timed
// out, or the run aborted and the caller should redeliver.
func (e *Engine) ProcessSync(ctx context.Context, raw []byte) (*Result, error) {
	w := &eventWork{raw: raw, resultC: make(chan reply, 1)}
	if !e.submit(ctx, w) {
		metrics.EventsDropped.Inc()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, e.pool.QueueCap())
	}
	metrics.EventsEnqueued.Inc()
	e.QueueUtilization()

	timer := time.NewTimer(e.conf.WaitTimeout)
	defer timer.Stop()
	select {
	case rep := <-w.resultC:
		return rep.res, rep.err
	case <-timer.C:
		return nil, fmt.Errorf("event processing timeout after %v", e.conf.WaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessAsync enqueues an event for background processing. Returns false
// if the queue is full. Aborted async runs are redelivered by the engine and
// dead-lettered once redeliveries run out.
func (e *Engine) ProcessAsync(raw []byte) bool {
	if !e.pool.Submit(&eventWork{raw: raw}) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	e.QueueUtilization()
	return true
}

// QueueUtilization returns queue used / capacity (0–1) and publishes it.
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	u := float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
	metrics.QueueUtilization.Set(u)
	return u
}

// Shutdown stops accepting events and waits for queued ones to finish.
func (e *Engine) Shutdown() {
	e.pool.Drain()
}

func (e *Engine) submit(ctx context.Context, w *eventWork) bool {
	if e.conf.EnqueueTimeout <= 0 {
		return e.pool.Submit(w)
	}
	ctx, cancel := context.WithTimeout(ctx, e.conf.EnqueueTimeout)
	defer cancel()
	return e.pool.SubmitWait(ctx, w)
}

// processAsync acts as the redelivering trigger for events accepted without
// a caller waiting on them.
func (e *Engine) processAsync(ctx context.Context, raw []byte) (*Result, error) {
	var (
		res          *Result
		runs         int
		firstFailure time.Time
	)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.conf.RedeliveryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.conf.AsyncRedeliveries)), ctx)

	err := backoff.RetryNotify(func() error {
		runs++
		var err error
		res, err = e.proc.Process(ctx, raw)
		if err != nil && firstFailure.IsZero() {
			firstFailure = time.Now()
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.logger.Warn("async run aborted, redelivering", "runs", runs, "retry_in", wait, "err", err)
	})
	if err != nil {
		if aerr := e.proc.Abandon(ctx, raw, err, runs, firstFailure); aerr != nil {
			return res, aerr
		}
	}
	return res, err
}
