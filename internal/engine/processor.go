package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/co-cddo/ndx-notify/internal/channel"
	"github.com/co-cddo/ndx-notify/internal/deadletter"
	"github.com/co-cddo/ndx-notify/internal/enrich"
	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/idempotency"
	"github.com/co-cddo/ndx-notify/internal/metrics"
	"github.com/co-cddo/ndx-notify/internal/template"
	"github.com/co-cddo/ndx-notify/internal/validate"
)

// Stage is a step of the per-event state machine.
type Stage string

const (
	StageValidating    Stage = "validating"
	StageDeduplicating Stage = "deduplicating"
	StageEnriching     Stage = "enriching"
	StageResolving     Stage = "resolving"
	StageSending       Stage = "sending"
	StageCommitting    Stage = "committing"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// Status label for runs that end without a terminal outcome.
const statusAborted = "aborted"

var (
	// ErrOwnershipMismatch reports a lease record owned by someone other
	// than the event's user.
	ErrOwnershipMismatch = errors.New("lease record belongs to a different user")
	// ErrRunTimeout reports that the run budget ran out.
	ErrRunTimeout = errors.New("run budget exceeded")
)

// Defaults.
const (
	DefaultRunTimeout    = 30 * time.Second
	defaultFinishTimeout = 5 * time.Second
)

// Result is the outcome of one pipeline run.
type Result struct {
	Outcome          event.Outcome `json:"outcome"`
	Stage            Stage         `json:"stage"`
	EnrichmentStatus string        `json:"enrichmentStatus,omitempty"`
	DurationMs       int64         `json:"durationMs"`
	Error            string        `json:"error,omitempty"`
}

// Deps are the pipeline components.
type Deps struct {
	Validator  *validate.Validator
	Guard      *idempotency.Guard
	Enricher   *enrich.Engine
	Templates  *template.Registry
	Channels   *channel.Registry
	DeadLetter deadletter.Sink
}

// Processor runs events through the pipeline one at a time per call. It is
// safe for concurrent use.
type Processor struct {
	deps          Deps
	runTimeout    time.Duration
	finishTimeout time.Duration
	spans         spans
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithRunTimeout sets the overall budget per run.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Processor) { p.runTimeout = d }
}

// WithFinishTimeout bounds the dead-letter write, commit and release that
// follow a run. They run detached from the run budget.
func WithFinishTimeout(d time.Duration) Option {
	return func(p *Processor) { p.finishTimeout = d }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.spans = newSpans(tp) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, opts ...Option) *Processor {
	p := &Processor{
		deps:          deps,
		runTimeout:    DefaultRunTimeout,
		finishTimeout: defaultFinishTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.spans.tracer == nil {
		p.spans = newSpans(nil)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.runTimeout <= 0 {
		p.runTimeout = DefaultRunTimeout
	}
	if p.finishTimeout <= 0 {
		p.finishTimeout = defaultFinishTimeout
	}
	return p
}

// Process runs raw through the pipeline.
//
// A nil error means the run reached a terminal outcome (sent,
// skipped-duplicate, or failed and dead-lettered) and the event may be
// acknowledged. A non-nil error is always a TransientError: nothing was
// committed and the event must be redelivered.
func (p *Processor) Process(ctx context.Context, raw []byte) (*Result, error) {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()
	ctx, span := p.spans.startRun(ctx)

	r := &run{p: p, raw: raw, log: p.logger}
	res, err := r.execute(ctx)
	res.DurationMs = time.Since(start).Milliseconds()

	status := string(res.Outcome.Status)
	if err != nil {
		status = statusAborted
		res.Error = err.Error()
	}
	metrics.EventsProcessed.WithLabelValues(status).Inc()
	metrics.EventProcessingDuration.Observe(float64(res.DurationMs))

	span.SetAttributes(
		attribute.String("notify.event_id", res.Outcome.EventID),
		attribute.String("notify.status", status),
	)
	if err == nil && res.Outcome.Status == event.StatusFailed {
		endSpan(span, errors.New("event dead-lettered: "+res.Outcome.ErrorKind))
	} else {
		endSpan(span, err)
	}
	return res, err
}

// run carries the state of one pipeline run.
type run struct {
	p     *Processor
	raw   []byte
	env   *event.Envelope
	token string
	res   Result
	log   *slog.Logger
}

// stage runs fn inside a stage span.
func (r *run) stage(ctx context.Context, s Stage, fn func(ctx context.Context) error) error {
	r.res.Stage = s
	r.log.Debug("stage started", "stage", s)
	ctx, span := r.p.spans.startStage(ctx, s)
	err := fn(ctx)
	endSpan(span, err)
	return err
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	p := r.p

	err := r.stage(ctx, StageValidating, func(ctx context.Context) error {
		env, err := p.deps.Validator.Validate(r.raw)
		r.env = env
		return err
	})
	if err != nil {
		r.res.Outcome.EventID, _ = peek(r.raw)
		return r.fail(ctx, err)
	}
	r.res.Outcome.EventID = r.env.ID
	r.log = r.log.With("event_id", r.env.ID, "event_type", r.env.Type)

	var dec idempotency.Decision
	err = r.stage(ctx, StageDeduplicating, func(ctx context.Context) error {
		var err error
		dec, err = p.deps.Guard.Begin(ctx, r.env.ID)
		return err
	})
	if err != nil {
		return r.abort(ctx, err)
	}
	if !dec.Proceed {
		return r.duplicate(dec.Cached), nil
	}
	r.token = dec.Token

	var enriched enrich.Result
	err = r.stage(ctx, StageEnriching, func(ctx context.Context) error {
		enriched = p.deps.Enricher.Enrich(ctx, r.env)
		if !enriched.Record.OwnedBy(r.env.DetailString("userEmail")) {
			return failure.Security("engine.ownership", ErrOwnershipMismatch)
		}
		return nil
	})
	r.res.EnrichmentStatus = enriched.Status
	r.res.Outcome.Enriched = enriched.Enriched
	r.log.Info("enrichment finished",
		"enrichmentStatus", enriched.Status,
		"enrichmentDurationMs", enriched.Duration.Milliseconds(),
		"enriched", enriched.Enriched)
	if err != nil {
		return r.fail(ctx, err)
	}
	if ctx.Err() != nil {
		return r.abort(ctx, ErrRunTimeout)
	}

	var (
		desc   template.Descriptor
		sender channel.Sender
	)
	err = r.stage(ctx, StageResolving, func(context.Context) error {
		d, err := p.deps.Templates.Resolve(r.env.Type)
		if err != nil {
			return err
		}
		r.res.Outcome.Channel = d.Channel
		if err := template.CheckRequired(d, enriched.Fields); err != nil {
			return err
		}
		s, err := p.deps.Channels.Get(d.Channel)
		if err != nil {
			return err
		}
		desc, sender = d, s
		return nil
	})
	if err != nil {
		return r.fail(ctx, err)
	}

	var sent channel.Result
	err = r.stage(ctx, StageSending, func(ctx context.Context) error {
		var err error
		sent, err = r.send(ctx, sender, channel.Message{
			EventID:    r.env.ID,
			EventType:  r.env.Type,
			Descriptor: desc,
			Fields:     enriched.Fields,
		})
		return err
	})
	r.res.Outcome.Attempts = sent.Attempts
	if err != nil {
		if errors.Is(err, ErrRunTimeout) {
			return r.abort(ctx, err)
		}
		return r.fail(ctx, err)
	}

	r.res.Outcome.Status = event.StatusSent
	r.commit(ctx)
	r.res.Stage = StageDone
	r.log.Info("notification sent",
		"channel", desc.Channel, "template_ref", desc.TemplateRef, "attempts", sent.Attempts)
	return &r.res, nil
}

// send calls the sender and stops waiting when the run budget runs out.
// The in-flight call is not cancelled; it may still complete downstream.
func (r *run) send(ctx context.Context, s channel.Sender, msg channel.Message) (channel.Result, error) {
	type reply struct {
		res channel.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := s.Send(context.WithoutCancel(ctx), msg)
		done <- reply{res, err}
	}()

	select {
	case rep := <-done:
		return rep.res, rep.err
	case <-ctx.Done():
		r.log.Warn("run budget exceeded while a send was in flight; the channel may still deliver",
			"channel", s.Channel())
		return channel.Result{}, failure.Transient("engine.send", ErrRunTimeout)
	}
}

// duplicate finishes a replayed event without any channel call.
func (r *run) duplicate(cached *event.Outcome) *Result {
	r.res.Stage = StageDone
	r.res.Outcome.Status = event.StatusSkippedDuplicate
	r.res.Outcome.CompletedAt = r.p.now().UTC()
	if cached != nil {
		r.res.Outcome.Channel = cached.Channel
		r.res.Outcome.Enriched = cached.Enriched
		r.res.Outcome.Cached = cached
	}
	r.log.Info("duplicate delivery skipped")
	return &r.res
}

// fail dead-letters the event and commits a failed outcome. If the
// dead-letter write fails the run aborts instead, so the event is
// redelivered rather than lost.
func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	failedAt := r.p.now()
	fe := failure.As("engine."+string(r.res.Stage), err)

	attrs := []any{"stage", r.res.Stage, "error_kind", fe.Kind.String(), "err", fe}
	if fe.Kind.Alarm() {
		metrics.Alarms.WithLabelValues(fe.Kind.String()).Inc()
		r.log.Error("event failed", append(attrs, "alarm", true)...)
	} else {
		r.log.Warn("event failed", attrs...)
	}

	eventID, eventType := r.res.Outcome.EventID, ""
	if r.env != nil {
		eventType = r.env.Type
	} else {
		_, eventType = peek(r.raw)
	}
	entry := deadletter.NewEntry(r.raw, eventID, eventType, fe, failedAt)

	fctx, cancel := r.finishContext(ctx)
	defer cancel()
	werr := r.stage(fctx, StageFailed, func(ctx context.Context) error {
		return r.p.deps.DeadLetter.Write(ctx, entry)
	})
	if werr != nil {
		r.log.Error("dead-letter write failed", "error_kind", fe.Kind.String(), "err", werr)
		return r.abort(ctx, failure.Transient("engine.dead_letter", werr))
	}
	metrics.DeadLettered.WithLabelValues(fe.Kind.String()).Inc()
	r.log.Info("event dead-lettered", "dead_letter_id", entry.ID, "error_kind", fe.Kind.String())

	r.res.Outcome.Status = event.StatusFailed
	r.res.Outcome.ErrorKind = fe.Kind.String()
	if fe.Attempts > 0 {
		r.res.Outcome.Attempts = fe.Attempts
	}
	r.res.Error = fe.Error()
	r.commit(ctx)
	r.res.Stage = StageFailed
	return &r.res, nil
}

// abort releases the claim and reports a transient error. Nothing is
// committed, so a redelivery runs the pipeline again.
func (r *run) abort(ctx context.Context, err error) (*Result, error) {
	op := "engine." + string(r.res.Stage)
	fe := failure.As(op, err)
	if fe.Kind != failure.KindTransient {
		fe = failure.Transient(op, err)
	}

	if r.token != "" {
		fctx, cancel := r.finishContext(ctx)
		defer cancel()
		if rerr := r.p.deps.Guard.Release(fctx, r.env.ID, r.token); rerr != nil {
			r.log.Error("releasing idempotency claim failed", "err", rerr)
		}
	}
	r.log.Warn("run aborted, event will be redelivered", "stage", r.res.Stage, "err", fe)
	return &r.res, fe
}

// commit records the terminal outcome. A failure is logged and does not
// change the outcome; the claim expires on its own.
func (r *run) commit(ctx context.Context) {
	if r.token == "" {
		return
	}
	r.res.Outcome.CompletedAt = r.p.now().UTC()

	fctx, cancel := r.finishContext(ctx)
	defer cancel()
	err := r.stage(fctx, StageCommitting, func(ctx context.Context) error {
		return r.p.deps.Guard.Commit(ctx, r.env.ID, r.res.Outcome)
	})
	if err != nil {
		r.log.Error("committing outcome failed", "status", r.res.Outcome.Status, "err", err)
	}
}

// finishContext returns a context detached from the run budget.
func (r *run) finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.p.finishTimeout)
}

// Abandon dead-letters an event whose runs kept aborting and that will not
// be redelivered. attempts is the number of runs made and firstFailureAt
// when the first of them aborted; zero means now.
func (p *Processor) Abandon(ctx context.Context, raw []byte, cause error, attempts int, firstFailureAt time.Time) error {
	fe := failure.As("engine.abandon", cause)
	fe.Attempts = attempts
	if firstFailureAt.IsZero() {
		firstFailureAt = p.now()
	}
	id, eventType := peek(raw)
	entry := deadletter.NewEntry(raw, id, eventType, fe, firstFailureAt)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.finishTimeout)
	defer cancel()
	if err := p.deps.DeadLetter.Write(ctx, entry); err != nil {
		p.logger.Error("dead-letter write failed for abandoned event; event lost",
			"event_id", id, "event_type", eventType, "err", err, "alarm", true)
		metrics.Alarms.WithLabelValues(failure.KindCritical.String()).Inc()
		return failure.Critical("engine.abandon", err)
	}
	metrics.DeadLettered.WithLabelValues(fe.Kind.String()).Inc()
	p.logger.Warn("abandoned event dead-lettered",
		"event_id", id, "event_type", eventType, "attempts", attempts, "dead_letter_id", entry.ID)
	return nil
}

// peek extracts the id and type from an event that failed validation.
func peek(raw []byte) (id, eventType string) {
	var probe struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		DetailType string `json:"detail-type"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return "", ""
	}
	if probe.Type == "" {
		probe.Type = probe.DetailType
	}
	return probe.ID, probe.Type
}
