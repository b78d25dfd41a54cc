// Package enrich merges the authoritative lease record into an event's
// notification payload.
//
// Enrichment is best effort: every lookup problem (no subject key, a miss,
// throttling, a timeout, any store error) degrades to the event's own
// fields with _enriched=false. It never fails the pipeline.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/flatten"
	"github.com/co-cddo/ndx-notify/internal/lease"
	"github.com/co-cddo/ndx-notify/internal/metrics"
)

// Lookup status values reported in Result.Status and the enrichmentStatus
// log attribute.
const (
	StatusEnriched = "enriched"
	StatusSkipped  = "skipped"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Store error dimensions for the DynamoDBError metric.
const (
	ErrorNotFound  = "NotFound"
	ErrorThrottled = "Throttled"
	ErrorTimeout   = "Timeout"
	ErrorOther     = "Other"
)

// Result is the enriched-or-degraded payload for one event.
type Result struct {
	// Fields is the sealed flat payload, including keys and _enriched.
	Fields   map[string]string
	Enriched bool
	Status   string
	// ErrorType is set when Status is StatusError.
	ErrorType string
	Record    *lease.Record
	Duration  time.Duration
}

// Config tunes the lookup.
type Config struct {
	// Timeout bounds the lookup including its retry.
	Timeout time.Duration
	// ThrottleBackoff is the wait before the single retry on throttling.
	ThrottleBackoff time.Duration
}

// Engine performs enrichment. It is safe for concurrent use.
type Engine struct {
	store  lease.Store
	flat   *flatten.Flattener
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine. store may be nil, in which case every event
// degrades with StatusSkipped.
func New(store lease.Store, flat *flatten.Flattener, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = 500 * time.Millisecond
	}
	if flat == nil {
		flat = flatten.New(flatten.DefaultOptions(), logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, flat: flat, cfg: cfg, logger: logger}
}

// Enrich builds the payload for env.
func (e *Engine) Enrich(ctx context.Context, env *event.Envelope) Result {
	start := time.Now()
	log := e.logger.With("event_id", env.ID, "event_type", env.Type)

	fields := e.EventFields(env)
	res := Result{Status: StatusSkipped}

	switch {
	case !env.SubjectKey.Valid():
		metrics.LookupSkipped.Inc()
		log.Warn("enrichment skipped: no usable subject key")
	case e.store == nil:
		metrics.LookupSkipped.Inc()
		log.Warn("enrichment skipped: no lease store configured")
	default:
		rec, err := e.lookup(ctx, *env.SubjectKey)
		switch {
		case err == nil:
			recFields, _ := e.flat.Fields(rec.Fields)
			fields = flatten.Merge(fields, recFields)
			res.Record = rec
			res.Enriched = true
			res.Status = StatusEnriched
			if rec.Status != "" && !rec.Status.Known() {
				log.Warn("lease record has unknown status", "status", rec.Status)
			}
		case errors.Is(err, lease.ErrNotFound):
			res.Status = StatusNotFound
			metrics.LeaseNotFound.Inc()
			log.Warn("enrichment degraded: lease not found",
				"partition_key", env.SubjectKey.PartitionKey, "sort_key", env.SubjectKey.SortKey)
		default:
			res.Status = StatusError
			res.ErrorType = ErrorType(err)
			metrics.DynamoDBError.WithLabelValues(res.ErrorType).Inc()
			attrs := []any{"error_type", res.ErrorType, "err", err}
			if res.ErrorType == ErrorThrottled {
				log.Warn("enrichment degraded: lease store throttled", attrs...)
			} else {
				log.Error("enrichment degraded: lease store error", attrs...)
			}
		}
	}

	fields[flatten.EnrichedField] = strconv.FormatBool(res.Enriched)
	sealed := e.flat.Seal(fields)
	if len(sealed.Truncated) > 0 {
		metrics.PayloadTruncations.Inc()
	}
	res.Fields = sealed.Fields
	res.Duration = time.Since(start)

	if res.Enriched {
		metrics.EnrichmentSuccess.Inc()
	} else {
		metrics.EnrichmentFailure.Inc()
	}
	metrics.EnrichmentDuration.Observe(float64(res.Duration.Milliseconds()))
	return res
}

// EventFields flattens the event detail and adds the envelope's shallow
// fields. Envelope fields win over detail fields of the same name.
func (e *Engine) EventFields(env *event.Envelope) map[string]string {
	fields, _ := e.flat.Fields(env.Detail)
	fields["eventId"] = env.ID
	fields["eventType"] = env.Type
	fields["eventSource"] = env.Source
	if !env.OccurredAt.IsZero() {
		fields["eventTime"] = flatten.FormatTime(env.OccurredAt)
	}
	return fields
}

// lookup fetches the record under the enrichment timeout, retrying once
// after ThrottleBackoff when the store throttles.
func (e *Engine) lookup(ctx context.Context, key event.SubjectKey) (*lease.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var rec *lease.Record
	op := func() error {
		r, err := e.store.Get(ctx, key)
		if err == nil {
			rec = r
			return nil
		}
		if failure.IsThrottle(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.ThrottleBackoff), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return rec, nil
}

// ErrorType maps a store failure to its metric dimension.
func ErrorType(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
		return ErrorNotFound
	}
	if errors.Is(err, lease.ErrNotFound) {
		return ErrorNotFound
	}
	if failure.IsThrottle(err) {
		return ErrorThrottled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorOther
}
