package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/co-cddo/ndx-notify/internal/failure"
)

const tracerName = "github.com/co-cddo/ndx-notify/internal/engine"

// spans starts the run and stage spans of the pipeline.
type spans struct {
	tracer trace.Tracer
}

func newSpans(tp trace.TracerProvider) spans {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return spans{tracer: tp.Tracer(tracerName)}
}

// startRun starts the span covering one pipeline run.
func (s spans) startRun(ctx context.Context) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "notify.process", trace.WithSpanKind(trace.SpanKindInternal))
}

// startStage starts a child span for one stage.
func (s spans) startStage(ctx context.Context, stage Stage) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "notify.stage."+string(stage),
		trace.WithAttributes(attribute.String("notify.stage", string(stage))),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// endSpan completes span, recording err and its kind when set.
func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetAttributes(attribute.String("notify.error_kind", failure.KindOf(err).String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
