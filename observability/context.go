package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation tracks one pipeline stage: a span plus a Recorder entry
// emitted when it ends.
type Operation struct {
	Stage     string
	RunID     string
	StartTime time.Time

	span     trace.Span
	recorder Recorder
	status   string
}

type operationKey struct{}

// StartOperation opens a span named after stage and stores the operation
// in the returned context. rec may be nil.
func StartOperation(ctx context.Context, rec Recorder, stage string, attrs ...attribute.KeyValue) (context.Context, *Operation) {
	ctx, span := StartSpan(ctx, stage, trace.WithAttributes(attrs...))
	op := &Operation{
		Stage:     stage,
		RunID:     RunIDFromContext(ctx),
		StartTime: time.Now(),
		span:      span,
		recorder:  OrNop(rec),
	}
	span.SetAttributes(attribute.String(AttrStage, stage))
	if op.RunID != "" {
		span.SetAttributes(attribute.String(AttrRunID, op.RunID))
	}
	return context.WithValue(ctx, operationKey{}, op), op
}

// OperationFromContext returns the innermost operation in ctx, or nil.
func OperationFromContext(ctx context.Context) *Operation {
	if op, ok := ctx.Value(operationKey{}).(*Operation); ok {
		return op
	}
	return nil
}

// SetStatus overrides the status reported by End for a successful run,
// e.g. StatusFallback.
func (op *Operation) SetStatus(status string) { op.status = status }

// Span returns the operation span.
func (op *Operation) Span() trace.Span { return op.span }

// End closes the span and records the stage outcome.
func (op *Operation) End(ctx context.Context, err error) {
	d := time.Since(op.StartTime)
	status := StatusOK
	if op.status != "" {
		status = op.status
	}
	if err != nil {
		status = StatusError
		SetSpanError(trace.ContextWithSpan(ctx, op.span), err)
	}
	op.span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.Int64(AttrDurationMs, d.Milliseconds()),
	)
	op.span.End()
	op.recorder.RecordStage(ctx, op.Stage, status, d)
}

// Duration returns the elapsed time since the operation started.
func (op *Operation) Duration() time.Duration {
	return time.Since(op.StartTime)
}

type runIDKey struct{}

// ContextWithRunID tags ctx with the pipeline run id used on spans.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
