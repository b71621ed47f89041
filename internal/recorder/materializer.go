package recorder

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/store"
)

const tracerName = "github.com/roach88/runrecorder/internal/recorder"

// TaskRunWriter persists one task run event.
type TaskRunWriter interface {
	RecordTaskRunEvent(ctx context.Context, rec store.TaskRunEvent) error
}

// Materializer turns task run events into store writes.
type Materializer struct {
	writer TaskRunWriter
	tracer trace.Tracer
	logger *slog.Logger
}

// NewMaterializer creates a Materializer writing to w.
func NewMaterializer(w TaskRunWriter, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		writer: w,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// Record derives the task run and state from ev and writes them. Derivation
// failures are *events.DecodeError; store failures are returned wrapped and
// are worth retrying.
func (m *Materializer) Record(ctx context.Context, ev events.Event) error {
	ctx, span := m.tracer.Start(ctx, "recorder.Record",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID.String()),
			attribute.String("event.type", ev.Event),
		),
	)
	defer span.End()

	rec, err := TaskRunFromEvent(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return err
	}
	span.SetAttributes(
		attribute.String("task_run.id", rec.TaskRun.ID.String()),
		attribute.String("state.type", rec.State.Type),
	)

	if err := m.writer.RecordTaskRunEvent(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return err
	}

	m.logger.Debug("recorded task run state change",
		"task_run_id", rec.TaskRun.ID,
		"flow_run_id", rec.TaskRun.FlowRunID,
		"event_id", ev.ID,
		"event_follows", ev.Follows,
		"event_type", ev.Event,
		"occurred", ev.Occurred,
		"state_type", rec.State.Type,
		"state_name", rec.State.Name,
	)
	return nil
}
