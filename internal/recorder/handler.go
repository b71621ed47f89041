package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/messaging"
	"github.com/roach88/runrecorder/internal/ordering"
	"github.com/roach88/runrecorder/internal/store"
)

// OrderingScope labels the recorder's causal ordering.
const OrderingScope = "task-run-recorder"

// Dead letter reasons.
const (
	ReasonDecode           = "decode"
	ReasonEvicted          = "evicted"
	ReasonRetriesExhausted = "retries_exhausted"
)

// DeadLetterWriter stores messages the recorder gives up on.
type DeadLetterWriter interface {
	WriteDeadLetter(ctx context.Context, dl store.DeadLetter) (int64, error)
}

// Handler is the messaging.Handler of the task run recorder.
type Handler struct {
	materializer *Materializer
	ordering     *ordering.CausalOrdering
	deadLetters  DeadLetterWriter
	metrics      *Metrics
	now          func() time.Time
	logger       *slog.Logger

	orderingOpts []ordering.Option
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOrderingOptions passes options to the handler's causal ordering.
func WithOrderingOptions(opts ...ordering.Option) HandlerOption {
	return func(h *Handler) {
		h.orderingOpts = append(h.orderingOpts, opts...)
	}
}

// WithMetrics reports outcomes to m.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithClock overrides the clock used to stamp received times (tests).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a Handler that writes task runs to w and dead letters
// to dl. It owns its causal ordering; events evicted from a full holding
// area are dead-lettered.
func NewHandler(w TaskRunWriter, dl DeadLetterWriter, opts ...HandlerOption) *Handler {
	h := &Handler{
		deadLetters: dl,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.materializer = NewMaterializer(w, h.logger)

	orderingOpts := []ordering.Option{
		ordering.WithClock(h.now),
		ordering.WithLogger(h.logger),
	}
	orderingOpts = append(orderingOpts, h.orderingOpts...)
	orderingOpts = append(orderingOpts, ordering.WithEvictHandler(h.evicted))
	h.ordering = ordering.New(OrderingScope, orderingOpts...)
	return h
}

// Ordering returns the handler's causal ordering.
func (h *Handler) Ordering() *ordering.CausalOrdering {
	return h.ordering
}

// Handle processes one message. It returns nil (acknowledge) for messages
// that were recorded, parked, filtered out or dead-lettered, and an error
// only when a store write failed and redelivery may succeed.
func (h *Handler) Handle(ctx context.Context, msg messaging.Message) error {
	ev, err := events.Decode(msg.Data, h.now())
	if err != nil {
		h.logger.Warn("dropping undecodable message",
			"message_id", msg.ID,
			"error", err,
			"event", "decode_failed",
		)
		h.metrics.Inc(OutcomeDecodeFailed)
		h.deadLetter(ctx, msg.ID, ReasonDecode, err, msg.Data)
		return nil
	}

	if !events.IsRecordable(ev) {
		h.metrics.Inc(OutcomeFiltered)
		return nil
	}

	h.logger.Debug("received event",
		"event_type", ev.Event,
		"event_id", ev.ID,
		"resource_id", ev.Resource.ID(),
		"attempt", msg.Attempt,
	)

	decision, err := h.ordering.Process(ctx, ev, h.record)
	h.metrics.SetParked(h.ordering.Stats().Parked)
	if err != nil {
		h.metrics.Inc(OutcomeRecordFailed)
		return err
	}
	if decision == ordering.Parked {
		// Safe to acknowledge: the event is held and applied once its
		// predecessor arrives.
		h.metrics.Inc(OutcomeParked)
	}
	return nil
}

// SweepLost applies followers whose predecessor never arrived within the
// lookback window. It returns the number applied.
func (h *Handler) SweepLost(ctx context.Context) (int, error) {
	n, err := h.ordering.DrainLost(ctx, h.record)
	h.metrics.Add(OutcomeLostReleased, n)
	h.metrics.SetParked(h.ordering.Stats().Parked)
	return n, err
}

// DeadLetterMessage records a message the broker gave up on.
func (h *Handler) DeadLetterMessage(ctx context.Context, msg messaging.Message, err error) {
	h.deadLetter(ctx, msg.ID, ReasonRetriesExhausted, err, msg.Data)
}

// record materializes one event for the ordering engine. An event whose
// payload cannot be materialized is dead-lettered and treated as done so
// its followers are not held back.
func (h *Handler) record(ctx context.Context, ev events.Event) error {
	err := h.materializer.Record(ctx, ev)
	if err == nil {
		h.metrics.Inc(OutcomeRecorded)
		return nil
	}
	if !events.IsDecodeError(err) {
		return err
	}

	h.logger.Warn("dropping unrecordable event",
		"event_id", ev.ID,
		"error", err,
		"event", "decode_failed",
	)
	h.metrics.Inc(OutcomeDecodeFailed)
	data, encErr := events.Encode(ev)
	if encErr != nil {
		data = nil
	}
	h.deadLetter(ctx, ev.ID.String(), ReasonDecode, err, data)
	return nil
}

func (h *Handler) evicted(ev events.Event) {
	h.metrics.Inc(OutcomeEvicted)
	data, err := events.Encode(ev)
	if err != nil {
		data = nil
	}
	h.deadLetter(context.Background(), ev.ID.String(), ReasonEvicted, nil, data)
}

func (h *Handler) deadLetter(ctx context.Context, messageID, reason string, cause error, data []byte) {
	if h.deadLetters == nil {
		return
	}
	dl := store.DeadLetter{
		MessageID: messageID,
		Reason:    reason,
		Data:      data,
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if _, err := h.deadLetters.WriteDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		h.logger.Error("failed to write dead letter",
			"message_id", messageID,
			"reason", reason,
			"error", err,
		)
		return
	}
	h.metrics.Inc(OutcomeDeadLettered)
}
