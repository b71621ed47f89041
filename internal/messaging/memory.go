package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// DefaultMaxQueueDepth bounds a MemoryBroker when no depth is configured.
const DefaultMaxQueueDepth = 10_000

// MemoryBroker is a bounded in-process FIFO topic.
//
// Publish blocks while the queue is full. A message whose handler fails is
// appended to the back of the queue with its Attempt increased, until
// MaxRetries deliveries have failed; it is then passed to the dead-letter
// callback and dropped.
//
// Thread-safety: Publish may be called from any goroutine. Run should be
// called by a single consumer goroutine.
type MemoryBroker struct {
	topic        string
	maxDepth     int
	maxRetries   int
	metrics      *Metrics
	onDeadLetter DeadLetterFunc
	logger       *slog.Logger

	mu     sync.Mutex
	queue  []Message
	seq    uint64
	closed bool
	signal chan struct{} // message available (buffered, size 1)
	space  chan struct{} // room available (buffered, size 1)
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMaxQueueDepth bounds the number of queued messages.
func WithMaxQueueDepth(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// WithMaxRetries sets the number of failed deliveries before dead-lettering.
func WithMaxRetries(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

// WithMetrics reports activity to m.
func WithMetrics(m *Metrics) MemoryOption {
	return func(b *MemoryBroker) {
		b.metrics = m
	}
}

// WithDeadLetter registers the callback for messages that exhausted retries.
func WithDeadLetter(fn DeadLetterFunc) MemoryOption {
	return func(b *MemoryBroker) {
		b.onDeadLetter = fn
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBroker creates an empty topic.
func NewMemoryBroker(topic string, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		topic:      topic,
		maxDepth:   DefaultMaxQueueDepth,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		queue:      make([]Message, 0, 64),
		signal:     make(chan struct{}, 1),
		space:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topic returns the topic name.
func (b *MemoryBroker) Topic() string {
	return b.topic
}

// SetDeadLetter replaces the dead-letter callback. It must be called before Run.
func (b *MemoryBroker) SetDeadLetter(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeadLetter = fn
}

// Publish appends data to the topic, blocking while the queue is full.
func (b *MemoryBroker) Publish(ctx context.Context, data []byte) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if len(b.queue) < b.maxDepth {
			b.seq++
			b.queue = append(b.queue, Message{
				ID:      strconv.FormatUint(b.seq, 10),
				Data:    data,
				Attempt: 1,
			})
			depth := len(b.queue)
			notify(b.signal)
			b.mu.Unlock()

			b.metrics.IncPublished(b.topic)
			b.metrics.SetDepth(b.topic, int64(depth))
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-b.space:
			if !ok {
				return ErrClosed
			}
		}
	}
}

// Run delivers messages to h until ctx is cancelled or the broker is closed
// and drained. A message being handled when ctx is cancelled is put back at
// the front of the queue.
func (b *MemoryBroker) Run(ctx context.Context, h Handler) error {
	for {
		msg, ok := b.tryDequeue()
		if !ok {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.signal:
			}
			continue
		}

		err := h(ctx, msg)
		if err == nil {
			b.metrics.IncConsumed(b.topic)
			continue
		}
		if ctx.Err() != nil {
			b.requeue(msg, true)
			return ctx.Err()
		}

		if msg.Attempt >= b.maxRetries {
			b.logger.Warn("message exhausted retries",
				"topic", b.topic,
				"message_id", msg.ID,
				"attempt", msg.Attempt,
				"error", err,
				"event", "dead_letter",
			)
			b.metrics.IncDeadLettered(b.topic)
			b.mu.Lock()
			dead := b.onDeadLetter
			b.mu.Unlock()
			if dead != nil {
				dead(ctx, msg, err)
			}
			continue
		}

		b.logger.Debug("message failed, requeued",
			"topic", b.topic,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", err,
		)
		b.metrics.IncRetried(b.topic)
		msg.Attempt++
		b.requeue(msg, false)
	}
}

// Depth returns the number of queued messages.
func (b *MemoryBroker) Depth(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queue)), nil
}

// Close stops accepting messages and wakes blocked publishers and the
// consumer. Messages already queued are still delivered.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.signal)
	close(b.space)
	return nil
}

func (b *MemoryBroker) tryDequeue() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Message{}, false
	}
	msg := b.queue[0]
	b.queue[0] = Message{} // release Data for GC
	if len(b.queue) == 1 {
		b.queue = b.queue[:0]
	} else {
		b.queue = b.queue[1:]
	}
	if !b.closed {
		notify(b.space)
	}
	b.metrics.SetDepth(b.topic, int64(len(b.queue)))
	return msg, true
}

// requeue puts a redelivery back on the queue. Redeliveries ignore the
// depth bound so a full queue cannot lose them.
func (b *MemoryBroker) requeue(msg Message, front bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if front {
		b.queue = append([]Message{msg}, b.queue...)
	} else {
		b.queue = append(b.queue, msg)
	}
	if !b.closed {
		notify(b.signal)
	}
}

// notify signals without blocking; the buffer of 1 coalesces signals.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
