package messaging

import (
	"context"
	"errors"
)

// DefaultMaxRetries is the number of deliveries a message gets before it is
// dead-lettered.
const DefaultMaxRetries = 5

// ErrClosed is returned by Publish after the broker is closed.
var ErrClosed = errors.New("messaging: broker closed")

// Message is one delivery of a payload. Attempt starts at 1.
type Message struct {
	ID      string
	Data    []byte
	Attempt int
}

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc receives a message that exhausted its retries, with the
// last handler error.
type DeadLetterFunc func(ctx context.Context, msg Message, err error)

// Consumer delivers messages to a handler until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

// Publisher appends a payload to the topic.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// Broker is both ends of a topic.
type Broker interface {
	Consumer
	Publisher
	Topic() string
	Depth(ctx context.Context) (int64, error)
	Close() error
}
