package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// dataField is the stream entry field holding the payload.
const dataField = "data"

// RedisConfig configures a RedisStream.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Stream is the stream key; it doubles as the topic name.
	Stream string

	// Group is the consumer group. Instances sharing a group split the stream.
	Group string

	// Consumer names this instance within the group.
	Consumer string

	// MaxInFlight is the number of entries read per XREADGROUP call.
	MaxInFlight int64

	// Block is how long XREADGROUP waits for new entries.
	Block time.Duration

	// ClaimIdle is how long a delivered entry may stay unacknowledged before
	// it is claimed for redelivery.
	ClaimIdle time.Duration

	// MaxRetries is the number of failed deliveries before dead-lettering.
	MaxRetries int

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:     address,
		Stream:      "runrecorder:events",
		Group:       "runrecorder",
		Consumer:    "runrecorder-1",
		MaxInFlight: 16,
		Block:       2 * time.Second,
		ClaimIdle:   30 * time.Second,
		MaxRetries:  DefaultMaxRetries,
		Timeout:     5 * time.Second,
	}
}

// RedisStream is a Broker backed by a Redis stream and consumer group.
//
// Entries are read with XREADGROUP and acknowledged with XACK once the
// handler succeeds. A failed entry stays pending; after ClaimIdle it is
// claimed again with XAUTOCLAIM and redelivered with a higher Attempt.
// Attempts are counted per process, so a restart gives pending entries a
// fresh budget.
type RedisStream struct {
	cfg          RedisConfig
	client       *redis.Client
	metrics      *Metrics
	onDeadLetter DeadLetterFunc
	logger       *slog.Logger

	attempts map[string]int // owned by Run
}

// RedisOption configures a RedisStream.
type RedisOption func(*RedisStream)

// WithRedisMetrics reports activity to m.
func WithRedisMetrics(m *Metrics) RedisOption {
	return func(s *RedisStream) {
		s.metrics = m
	}
}

// WithRedisDeadLetter registers the callback for entries that exhausted retries.
func WithRedisDeadLetter(fn DeadLetterFunc) RedisOption {
	return func(s *RedisStream) {
		s.onDeadLetter = fn
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStream connects to Redis and returns a stream broker.
func NewRedisStream(cfg RedisConfig, opts ...RedisOption) (*RedisStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout + cfg.Block,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStreamWithClient(client, cfg, opts...), nil
}

// NewRedisStreamWithClient wraps an existing client.
func NewRedisStreamWithClient(client *redis.Client, cfg RedisConfig, opts ...RedisOption) *RedisStream {
	defaults := DefaultRedisConfig(cfg.Address)
	if cfg.Stream == "" {
		cfg.Stream = defaults.Stream
	}
	if cfg.Group == "" {
		cfg.Group = defaults.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaults.Consumer
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.Block <= 0 {
		cfg.Block = defaults.Block
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaults.ClaimIdle
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	s := &RedisStream{
		cfg:      cfg,
		client:   client,
		logger:   slog.Default(),
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topic returns the stream key.
func (s *RedisStream) Topic() string {
	return s.cfg.Stream
}

// SetDeadLetter replaces the dead-letter callback. It must be called before Run.
func (s *RedisStream) SetDeadLetter(fn DeadLetterFunc) {
	s.onDeadLetter = fn
}

// Publish appends data to the stream with XADD.
func (s *RedisStream) Publish(ctx context.Context, data []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{dataField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.cfg.Stream, err)
	}
	s.metrics.IncPublished(s.cfg.Stream)
	return nil
}

// Run creates the consumer group if needed and delivers entries to h until
// ctx is cancelled.
func (s *RedisStream) Run(ctx context.Context, h Handler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	cursor := "0-0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    cursor,
			Count:    s.cfg.MaxInFlight,
		}).Result()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("xautoclaim failed", "stream", s.cfg.Stream, "error", err)
		}
		if err == nil {
			cursor = next
			for _, entry := range claimed {
				if err := s.deliver(ctx, entry, h); err != nil {
					return err
				}
			}
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.MaxInFlight,
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup %s: %w", s.cfg.Stream, err)
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if err := s.deliver(ctx, entry, h); err != nil {
					return err
				}
			}
		}
	}
}

// deliver hands one entry to h. It only returns an error when ctx is done.
func (s *RedisStream) deliver(ctx context.Context, entry redis.XMessage, h Handler) error {
	attempt := s.attempts[entry.ID] + 1
	msg := Message{ID: entry.ID, Attempt: attempt}

	data, ok := entryData(entry.Values)
	if !ok {
		s.deadLetter(ctx, msg, fmt.Errorf("entry %s has no %q field", entry.ID, dataField))
		return nil
	}
	msg.Data = data

	err := h(ctx, msg)
	if err == nil {
		delete(s.attempts, entry.ID)
		s.ack(context.WithoutCancel(ctx), entry.ID)
		s.metrics.IncConsumed(s.cfg.Stream)
		return nil
	}
	if ctx.Err() != nil {
		// Left pending; another consumer or a restart claims it.
		return ctx.Err()
	}

	if attempt >= s.cfg.MaxRetries {
		s.deadLetter(ctx, msg, err)
		return nil
	}
	s.attempts[entry.ID] = attempt
	s.metrics.IncRetried(s.cfg.Stream)
	s.logger.Debug("entry failed, left pending",
		"stream", s.cfg.Stream,
		"message_id", entry.ID,
		"attempt", attempt,
		"error", err,
	)
	return nil
}

func (s *RedisStream) deadLetter(ctx context.Context, msg Message, err error) {
	s.logger.Warn("message exhausted retries",
		"stream", s.cfg.Stream,
		"message_id", msg.ID,
		"attempt", msg.Attempt,
		"error", err,
		"event", "dead_letter",
	)
	delete(s.attempts, msg.ID)
	s.metrics.IncDeadLettered(s.cfg.Stream)
	if s.onDeadLetter != nil {
		s.onDeadLetter(ctx, msg, err)
	}
	s.ack(context.WithoutCancel(ctx), msg.ID)
}

func (s *RedisStream) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Warn("xack failed", "stream", s.cfg.Stream, "message_id", id, "error", err)
	}
}

// Depth returns the number of entries the group has not finished: those
// not yet delivered to any consumer (the group's lag) plus those delivered
// but not yet acknowledged.
func (s *RedisStream) Depth(ctx context.Context) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, s.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xinfo groups %s: %w", s.cfg.Stream, err)
	}
	depth, ok := groupDepth(groups, s.cfg.Group)
	if !ok {
		return 0, fmt.Errorf("consumer group %s not found on %s", s.cfg.Group, s.cfg.Stream)
	}
	s.metrics.SetDepth(s.cfg.Stream, depth)
	return depth, nil
}

// groupDepth sums lag and pending for the named group. Redis reports a
// nil lag, read as zero, when it cannot compute one.
func groupDepth(groups []redis.XInfoGroup, name string) (int64, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g.Lag + g.Pending, true
		}
	}
	return 0, false
}

// Close closes the Redis client.
func (s *RedisStream) Close() error {
	return s.client.Close()
}

func (s *RedisStream) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s: %w", s.cfg.Group, err)
	}
	return nil
}

// isBusyGroup reports whether err says the consumer group already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// entryData extracts the payload from a stream entry. go-redis returns
// field values as strings.
func entryData(values map[string]any) ([]byte, bool) {
	switch v := values[dataField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}
