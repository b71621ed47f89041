package recorder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/runrecorder/internal/messaging"
)

// Defaults for the service loops.
const (
	DefaultSweepInterval   = 30 * time.Second
	DefaultMetricsInterval = 2 * time.Second
)

// topicSource is implemented by brokers that can report their backlog.
type topicSource interface {
	Topic() string
	Depth(ctx context.Context) (int64, error)
}

// Service runs the task run recorder: the consumer loop, the lost-follower
// sweep and the periodic throughput log.
type Service struct {
	consumer        messaging.Consumer
	handler         *Handler
	brokerMetrics   *messaging.Metrics
	sweepInterval   time.Duration
	metricsInterval time.Duration
	logger          *slog.Logger

	started chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSweepInterval sets how often lost followers are released.
func WithSweepInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMetricsInterval sets how often throughput is logged.
func WithMetricsInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.metricsInterval = d
		}
	}
}

// WithBrokerMetrics sets the broker metrics the throughput log reads.
func WithBrokerMetrics(m *messaging.Metrics) ServiceOption {
	return func(s *Service) {
		s.brokerMetrics = m
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a recorder service consuming from c with h.
func NewService(c messaging.Consumer, h *Handler, opts ...ServiceOption) *Service {
	s := &Service{
		consumer:        c,
		handler:         h,
		sweepInterval:   DefaultSweepInterval,
		metricsInterval: DefaultMetricsInterval,
		logger:          slog.Default(),
		started:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Started is closed once Run has started its loops.
func (s *Service) Started() <-chan struct{} {
	return s.started
}

// Run blocks until ctx is cancelled or the consumer stops. Cancellation is
// a clean stop and returns nil.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// The other loops stop with the consumer.
		defer cancel()
		err := s.consumer.Run(gctx, s.handler.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.metricsLoop(gctx)
		return nil
	})

	s.logger.Debug("task run recorder started")
	close(s.started)

	err := g.Wait()
	s.logger.Debug("task run recorder stopped")
	return err
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.handler.SweepLost(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("lost follower sweep failed", "released", n, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("released lost followers", "released", n)
			}
		}
	}
}

func (s *Service) metricsLoop(ctx context.Context) {
	src, ok := s.consumer.(topicSource)
	if !ok || s.brokerMetrics == nil {
		return
	}

	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logThroughput(ctx, src)
		}
	}
}

func (s *Service) logThroughput(ctx context.Context, src topicSource) {
	topic := src.Topic()
	snap := s.brokerMetrics.Snapshot(topic)
	depth, err := src.Depth(ctx)
	if err != nil {
		depth = snap.Published - snap.Consumed - snap.DeadLettered
	}
	stats := s.handler.Ordering().Stats()
	s.logger.Info("recorder throughput",
		"topic", topic,
		"published", snap.Published,
		"consumed", snap.Consumed,
		"retried", snap.Retried,
		"dead_lettered", snap.DeadLettered,
		"depth", depth,
		"parked", stats.Parked,
		"chains", stats.Chains,
	)
}
