package cli

import (
	"fmt"
	"log/slog"

	"github.com/roach88/runrecorder/internal/config"
	"github.com/roach88/runrecorder/internal/messaging"
)

// deadLetterBroker is a broker whose exhausted messages can be routed.
type deadLetterBroker interface {
	messaging.Broker
	SetDeadLetter(fn messaging.DeadLetterFunc)
}

// newBroker builds the broker named by cfg.Broker.Type.
func newBroker(cfg config.BrokerConfig, metrics *messaging.Metrics, logger *slog.Logger) (deadLetterBroker, error) {
	switch cfg.Type {
	case config.BrokerMemory:
		return messaging.NewMemoryBroker(cfg.Topic,
			messaging.WithMaxQueueDepth(cfg.MaxQueueDepth),
			messaging.WithMaxRetries(cfg.MaxRetries),
			messaging.WithMetrics(metrics),
			messaging.WithMemoryLogger(logger),
		), nil
	case config.BrokerRedis:
		stream, err := messaging.NewRedisStream(redisConfig(cfg),
			messaging.WithRedisMetrics(metrics),
			messaging.WithRedisLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return stream, nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
}

func redisConfig(cfg config.BrokerConfig) messaging.RedisConfig {
	rc := messaging.DefaultRedisConfig(cfg.Redis.Addr)
	rc.Password = cfg.Redis.Password
	rc.Database = cfg.Redis.DB
	rc.MaxRetries = cfg.MaxRetries
	if cfg.Redis.Stream != "" {
		rc.Stream = cfg.Redis.Stream
	}
	if cfg.Redis.Group != "" {
		rc.Group = cfg.Redis.Group
	}
	if cfg.Redis.Consumer != "" {
		rc.Consumer = cfg.Redis.Consumer
	}
	if cfg.Redis.MaxInFlight > 0 {
		rc.MaxInFlight = cfg.Redis.MaxInFlight
	}
	if cfg.Redis.Block > 0 {
		rc.Block = cfg.Redis.Block
	}
	if cfg.Redis.ClaimIdle > 0 {
		rc.ClaimIdle = cfg.Redis.ClaimIdle
	}
	if cfg.Redis.Timeout > 0 {
		rc.Timeout = cfg.Redis.Timeout
	}
	return rc
}
