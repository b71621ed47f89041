// Package config loads runrecorder settings with viper.
//
// Settings come from, in increasing precedence: built-in defaults, a YAML
// config file (--config, or runrecorder.yaml in the working directory or
// $HOME), and RUNRECORDER_* environment variables. Nested keys map to
// environment names by replacing dots with underscores, so
// recorder.lookback is RUNRECORDER_RECORDER_LOOKBACK.
package config

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RUNRECORDER"

// Broker types.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config is the effective configuration.
type Config struct {
	Database    string            `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	API         APIConfig         `mapstructure:"api"`
	Client      ClientConfig      `mapstructure:"client"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
}

// BrokerConfig selects and tunes the event source.
type BrokerConfig struct {
	Type          string      `mapstructure:"type"`
	Topic         string      `mapstructure:"topic"`
	MaxQueueDepth int         `mapstructure:"max_queue_depth"`
	MaxRetries    int         `mapstructure:"max_retries"`
	Redis         RedisConfig `mapstructure:"redis"`
}

// RedisConfig tunes the Redis Streams broker.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Stream      string        `mapstructure:"stream"`
	Group       string        `mapstructure:"group"`
	Consumer    string        `mapstructure:"consumer"`
	MaxInFlight int64         `mapstructure:"max_in_flight"`
	Block       time.Duration `mapstructure:"block"`
	ClaimIdle   time.Duration `mapstructure:"claim_idle"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RecorderConfig tunes causal ordering and the service loops.
type RecorderConfig struct {
	Lookback        time.Duration `mapstructure:"lookback"`
	SeenTTL         time.Duration `mapstructure:"seen_ttl"`
	SeenCapacity    int           `mapstructure:"seen_capacity"`
	MaxParked       int           `mapstructure:"max_parked"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// APIConfig configures the admission API server.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClientConfig points CLI commands at a running API.
type ClientConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConcurrencyConfig holds limit management settings.
type ConcurrencyConfig struct {
	CreatePolicy string `mapstructure:"create_policy"`
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", "runrecorder.db")

	v.SetDefault("broker.type", BrokerMemory)
	v.SetDefault("broker.topic", "runrecorder.events")
	v.SetDefault("broker.max_queue_depth", 10_000)
	v.SetDefault("broker.max_retries", 5)
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.stream", "runrecorder:events")
	v.SetDefault("broker.redis.group", "runrecorder")
	v.SetDefault("broker.redis.consumer", "runrecorder-1")
	v.SetDefault("broker.redis.max_in_flight", 16)
	v.SetDefault("broker.redis.block", 2*time.Second)
	v.SetDefault("broker.redis.claim_idle", 30*time.Second)
	v.SetDefault("broker.redis.timeout", 5*time.Second)

	v.SetDefault("recorder.lookback", 15*time.Minute)
	v.SetDefault("recorder.seen_ttl", time.Hour)
	v.SetDefault("recorder.seen_capacity", 100_000)
	v.SetDefault("recorder.max_parked", 10_000)
	v.SetDefault("recorder.sweep_interval", 30*time.Second)
	v.SetDefault("recorder.metrics_interval", 2*time.Second)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "127.0.0.1:4200")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)

	v.SetDefault("client.url", "http://127.0.0.1:4200")
	v.SetDefault("client.timeout", 30*time.Second)

	v.SetDefault("concurrency.create_policy", "error")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the config file into v. An explicit path must exist;
// without one, runrecorder.yaml is searched for in . and $HOME and its
// absence is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runrecorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load reads the optional config file and decodes the effective settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that would fail later in less obvious ways.
func (c Config) Validate() error {
	if c.Database == "" {
		return errors.New("config: database must not be empty")
	}
	switch c.Broker.Type {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("config: unknown broker type %q (valid: %s, %s)", c.Broker.Type, BrokerMemory, BrokerRedis)
	}
	if c.Broker.MaxQueueDepth <= 0 {
		return errors.New("config: broker.max_queue_depth must be greater than 0")
	}
	if c.Broker.MaxRetries <= 0 {
		return errors.New("config: broker.max_retries must be greater than 0")
	}
	if c.Recorder.Lookback <= 0 {
		return errors.New("config: recorder.lookback must be greater than 0")
	}
	if c.Recorder.MaxParked <= 0 {
		return errors.New("config: recorder.max_parked must be greater than 0")
	}
	return nil
}

// WriteYAML writes the effective settings of v as YAML with sorted keys.
// Durations are rendered as Go duration strings.
func WriteYAML(w io.Writer, v *viper.Viper) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toNode(v.AllSettings())); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func toNode(value any) *yaml.Node {
	switch val := value.(type) {
	case map[string]any:
		node := &yaml.Node{Kind: yaml.MappingNode}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: k},
				toNode(val[k]),
			)
		}
		return node
	case time.Duration:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: val.String()}
	default:
		var node yaml.Node
		if err := node.Encode(val); err != nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(val)}
		}
		return &node
	}
}
