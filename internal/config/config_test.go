package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "runrecorder.db", cfg.Database)
	assert.Equal(t, BrokerMemory, cfg.Broker.Type)
	assert.Equal(t, 5, cfg.Broker.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Recorder.Lookback)
	assert.Equal(t, 30*time.Second, cfg.Recorder.SweepInterval)
	assert.Equal(t, "127.0.0.1:4200", cfg.API.Addr)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "error", cfg.Concurrency.CreatePolicy)
	assert.Equal(t, int64(16), cfg.Broker.Redis.MaxInFlight)
}

func TestFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := `
database: /var/lib/runrecorder.db
broker:
  type: redis
  redis:
    addr: redis:6379
    claim_idle: 1m
recorder:
  lookback: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("RUNRECORDER_RECORDER_MAX_PARKED", "42")
	t.Setenv("RUNRECORDER_CONCURRENCY_CREATE_POLICY", "upsert")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/runrecorder.db", cfg.Database)
	assert.Equal(t, BrokerRedis, cfg.Broker.Type)
	assert.Equal(t, "redis:6379", cfg.Broker.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Broker.Redis.ClaimIdle)
	assert.Equal(t, "runrecorder", cfg.Broker.Redis.Group)
	assert.Equal(t, 5*time.Minute, cfg.Recorder.Lookback)
	assert.Equal(t, 42, cfg.Recorder.MaxParked)
	assert.Equal(t, "upsert", cfg.Concurrency.CreatePolicy)
}

func TestSearchPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runrecorder.yaml"), []byte("database: found.db\n"), 0o644))

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "found.db", cfg.Database)
}

func TestExplicitMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown broker", func(c *Config) { c.Broker.Type = "kafka" }, "unknown broker type"},
		{"empty database", func(c *Config) { c.Database = "" }, "database"},
		{"zero lookback", func(c *Config) { c.Recorder.Lookback = 0 }, "lookback"},
		{"zero max parked", func(c *Config) { c.Recorder.MaxParked = 0 }, "max_parked"},
		{"zero retries", func(c *Config) { c.Broker.MaxRetries = 0 }, "max_retries"},
		{"zero depth", func(c *Config) { c.Broker.MaxQueueDepth = 0 }, "max_queue_depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode(New())
			require.NoError(t, err)
			tt.mutate(&cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteYAML(t *testing.T) {
	v := New()
	v.Set("recorder.lookback", 90*time.Second)

	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, v))

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	recorder := out["recorder"].(map[string]any)
	assert.Equal(t, "1m30s", recorder["lookback"])
	assert.Equal(t, "runrecorder.db", out["database"])
	assert.Contains(t, buf.String(), "create_policy: error")
}
