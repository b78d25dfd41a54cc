package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "notify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Pipeline.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.RunTimeout)
	assert.Equal(t, []string{"sandbox"}, cfg.Pipeline.AllowedSources)
	assert.Equal(t, 2*time.Second, cfg.Enrichment.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Enrichment.ThrottleBackoff)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, "memory", cfg.DeadLetter.Backend)
	assert.Equal(t, 10*time.Second, cfg.Channels.SendTimeout)
	assert.Equal(t, 3, cfg.Channels.MaxAttempts)
	assert.Equal(t, 5, cfg.Channels.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Channels.BreakerCooldown)
	assert.Empty(t, cfg.Templates.Path)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
log:
  level: debug
  format: json
pipeline:
  max_concurrency: 4
  allowed_sources: [sandbox, ndx.isb]
enrichment:
  table: leases
idempotency:
  backend: redis
  redis:
    addr: redis:6379
deadletter:
  backend: s3
  s3_bucket: ndx-dlq
`)
	t.Setenv("NDX_NOTIFY_CHANNELS_MAX_ATTEMPTS", "5")
	t.Setenv("NDX_NOTIFY_IDEMPOTENCY_TTL", "30m")
	t.Setenv("NDX_NOTIFY_SECRETS_SECRET_ID", "ndx/notify")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrency)
	assert.Equal(t, []string{"sandbox", "ndx.isb"}, cfg.Pipeline.AllowedSources)
	assert.Equal(t, "leases", cfg.Enrichment.Table)
	assert.Equal(t, "userEmail", cfg.Enrichment.PartitionKeyAttr, "unset keys keep defaults")
	assert.Equal(t, "redis:6379", cfg.Idempotency.Redis.Addr)
	assert.Equal(t, "ndx-dlq", cfg.DeadLetter.S3Bucket)
	assert.Equal(t, 5, cfg.Channels.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, "ndx/notify", cfg.Secrets.SecretID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Log.Format = "xml"
	cfg.Pipeline.RunTimeout = time.Minute
	cfg.Idempotency.Backend = "etcd"
	cfg.DeadLetter.Backend = "s3"
	cfg.Channels.SendTimeout = 20 * time.Second

	err = Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "config validation errors:\n  - "))
	for _, want := range []string{
		"log.format",
		"pipeline.run_timeout",
		"idempotency.backend",
		"deadletter.s3_bucket",
		"channels.send_timeout",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"redis without addr", func(c *Config) { c.Idempotency.Backend = "redis"; c.Idempotency.Redis.Addr = "" }, "idempotency.redis.addr"},
		{"sqlite without path", func(c *Config) { c.DeadLetter.Backend = "sqlite"; c.DeadLetter.SQLitePath = "" }, "deadletter.sqlite_path"},
		{"empty sources", func(c *Config) { c.Pipeline.AllowedSources = nil }, "allowed_sources"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"relative notify url", func(c *Config) { c.Channels.NotifyBaseURL = "/v2" }, "notify_base_url"},
		{"backoff above timeout", func(c *Config) { c.Enrichment.ThrottleBackoff = 3 * time.Second }, "throttle_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mod(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoader_ReloadNotifies(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")

	l, err := NewLoader(path, slog.Default())
	require.NoError(t, err)

	var got atomic.Pointer[Config]
	l.OnChange(func(c *Config) { got.Store(c) })

	writeConfig(t, dir, "log:\n  level: warn\n")
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Same(t, cfg, got.Load())
	assert.Same(t, cfg, l.Config())
}

func TestLoader_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")
	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	before := l.Config()

	writeConfig(t, dir, "log:\n  level: shouting\n")
	_, err = l.Reload()
	require.Error(t, err)
	assert.Same(t, before, l.Config())
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")
	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	var level atomic.Value
	l.OnChange(func(c *Config) { level.Store(c.Log.Level) })

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeConfig(t, dir, "log:\n  level: debug\n")
	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoader_WatchNeedsFile(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)
	_, err = l.Watch()
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("nope")
	assert.Error(t, err)
}
