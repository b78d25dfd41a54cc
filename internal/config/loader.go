package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: server.addr is read from
// NDX_NOTIFY_SERVER_ADDR.
const EnvPrefix = "NDX_NOTIFY"

// defaults holds every key with its default, so each can be overridden from
// the environment.
var defaults = map[string]any{
	"server.addr": ":8080",

	"log.level":  "info",
	"log.format": "text",

	"pipeline.max_concurrency": 10,
	"pipeline.queue_depth":     1000,
	"pipeline.run_timeout":     "30s",
	"pipeline.enqueue_timeout": "0s",
	"pipeline.allowed_sources": []string{"sandbox"},

	"enrichment.table":              "",
	"enrichment.partition_key_attr": "userEmail",
	"enrichment.sort_key_attr":      "uuid",
	"enrichment.timeout":            "2s",
	"enrichment.throttle_backoff":   "500ms",

	"idempotency.backend":          "memory",
	"idempotency.ttl":              "1h",
	"idempotency.in_flight_ttl":    "60s",
	"idempotency.wait":             "2s",
	"idempotency.poll_interval":    "100ms",
	"idempotency.redis.addr":       "localhost:6379",
	"idempotency.redis.password":   "",
	"idempotency.redis.db":         0,
	"idempotency.redis.key_prefix": "ndx-notify:idempotency:",

	"deadletter.backend":     "memory",
	"deadletter.sqlite_path": "deadletter.db",
	"deadletter.s3_bucket":   "",
	"deadletter.s3_prefix":   "dead-letters",

	"channels.send_timeout":      "10s",
	"channels.max_attempts":      3,
	"channels.initial_backoff":   "500ms",
	"channels.max_backoff":       "5s",
	"channels.breaker_threshold": 5,
	"channels.breaker_cooldown":  "30s",
	"channels.notify_base_url":   "https://api.notifications.service.gov.uk",

	"secrets.secret_id":         "",
	"secrets.notify_api_key":    "",
	"secrets.slack_webhook_url": "",

	"aws.region":   "eu-west-2",
	"aws.endpoint": "",

	"templates.path": "",

	"telemetry.otlp_endpoint": "",
	"telemetry.insecure":      false,
	"telemetry.service_name":  "ndx-notify",
}

// Load reads path (optional) with environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Loader holds the current config and reloads it when the file changes.
// Only settings the process re-reads (the log level) take effect without a
// restart.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. The directory is watched so editors that replace the file are
// seen. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, errors.New("config watcher: no config file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	l.logger.Info("config reloaded", "path", l.path)
	return cfg, nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}
