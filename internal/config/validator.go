package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// maxRunTimeout is the longest run budget the trigger tolerates.
const maxRunTimeout = 30 * time.Second

// Validate checks the config for:
//   - Known backend, format and level names
//   - Positive sizes and durations, within the pipeline's time budgets
//   - Settings each selected backend requires
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Addr == "" {
		add("server.addr is required")
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		add("log.format %q: must be text or json", cfg.Log.Format)
	}

	p := cfg.Pipeline
	if p.MaxConcurrency <= 0 {
		add("pipeline.max_concurrency must be positive")
	}
	if p.QueueDepth <= 0 {
		add("pipeline.queue_depth must be positive")
	}
	if p.RunTimeout <= 0 || p.RunTimeout > maxRunTimeout {
		add("pipeline.run_timeout %v: must be in (0, %v]", p.RunTimeout, maxRunTimeout)
	}
	if p.EnqueueTimeout < 0 {
		add("pipeline.enqueue_timeout must not be negative")
	}
	if len(p.AllowedSources) == 0 {
		add("pipeline.allowed_sources must not be empty")
	}

	e := cfg.Enrichment
	if e.Timeout <= 0 || e.Timeout > p.RunTimeout {
		add("enrichment.timeout %v: must be positive and within the run timeout", e.Timeout)
	}
	if e.ThrottleBackoff <= 0 || e.ThrottleBackoff >= e.Timeout {
		add("enrichment.throttle_backoff %v: must be positive and below enrichment.timeout", e.ThrottleBackoff)
	}

	i := cfg.Idempotency
	switch i.Backend {
	case "memory":
	case "redis":
		if i.Redis.Addr == "" {
			add("idempotency.redis.addr is required for the redis backend")
		}
	default:
		add("idempotency.backend %q: must be memory or redis", i.Backend)
	}
	if i.TTL <= 0 {
		add("idempotency.ttl must be positive")
	}
	if i.InFlightTTL <= 0 {
		add("idempotency.in_flight_ttl must be positive")
	}
	if i.Wait < 0 {
		add("idempotency.wait must not be negative")
	}
	if i.PollInterval <= 0 {
		add("idempotency.poll_interval must be positive")
	}

	d := cfg.DeadLetter
	switch d.Backend {
	case "memory":
	case "sqlite":
		if d.SQLitePath == "" {
			add("deadletter.sqlite_path is required for the sqlite backend")
		}
	case "s3":
		if d.S3Bucket == "" {
			add("deadletter.s3_bucket is required for the s3 backend")
		}
	default:
		add("deadletter.backend %q: must be memory, sqlite or s3", d.Backend)
	}

	c := cfg.Channels
	if c.SendTimeout <= 0 || c.SendTimeout > 10*time.Second {
		add("channels.send_timeout %v: must be in (0, 10s]", c.SendTimeout)
	}
	if c.MaxAttempts <= 0 {
		add("channels.max_attempts must be positive")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		add("channels.initial_backoff and max_backoff must be positive with initial <= max")
	}
	if c.BreakerThreshold <= 0 {
		add("channels.breaker_threshold must be positive")
	}
	if c.BreakerCooldown <= 0 {
		add("channels.breaker_cooldown must be positive")
	}
	if u, err := url.Parse(c.NotifyBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("channels.notify_base_url %q: must be an absolute URL", c.NotifyBaseURL)
	}

	if cfg.AWS.Region == "" {
		add("aws.region is required")
	}
	if cfg.Telemetry.OTLPEndpoint != "" && cfg.Telemetry.ServiceName == "" {
		add("telemetry.service_name is required when telemetry.otlp_endpoint is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
