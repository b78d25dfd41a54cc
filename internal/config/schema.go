package config

import "time"

// Config is the top-level service configuration.
type Config struct {
	Server      ServerConf      `mapstructure:"server"`
	Log         LogConf         `mapstructure:"log"`
	Pipeline    PipelineConf    `mapstructure:"pipeline"`
	Enrichment  EnrichmentConf  `mapstructure:"enrichment"`
	Idempotency IdempotencyConf `mapstructure:"idempotency"`
	DeadLetter  DeadLetterConf  `mapstructure:"deadletter"`
	Channels    ChannelsConf    `mapstructure:"channels"`
	Secrets     SecretsConf     `mapstructure:"secrets"`
	AWS         AWSConf         `mapstructure:"aws"`
	Templates   TemplatesConf   `mapstructure:"templates"`
	Telemetry   TelemetryConf   `mapstructure:"telemetry"`
}

// ServerConf configures the HTTP trigger.
type ServerConf struct {
	Addr string `mapstructure:"addr"`
}

// LogConf configures logging. Level is hot-reloadable.
type LogConf struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// PipelineConf holds tunable concurrency settings.
type PipelineConf struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	AllowedSources []string      `mapstructure:"allowed_sources"`
}

// EnrichmentConf configures the lease table lookup. An empty Table
// disables enrichment.
type EnrichmentConf struct {
	Table            string        `mapstructure:"table"`
	PartitionKeyAttr string        `mapstructure:"partition_key_attr"`
	SortKeyAttr      string        `mapstructure:"sort_key_attr"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ThrottleBackoff  time.Duration `mapstructure:"throttle_backoff"`
}

// IdempotencyConf selects and tunes the idempotency store.
type IdempotencyConf struct {
	Backend      string        `mapstructure:"backend"` // memory, redis
	TTL          time.Duration `mapstructure:"ttl"`
	InFlightTTL  time.Duration `mapstructure:"in_flight_ttl"`
	Wait         time.Duration `mapstructure:"wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Redis        RedisConf     `mapstructure:"redis"`
}

// RedisConf holds Redis connection settings.
type RedisConf struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DeadLetterConf selects the dead-letter sink.
type DeadLetterConf struct {
	Backend    string `mapstructure:"backend"` // memory, sqlite, s3
	SQLitePath string `mapstructure:"sqlite_path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
}

// ChannelsConf tunes delivery.
type ChannelsConf struct {
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	NotifyBaseURL    string        `mapstructure:"notify_base_url"`
}

// SecretsConf locates channel credentials. SecretID takes precedence over
// the inline values, which are for local runs.
type SecretsConf struct {
	SecretID        string `mapstructure:"secret_id"`
	NotifyAPIKey    string `mapstructure:"notify_api_key"`
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
}

// AWSConf configures the AWS SDK. Endpoint overrides every service
// endpoint, for local stacks.
type AWSConf struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// TemplatesConf locates the template registry. An empty Path uses the
// built-in registry.
type TemplatesConf struct {
	Path string `mapstructure:"path"`
}

// TelemetryConf configures trace export. An empty OTLPEndpoint disables it.
type TelemetryConf struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	ServiceName  string `mapstructure:"service_name"`
}
