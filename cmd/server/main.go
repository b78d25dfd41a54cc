package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"golang.org/x/sync/errgroup"

	"github.com/co-cddo/ndx-notify/internal/api"
	"github.com/co-cddo/ndx-notify/internal/channel"
	"github.com/co-cddo/ndx-notify/internal/config"
	"github.com/co-cddo/ndx-notify/internal/deadletter"
	"github.com/co-cddo/ndx-notify/internal/engine"
	"github.com/co-cddo/ndx-notify/internal/enrich"
	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/flatten"
	"github.com/co-cddo/ndx-notify/internal/idempotency"
	"github.com/co-cddo/ndx-notify/internal/lease"
	"github.com/co-cddo/ndx-notify/internal/secrets"
	"github.com/co-cddo/ndx-notify/internal/template"
	"github.com/co-cddo/ndx-notify/internal/validate"
)

func main() {
	cfgPath := flag.String("config", "configs/notify.yaml", "Path to config YAML (empty: defaults and environment only)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// ── Load config ──────────────────────────────────────────────────────────
	var level slog.LevelVar
	bootstrap := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	loader, err := config.NewLoader(cfgPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()

	logger := newLogger(os.Stdout, cfg.Log.Format, &level)
	slog.SetDefault(logger)
	applyLevel(&level, cfg.Log.Level)

	loader.OnChange(func(newCfg *config.Config) {
		applyLevel(&level, newCfg.Log.Level)
		slog.Info("log level applied", "level", level.Level())
	})
	if cfgPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Tracing ──────────────────────────────────────────────────────────────
	shutdownTracing, err := setupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("trace flush failed", "err", err)
		}
	}()

	// ── AWS clients ──────────────────────────────────────────────────────────
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	// ── Pipeline components ──────────────────────────────────────────────────
	templates, err := template.LoadFile(cfg.Templates.Path)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	var store lease.Store
	if cfg.Enrichment.Table != "" {
		ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		store = lease.NewDynamoStore(ddb, cfg.Enrichment.Table, cfg.Enrichment.PartitionKeyAttr, cfg.Enrichment.SortKeyAttr)
	} else {
		slog.Warn("enrichment.table not set; every event will be sent unenriched")
	}

	idemStore, closeIdem, err := newIdempotencyStore(ctx, cfg.Idempotency)
	if err != nil {
		return err
	}
	defer closeIdem()

	sink, closeSink, err := newDeadLetterSink(cfg.DeadLetter, awsCfg, cfg.AWS.Endpoint)
	if err != nil {
		return err
	}
	defer closeSink()

	creds := newCredentials(cfg.Secrets, awsCfg, cfg.AWS.Endpoint)

	policy := channel.RetryPolicy{
		Timeout:        cfg.Channels.SendTimeout,
		MaxAttempts:    cfg.Channels.MaxAttempts,
		InitialBackoff: cfg.Channels.InitialBackoff,
		MaxBackoff:     cfg.Channels.MaxBackoff,
	}
	channels := channel.NewRegistry()
	channels.Register(channel.NewEmailSender(cfg.Channels.NotifyBaseURL, creds,
		channel.WithRetryPolicy(policy),
		channel.WithBreaker(channel.MetricsBreaker(event.ChannelEmail, cfg.Channels.BreakerThreshold, cfg.Channels.BreakerCooldown)),
		channel.WithLogger(logger),
	))
	channels.Register(channel.NewChatSender(creds,
		channel.WithRetryPolicy(policy),
		channel.WithBreaker(channel.MetricsBreaker(event.ChannelChat, cfg.Channels.BreakerThreshold, cfg.Channels.BreakerCooldown)),
		channel.WithLogger(logger),
	))

	proc := engine.NewProcessor(engine.Deps{
		Validator: validate.New(cfg.Pipeline.AllowedSources),
		Guard: idempotency.NewGuard(idemStore, idempotency.Config{
			TTL:          cfg.Idempotency.TTL,
			InFlightTTL:  cfg.Idempotency.InFlightTTL,
			Wait:         cfg.Idempotency.Wait,
			PollInterval: cfg.Idempotency.PollInterval,
		}, logger),
		Enricher: enrich.New(store, flatten.New(flatten.DefaultOptions(), logger), enrich.Config{
			Timeout:         cfg.Enrichment.Timeout,
			ThrottleBackoff: cfg.Enrichment.ThrottleBackoff,
		}, logger),
		Templates:  templates,
		Channels:   channels,
		DeadLetter: sink,
	}, engine.WithRunTimeout(cfg.Pipeline.RunTimeout), engine.WithLogger(logger))

	// ── Engine ───────────────────────────────────────────────────────────────
	engCtx, cancelEng := context.WithCancel(context.Background())
	defer cancelEng()
	engConf := engine.DefaultConfig()
	engConf.Workers = cfg.Pipeline.MaxConcurrency
	engConf.QueueDepth = cfg.Pipeline.QueueDepth
	engConf.EnqueueTimeout = cfg.Pipeline.EnqueueTimeout
	eng := engine.New(engCtx, proc, engConf, logger)

	slog.Info("pipeline ready",
		"event_types", len(templates.EventTypes()),
		"workers", engConf.Workers,
		"idempotency", cfg.Idempotency.Backend,
		"deadletter", cfg.DeadLetter.Backend,
		"enrichment", store != nil)

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(eng, loader, templates, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: engConf.WaitTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down…")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		// Drain queued events before their stores close.
		eng.Shutdown()
		cancelEng()
		return nil
	})
	err = g.Wait()
	slog.Info("goodbye")
	return err
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func applyLevel(v *slog.LevelVar, s string) {
	lvl, err := config.ParseLevel(s)
	if err != nil {
		slog.Warn("invalid log level, keeping current", "level", s, "err", err)
		return
	}
	v.Set(lvl)
}

func setupTracing(ctx context.Context, cfg config.TelemetryConf) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	slog.Info("tracing enabled", "otlp_endpoint", cfg.OTLPEndpoint, "service_name", cfg.ServiceName)
	return tp.Shutdown, nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConf) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		// Local stacks accept any static key.
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

func newIdempotencyStore(ctx context.Context, cfg config.IdempotencyConf) (idempotency.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		s, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		slog.Warn("in-memory idempotency store: duplicates are only caught within this process")
		s := idempotency.NewMemoryStore(time.Minute)
		return s, func() { _ = s.Close() }, nil
	}
}

func newDeadLetterSink(cfg config.DeadLetterConf, awsCfg aws.Config, endpoint string) (deadletter.Sink, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := deadletter.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("dead-letter sink: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		s, err := deadletter.NewS3Sink(client, cfg.S3Bucket, deadletter.WithPrefix(cfg.S3Prefix))
		if err != nil {
			return nil, nil, fmt.Errorf("dead-letter sink: %w", err)
		}
		return s, func() {}, nil
	default:
		slog.Warn("in-memory dead-letter sink: entries are lost on restart")
		return deadletter.NewMemorySink(0), func() {}, nil
	}
}

func newCredentials(cfg config.SecretsConf, awsCfg aws.Config, endpoint string) secrets.Provider {
	if cfg.SecretID == "" {
		return secrets.Static(secrets.Credentials{
			NotifyAPIKey:    cfg.NotifyAPIKey,
			SlackWebhookURL: cfg.SlackWebhookURL,
		})
	}
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return secrets.NewCache(secrets.NewSecretsManagerFetcher(client, cfg.SecretID))
}
