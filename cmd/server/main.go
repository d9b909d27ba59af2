package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/areahq/area-pipeline/internal/api"
	"github.com/areahq/area-pipeline/internal/app/oauth"
	"github.com/areahq/area-pipeline/internal/app/webhook"
	"github.com/areahq/area-pipeline/internal/app/worker"
	"github.com/areahq/area-pipeline/internal/config"
	"github.com/areahq/area-pipeline/internal/config/fileloader"
	"github.com/areahq/area-pipeline/internal/config/viperloader"
	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/infra/crypto"
	"github.com/areahq/area-pipeline/internal/infra/eventbus/kafka"
	"github.com/areahq/area-pipeline/internal/infra/metrics"
	redisinfra "github.com/areahq/area-pipeline/internal/infra/redis"
	execmemory "github.com/areahq/area-pipeline/internal/infra/storage/execution/memory"
	execpostgres "github.com/areahq/area-pipeline/internal/infra/storage/execution/postgres"
	"github.com/areahq/area-pipeline/internal/logger"
	"github.com/areahq/area-pipeline/internal/otel"
)

const serviceType = "area-pipeline"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("AREA-PIPELINE-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logLevel(), svcName, traceIDFn, metadata)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func logLevel() logger.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration

	cfg, err := viperloader.New(os.Getenv("CONFIG_PATH")).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Provider secrets are typically mounted separately from the main config.
	if path := os.Getenv("PROVIDERS_PATH"); path != "" {
		providers, err := fileloader.NewFileLoader(path).Load(ctx)
		if err != nil {
			return fmt.Errorf("loading provider registry: %w", err)
		}
		for name, provider := range providers {
			cfg.Providers[name] = provider
		}
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: 0.05,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())

	tracer := traceProvider.Tracer(serviceType)

	pipelineMetrics, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// Backing Stores

	log.Info(ctx, "startup", "status", "connecting to redis", "addr", cfg.Redis.Addr)

	redisClient, err := redisinfra.ConnectWithRetry(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	var executions execution.Store
	if cfg.Postgres.Enabled {
		pool, err := execpostgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pool.Close()
		executions = execpostgres.NewStore(pool, tracer)
	} else {
		log.Warn(ctx, "postgres disabled, execution state is in-memory only")
		executions = execmemory.NewStore()
	}

	// -------------------------------------------------------------------------
	// Event Bus

	log.Info(ctx, "startup", "status", "initializing event bus", "backend", cfg.Stream.Backend)

	var bus events.EventBus
	switch cfg.Stream.Backend {
	case config.BusBackendKafka:
		bus, err = kafka.ConnectWithRetry(&kafka.Config{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			Partitions: int32(cfg.Worker.PoolSize),
		}, log, pipelineMetrics, tracer)
	default:
		bus, err = redisinfra.NewStreamBus(
			redisClient, cfg.Stream.BatchSize, cfg.Stream.PollTimeout,
			log, pipelineMetrics, tracer,
		)
	}
	if err != nil {
		return fmt.Errorf("creating event bus: %w", err)
	}

	if err := bus.EnsureStreamAndGroup(ctx, cfg.Stream.Name, cfg.Stream.Group); err != nil {
		return fmt.Errorf("initializing stream: %w", err)
	}

	// -------------------------------------------------------------------------
	// Token Refresh

	cipher, err := crypto.NewTokenCipher(cfg.Crypto.Key, log, pipelineMetrics)
	if err != nil {
		return fmt.Errorf("creating token cipher: %w", err)
	}

	oauthClients := make(map[string]oauth.ClientCredentials, len(cfg.Providers))
	for name, provider := range cfg.Providers {
		if provider.ClientID == "" {
			continue
		}
		oauthClients[name] = oauth.ClientCredentials{
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
		}
	}

	tokens, err := oauth.NewManager(
		redisinfra.NewCredentialStore(redisClient),
		cipher, oauthClients, log, pipelineMetrics,
		oauth.WithSessionTokens(redisinfra.NewTokenStore(redisClient, log)),
	)
	if err != nil {
		return fmt.Errorf("creating token manager: %w", err)
	}

	// -------------------------------------------------------------------------
	// Webhook Ingestion

	ingestor, err := webhook.NewIngestor(
		webhook.NewSignatureValidator(),
		redisinfra.NewDeduplicator(redisClient, log, pipelineMetrics),
		webhook.NewNormalizer(redisinfra.NewRegistrationStore(redisClient, log)),
		executions,
		bus,
		cfg.Stream.Name,
		cfg,
		log,
		pipelineMetrics,
	)
	if err != nil {
		return fmt.Errorf("creating webhook ingestor: %w", err)
	}

	// -------------------------------------------------------------------------
	// Worker Pool

	executor := worker.NewHTTPReactionExecutor(
		&http.Client{Timeout: 30 * time.Second},
		tokens,
		redisinfra.NewTargetStore(redisClient),
		10, 20,
		log,
	)

	pool, err := worker.NewPool(
		worker.Config{
			StreamKey:        cfg.Stream.Name,
			Group:            cfg.Stream.Group,
			ConsumerName:     cfg.Stream.Consumer(),
			PoolSize:         cfg.Worker.PoolSize,
			ExecutionTimeout: cfg.Worker.ExecutionTimeout,
		},
		bus, executions, executor, log, tracer, pipelineMetrics,
	)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	workers := worker.NewService(pool, bus, executions, cfg.Stream.Name, cfg.Stream.Group, log)

	// -------------------------------------------------------------------------
	// Serve

	server := api.NewServer(cfg, log, tracer, ingestor, workers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		err := server.Start(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	log.Info(ctx, "startup", "status", "pipeline running",
		"stream", cfg.Stream.Name,
		"group", cfg.Stream.Group,
		"workers", cfg.Worker.PoolSize,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}
