// Package main is the entry point for the rekod record-update server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/rekod/internal/capability"
	"github.com/pitabwire/rekod/internal/config"
	"github.com/pitabwire/rekod/internal/csrf"
	"github.com/pitabwire/rekod/internal/entity"
	"github.com/pitabwire/rekod/internal/navigation"
	"github.com/pitabwire/rekod/internal/notify"
	"github.com/pitabwire/rekod/internal/observability"
	"github.com/pitabwire/rekod/internal/schema"
	"github.com/pitabwire/rekod/internal/store"
	"github.com/pitabwire/rekod/internal/transport"
	"github.com/pitabwire/rekod/internal/update"
	"github.com/pitabwire/rekod/internal/validation"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "rekod", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load OpenAPI specs and build the schema index.
	schemaIndex := schema.NewIndex()
	specSources := buildSpecSources(cfg.Specs)
	if err := schemaIndex.Load(specSources); err != nil {
		logger.Error("schema index load failed", zap.Error(err))
		return 1
	}
	for _, s := range specSources {
		metrics.SetSchemaComponentsIndexed(s.ServiceID, float64(len(schemaIndex.AllComponents(s.ServiceID))))
	}

	// Step 5: Load entity definitions, validate, build registry.
	loader := entity.NewLoader()
	defs, err := loader.LoadAll(cfg.Entities.Directories)
	if err != nil {
		logger.Error("entity loading failed", zap.Error(err))
		return 1
	}

	entityValidator := entity.NewValidator()
	verrs := entityValidator.Validate(defs, schemaIndex)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("entity validation error", zap.String("error", ve.Error()))
		}
		logger.Error("entity validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	registry := entity.NewRegistry(defs)
	metrics.SetEntitiesLoaded(float64(registry.Len()))

	// Step 6: Initialize capability resolver.
	capResolver, err := buildCapabilityResolver(cfg.Capability)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Initialize the record store.
	recordStore, redisClient, storeCloser, err := buildRecordStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("record store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Initialize the anti-forgery token manager. The signing secret
	// is only ever read from the environment.
	csrfSecret := os.Getenv(cfg.CSRF.SecretEnv)
	if csrfSecret == "" {
		logger.Error("csrf secret not configured", zap.String("env", cfg.CSRF.SecretEnv))
		return 1
	}
	csrfManager, err := csrf.NewManager([]byte(csrfSecret), cfg.CSRF.TokenTTL)
	if err != nil {
		logger.Error("csrf manager initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Build the update flow.
	recordValidator := validation.NewEngine(registry, schemaIndex)
	notifier := notify.NewFanout(
		notify.NewAuditNotifier(logger),
		notify.NewMetricsNotifier(prometheus.DefaultRegisterer),
	)
	nav := navigation.NewBuilder(
		cfg.Update.FeedbackPath,
		cfg.Update.EditPath,
		cfg.Update.EditAction,
		cfg.Update.DialogSaveURL,
	)

	flowOpts := []update.Option{}
	if redisClient != nil {
		flowOpts = append(flowOpts, update.WithRenderCache(
			update.NewRedisRenderCache(redisClient, cfg.Update.RenderCacheTTL),
		))
	}
	flow := update.NewFlow(
		capResolver,
		csrfManager,
		recordValidator,
		recordStore,
		notifier,
		nav,
		logger,
		flowOpts...,
	)

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	specServiceIDs := make([]string, 0, len(specSources))
	for _, s := range specSources {
		specServiceIDs = append(specServiceIDs, s.ServiceID)
	}
	readinessChecks := observability.ReadinessChecks{
		EntitiesLoaded: func() bool { return registry.Len() > 0 },
		SchemasLoaded: func() bool {
			for _, svcID := range specServiceIDs {
				if len(schemaIndex.AllComponents(svcID)) > 0 {
					return true
				}
			}
			return len(specServiceIDs) == 0 // OK if no specs configured
		},
		RecordStore: pingChecker{recordStore},
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Entities:     registry,
		Store:        recordStore,
		Flow:         flow,
		Ready:        readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("entities", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Close the store.
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// pingChecker adapts a RecordStore's Ping to the readiness check interface.
type pingChecker struct {
	store store.RecordStore
}

func (c pingChecker) HealthCheck(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// buildSpecSources converts config spec sources to schema.SpecSource.
func buildSpecSources(specsCfg config.SpecsConfig) []schema.SpecSource {
	sources := make([]schema.SpecSource, len(specsCfg.Sources))
	for i, s := range specsCfg.Sources {
		specPath := s.SpecFile
		if specsCfg.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(specsCfg.Directory, specPath)
		}
		sources[i] = schema.SpecSource{
			ServiceID: s.ServiceID,
			SpecPath:  specPath,
		}
	}
	return sources
}

// buildCapabilityResolver creates the appropriate resolver based on config.
func buildCapabilityResolver(cfg config.CapabilityConfig) (*capability.Resolver, error) {
	switch cfg.Evaluator {
	case "static", "":
		evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		return capability.NewResolver(evaluator, cfg.Cache.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}

// buildRecordStore creates the record store selected by config. The Redis
// client is returned separately so the render cache can share it; it is nil
// for non-Redis drivers.
func buildRecordStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.RecordStore, redis.Cmdable, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory record store")
		return store.NewMemoryRecordStore(), nil, nil, nil

	case "session":
		addr := os.Getenv(cfg.RedisAddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.RedisAddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("record store: redis ping: %w", err)
		}
		logger.Info("using session record store", zap.String("addr", addr))
		closer := func() { client.Close() }
		return store.NewSessionRecordStore(client, cfg.SessionTTL), client, closer, nil

	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("record store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("record store: ping: %w", err)
		}

		logger.Info("using postgres record store")
		return store.NewPgRecordStore(pool), nil, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}
