// Package main is the entry point for the intake BFF server. It wires all
// dependencies together and starts the HTTP server.
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

	"github.com/taskfront/intake/internal/autosave"
	"github.com/taskfront/intake/internal/backend"
	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/openapi"
	"github.com/taskfront/intake/internal/payment"
	"github.com/taskfront/intake/internal/reconcile"
	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/internal/transport"
	"github.com/taskfront/intake/internal/workitem"
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "intake-bff", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load OpenAPI specs and verify the operations this BFF calls
	// actually exist on the backends.
	oaIndex := openapi.NewIndex()
	specSources := buildSpecSources(cfg.Specs)
	if err := oaIndex.Load(specSources); err != nil {
		logger.Fatal("OpenAPI index load failed", zap.Error(err))
		return 1
	}
	if err := oaIndex.Require(config.ServiceWorkItems, workitem.RequiredOperations...); err != nil {
		logger.Fatal("work-items contract check failed", zap.Error(err))
		return 1
	}
	if err := oaIndex.Require(config.ServicePayments, payment.RequiredOperations...); err != nil {
		logger.Fatal("payments contract check failed", zap.Error(err))
		return 1
	}
	for _, s := range specSources {
		metrics.SetOpenAPIOperationsIndexed(s.ServiceID, float64(len(oaIndex.AllOperationIDs(s.ServiceID))))
	}

	// Step 5: Initialize the session snapshot store.
	store, storeCheck, storeCloser, err := buildSnapshotStore(ctx, cfg.Snapshot, logger)
	if err != nil {
		logger.Fatal("snapshot store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build backend clients.
	workItemsHTTP := backend.NewClient(config.ServiceWorkItems, cfg.Services[config.ServiceWorkItems])
	paymentsHTTP := backend.NewClient(config.ServicePayments, cfg.Services[config.ServicePayments])
	drafts := workitem.NewClient(workItemsHTTP)
	payments := payment.NewClient(paymentsHTTP)

	// Step 7: Build the reconciliation engine and auto-save dispatcher.
	engine := reconcile.NewEngine(store, drafts, logger, metrics)
	dispatcher := autosave.NewDispatcher(store, drafts, cfg.Autosave, logger, metrics)

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	specServiceIDs := make([]string, 0, len(specSources))
	for _, s := range specSources {
		specServiceIDs = append(specServiceIDs, s.ServiceID)
	}
	readinessChecks := observability.ReadinessChecks{
		OpenAPILoaded: func() bool {
			for _, svcID := range specServiceIDs {
				if len(oaIndex.AllOperationIDs(svcID)) > 0 {
					return true
				}
			}
			return len(specServiceIDs) == 0 // OK if no specs configured
		},
		SnapshotStore: storeCheck,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Engine:       engine,
		Saver:        dispatcher,
		Drafts:       drafts,
		Payments:     payments,
		Store:        store,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Ready:        observability.HandleReady(readinessChecks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go dispatcher.RunFlusher(bgCtx, cfg.Autosave.FlushInterval)
	go runBreakerStateReporter(bgCtx, metrics, workItemsHTTP, paymentsHTTP)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("snapshot_driver", cfg.Snapshot.Driver),
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

	// Cancel background tasks and drain pending auto-saves.
	bgCancel()
	dispatcher.Flush(shutdownCtx)

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

// buildSpecSources converts config spec sources to openapi.SpecSource.
func buildSpecSources(specsCfg config.SpecsConfig) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(specsCfg.Sources))
	for i, s := range specsCfg.Sources {
		specPath := s.SpecFile
		if specsCfg.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(specsCfg.Directory, specPath)
		}
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			SpecPath:  specPath,
		}
	}
	return sources
}

// buildSnapshotStore creates the snapshot store based on config. It returns
// the store, an optional readiness checker, and an optional closer.
func buildSnapshotStore(ctx context.Context, cfg config.SnapshotConfig, logger *zap.Logger) (snapshot.Store, observability.HealthChecker, func(), error) {
	ttls := snapshot.TTLs{
		Snapshot: cfg.SnapshotTTL,
		Guard:    cfg.GuardTTL,
		Pending:  cfg.PendingTTL,
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory snapshot store")
		return snapshot.NewMemoryStore(ttls), nil, nil, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("snapshot store: redis ping: %w", err)
		}
		check := observability.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return snapshot.NewRedisStore(client, ttls), check, func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("snapshot store: parse DSN: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("snapshot store: ping: %w", err)
		}
		check := observability.CheckerFunc(pool.Ping)
		return snapshot.NewPgStore(pool, ttls), check, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported snapshot store driver: %q", cfg.Driver)
	}
}

// runBreakerStateReporter exports circuit breaker states as gauges.
func runBreakerStateReporter(ctx context.Context, metrics *observability.Metrics, clients ...*backend.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range clients {
				metrics.SetBackendCircuitBreakerState(c.Name(), float64(c.BreakerState()))
			}
		}
	}
}
