package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/adapter"
	"github.com/engagement/orchestration/internal/archive"
	"github.com/engagement/orchestration/internal/bus"
	"github.com/engagement/orchestration/internal/config"
	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/eventstore"
	"github.com/engagement/orchestration/internal/metrics"
	"github.com/engagement/orchestration/internal/notify"
	"github.com/engagement/orchestration/internal/saga"
	"github.com/engagement/orchestration/internal/workflow"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/health"
	"github.com/engagement/orchestration/pkg/logger"
	pkgredis "github.com/engagement/orchestration/pkg/redis"
	"github.com/engagement/orchestration/pkg/response"
	"github.com/engagement/orchestration/pkg/snowflake"
	"github.com/engagement/orchestration/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	logr := logger.New(cfg.ServiceName, os.Stdout)

	traceShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// PostgreSQL archive, optional
	var db *sql.DB
	if cfg.ArchiveEnabled {
		db, err = sql.Open("postgres", cfg.DSN())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dbPingCancel()
		if err := db.PingContext(dbPingCtx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		if _, err := db.ExecContext(dbPingCtx, archive.CreateTableSQL); err != nil {
			log.Fatalf("Failed to migrate archive schema: %v", err)
		}
		log.Printf("Connected to PostgreSQL")
	}

	redisCfg := pkgredis.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TLS, err = pkgredis.TLSConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid Redis TLS configuration: %v", err)
	}
	rdb, err := pkgredis.NewClient(&redisCfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	log.Printf("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.New()

	registry := event.NewRegistry()
	event.RegisterBuiltins(registry)
	store := eventstore.NewRedisStore(rdb.Client)
	eventBus := bus.New(store, registry, logr, metricsCollector, bus.Options{
		Consumer:             cfg.ConsumerName,
		MaxRetries:           cfg.BusMaxRetries,
		HandlerTimeout:       cfg.HandlerTimeout,
		ClaimMinIdle:         cfg.ClaimMinIdle,
		PendingCheckInterval: cfg.PendingCheckInterval,
	})

	gateway := adapter.New(logr, metricsCollector)
	endpoints := map[string]string{
		workflow.ServiceLedger:     cfg.LedgerServiceURL,
		workflow.ServiceCompliance: cfg.ComplianceServiceURL,
		workflow.ServiceReporting:  cfg.ReportingServiceURL,
		workflow.ServiceStorage:    cfg.StorageServiceURL,
	}
	for name, baseURL := range endpoints {
		if err := gateway.Register(name, adapter.Endpoint{
			BaseURL:          baseURL,
			AuthToken:        cfg.AdapterToken,
			Timeout:          cfg.AdapterTimeout,
			MaxRetries:       cfg.AdapterMaxAttempts,
			BreakerThreshold: uint32(cfg.BreakerThreshold),
			Cooldown:         cfg.BreakerCooldown,
		}); err != nil {
			log.Fatalf("Failed to register %s endpoint: %v", name, err)
		}
	}

	definitions := saga.NewRegistry()
	if err := workflow.Register(definitions, workflow.Deps{
		Invoker: gateway,
		Redis:   rdb.Client,
		LockTTL: cfg.EngagementLockTTL,
	}); err != nil {
		log.Fatalf("Failed to register workflows: %v", err)
	}

	execStore := saga.NewRedisExecutionStore(rdb.Client, cfg.ExecutionTTL)
	orchestrator := saga.NewOrchestrator(definitions, execStore, eventBus, logr, metricsCollector, saga.Options{
		StepTimeout:       cfg.StepTimeout,
		CompensateTimeout: cfg.CompensateTimeout,
	})
	workflows := workflow.NewService(orchestrator, eventBus, rdb.Client, logr)

	var archiver *archive.Archiver
	if db != nil {
		archiver, err = archive.New(db, snowflakeIDGen{},
			archive.WithMetrics(metricsCollector),
			archive.WithErrorHandler(func(archiveErr error) {
				logr.WithError(archiveErr).Error("archive write failed")
			}),
		)
		if err != nil {
			log.Fatalf("Failed to create archiver: %v", err)
		}
	}

	notifier := notify.New(rdb.Client, logr)
	if err := eventBus.Subscribe(event.ChannelLifecycle, "", "notify-lifecycle", notifier.HandleLifecycle); err != nil {
		log.Fatalf("Failed to subscribe notify fanout: %v", err)
	}
	if err := eventBus.Subscribe(event.ChannelEngagementFinalized, event.TypeEngagementFinalized, "notify-engagement", notifier.HandleEngagementFinalized); err != nil {
		log.Fatalf("Failed to subscribe engagement fanout: %v", err)
	}
	if archiver != nil {
		if err := eventBus.Subscribe(event.ChannelLifecycle, "", "saga-archiver", archiveOnTerminal(orchestrator, archiver)); err != nil {
			log.Fatalf("Failed to subscribe archiver: %v", err)
		}
	}

	if err := eventBus.StartListening(ctx); err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}

	checks := health.New()
	if db != nil {
		checks.Register(health.NewPostgresChecker(db))
	}
	checks.Register(health.NewRedisChecker(redisPinger{client: rdb.Client}))
	for _, c := range eventBus.Checkers(45 * time.Second) {
		checks.Register(c)
	}
	// downstream services are breaker-guarded, so they inform the health
	// report without gating readiness
	for name, baseURL := range endpoints {
		checks.RegisterOptional(health.NewHTTPChecker(name, baseURL+"/live"))
	}
	checks.SetReady(true)

	api := &apiServer{
		log:           logr,
		bus:           eventBus,
		orchestrator:  orchestrator,
		workflows:     workflows,
		archiver:      archiver,
		gateway:       gateway,
		internalToken: cfg.InternalToken,
	}

	mux := http.NewServeMux()
	api.routes(mux)

	metricsHandler := http.Handler(metricsCollector.Handler())
	if cfg.MetricsToken != "" {
		inner := metricsHandler
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, cfg.MetricsToken) {
				response.WriteErrorCode(w, r, apierrors.CodeUnauthenticated, "unauthorized")
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/live", checks.LiveHandler())
	mux.HandleFunc("/ready", checks.ReadyHandler())
	mux.HandleFunc("/health", checks.HealthHandler())

	handler := response.BodyLimitMiddleware(maxBodyBytes, mux)
	handler = tracing.HTTPMiddleware(handler)
	handler = response.RecoveryMiddleware(logr, handler)
	handler = response.LoggingMiddleware(logr, handler)
	handler = response.RequestIDMiddleware(handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	checks.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	eventBus.Close()
	archiver.Close()
	if err := traceShutdown(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}

// archiveOnTerminal copies executions into the archive as soon as their
// terminal lifecycle event lands, so lookups keep working after the hot
// store entry expires. The retention sweep catches anything this misses.
func archiveOnTerminal(orchestrator *saga.Orchestrator, archiver *archive.Archiver) bus.Handler {
	return func(ctx context.Context, evt *event.Event) error {
		switch evt.Type {
		case event.TypeSagaCompleted, event.TypeSagaFailed:
		default:
			return nil
		}
		if evt.CorrelationID == "" {
			return nil
		}
		exec, err := orchestrator.Get(ctx, evt.CorrelationID)
		if err != nil {
			if apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
				// already trimmed from the hot store
				return nil
			}
			return err
		}
		if !exec.Status.Terminal() {
			// the event raced the status write; the sweep picks it up
			return nil
		}
		return archiver.Archive(ctx, exec)
	}
}

type snowflakeIDGen struct{}

func (g snowflakeIDGen) Generate() (int64, error) {
	return snowflake.NextID()
}

// redisPinger adapts *redis.Client to the health checker interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) health.RedisPingCmd {
	return p.client.Ping(ctx)
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}

const maxBodyBytes int64 = 4 << 20
