package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	extractionapp "github.com/erp/collector/internal/application/extraction"
	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/auth"
	"github.com/erp/collector/internal/infrastructure/bling"
	"github.com/erp/collector/internal/infrastructure/cache"
	"github.com/erp/collector/internal/infrastructure/config"
	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/infrastructure/migration"
	"github.com/erp/collector/internal/infrastructure/persistence"
	"github.com/erp/collector/internal/infrastructure/scheduler"
	"github.com/erp/collector/internal/infrastructure/storage"
	"github.com/erp/collector/internal/infrastructure/telemetry"
	"github.com/erp/collector/internal/interfaces/http/handler"
	"github.com/erp/collector/internal/interfaces/http/middleware"
	"github.com/erp/collector/internal/interfaces/http/router"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

// shutdowner is implemented by every telemetry provider
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLog, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
	}

	// Logs go through the OTLP bridge as well once the log provider is up
	logCfg := telCfg
	logCfg.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled
	logProvider, err := telemetry.NewLoggerProvider(ctx, logCfg, bootLog)
	if err != nil {
		return err
	}
	log := bootLog
	if logProvider.IsEnabled() {
		log, err = newLogger(cfg, telemetry.NewZapOTELCore(cfg.Telemetry.ServiceName, logProvider, logger.ParseLevel(cfg.Log.Level)))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting collector",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("timezone", cfg.App.Timezone),
	)

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telCfg, log)
	if err != nil {
		return err
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telCfg, log)
	if err != nil {
		return err
	}
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.ProfilingEndpoint,
		ApplicationName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		return err
	}
	if profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := profiler.Stop(); err != nil {
			log.Warn("Failed to stop profiler", zap.Error(err))
		}
		for _, p := range []shutdowner{tracerProvider, meterProvider, logProvider} {
			if err := p.Shutdown(shutdownCtx); err != nil {
				log.Warn("Telemetry shutdown failed", zap.Error(err))
			}
		}
	}()

	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database,
		logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level)))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:            cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:         cfg.Telemetry.DBLogFullSQL,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
		DBName:             cfg.Database.DBName,
	}, log); err != nil {
		return err
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	log.Info("Database connected")

	if err := applyMigrations(ctx, cfg.Database.DSN(), log); err != nil {
		return err
	}

	metrics, err := telemetry.NewPipelineMetrics(meterProvider.Meter("collector"))
	if err != nil {
		return err
	}

	loc := cfg.App.Location()
	blingCfg := &bling.Config{
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		APIBaseURL:   cfg.Upstream.BaseURL,
		TokenURL:     cfg.Upstream.TokenURL,
		AuthorizeURL: cfg.Upstream.AuthorizeURL,
		RateDelay:    cfg.Upstream.RateDelay,
		PageSize:     cfg.Upstream.PageSize,
		Timeout:      cfg.Upstream.Timeout,
		MaxPages:     cfg.Upstream.MaxPages,
		Location:     loc,
	}
	upstreamOpts := []bling.Option{
		bling.WithLimiter(bling.NewLimiter(blingCfg)),
		bling.WithLogger(log.Named("bling")),
		bling.WithObserver(metrics),
		bling.WithRetryPolicy(bling.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
	}
	tokenClient, err := bling.NewTokenClient(blingCfg, upstreamOpts...)
	if err != nil {
		return err
	}

	tokens := extractionapp.NewTokenManager(persistence.NewGormTokenStore(db.DB), tokenClient, extractionapp.TokenManagerConfig{
		RefreshWindow: cfg.Pipeline.RefreshWindow,
		Logger:        log.Named("oauth"),
	})
	tokens.SetMetrics(metrics)

	source, err := bling.NewClient(blingCfg, tokens, upstreamOpts...)
	if err != nil {
		return err
	}

	lock, redisClient, err := cache.NewRunLockFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).CreateLock(ctx)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	var archive extraction.PayloadArchive
	if cfg.Pipeline.ArchivePayloads {
		s3, err := storage.NewS3PayloadArchive(ctx, &cfg.Storage, storage.WithLogger(log))
		if err != nil {
			return err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return err
		}
		archive = s3
	}

	hostname, _ := os.Hostname()
	pipeline := extractionapp.NewPipeline(extractionapp.PipelineDeps{
		Source:    source,
		Tokens:    tokens,
		Store:     persistence.NewGormExtractionStore(db.DB),
		Ledger:    persistence.NewGormRunLedger(db.DB),
		Lock:      lock,
		Archive:   archive,
		Inspector: tokens,
		Logger:    log.Named("pipeline"),
	}, extractionapp.PipelineConfig{
		LookbackDays:       cfg.Pipeline.LookbackDays,
		CheckpointInterval: cfg.Pipeline.CheckpointInterval,
		StaleRunAfter:      cfg.Pipeline.StaleRunAfter,
		InvoiceStatus:      cfg.Upstream.InvoiceStatus,
		DocumentType:       cfg.Upstream.DocumentType,
		FailurePolicy:      cfg.Pipeline.RecordFailurePolicy,
		Location:           loc,
		LockOwner:          hostname,
		SharedLock:         redisClient != nil,
	})
	pipeline.SetMetrics(metrics)

	if cfg.Scheduler.Enabled {
		trigger, err := scheduler.NewDailyTrigger(scheduler.DailyTriggerConfig{
			Hour:          cfg.Scheduler.DailyHour,
			Minute:        cfg.Scheduler.DailyMinute,
			CheckInterval: cfg.Scheduler.CheckInterval,
			RunTimeout:    cfg.Pipeline.RunTimeout,
			Location:      loc,
		}, func(ctx context.Context) error {
			_, err := pipeline.Run(ctx, extractionapp.RunRequest{})
			return err
		}, log.Named("scheduler"))
		if err != nil {
			return err
		}
		if err := trigger.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := trigger.Stop(stopCtx); err != nil {
				log.Error("Error stopping daily trigger", zap.Error(err))
			}
		}()
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	triggerTokens := auth.NewTriggerTokens(cfg.Trigger)
	if !triggerTokens.Enabled() {
		log.Warn("Trigger secret not set, run endpoints are unauthenticated")
	}
	engine, err := router.NewEngine(router.EngineConfig{
		Logger: log,
		Meter:  meterProvider.Meter("http.server"),
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     tracerProvider.IsEnabled(),
		},
		Trigger:        triggerTokens,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	}, router.Handlers{
		Health:     handler.NewHealthHandler(sqlDB, func() time.Time { return time.Now().In(loc) }),
		Extraction: handler.NewExtractionHandler(pipeline, cfg.Pipeline.RunTimeout),
		Auth:       handler.NewAuthHandler(tokenClient, tokens, cfg.Upstream.AuthState, nil),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server exited gracefully")
	return nil
}

func newLogger(cfg *config.Config, extra ...zapcore.Core) (*zap.Logger, error) {
	return logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}, extra...)
}

// applyMigrations runs on its own connection pool: closing the migrator
// closes the pool it was given.
func applyMigrations(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database for migrations: %w", err)
	}
	m, err := migration.New(db, log.Named("migrate"))
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Failed to close migrator", zap.Error(err))
		}
	}()
	return m.Up()
}
