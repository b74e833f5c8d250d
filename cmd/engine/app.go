package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/prometheus/client_golang/prometheus"

	"github.com/finsight/analysis-engine/internal/analyzer"
	"github.com/finsight/analysis-engine/internal/config"
	"github.com/finsight/analysis-engine/internal/engine"
	"github.com/finsight/analysis-engine/internal/events"
	"github.com/finsight/analysis-engine/internal/metrics"
	"github.com/finsight/analysis-engine/internal/platform/postgres"
	"github.com/finsight/analysis-engine/internal/store"
)

// simulatedAnalysisLatency is the per-job delay used by the local
// executor when no analysis service URL is configured.
const simulatedAnalysisLatency = 2 * time.Second

// application holds all initialized components and their dependencies.
type application struct {
	config *config.Config
	logger *slog.Logger

	db       *sql.DB
	jobStore store.JobStore
	bus      *events.InMemoryEventBus
	engine   *engine.Engine
	observer *metrics.Observer
	registry *prometheus.Registry
}

// newApplication creates an application instance with all dependencies
// initialized. The engine is constructed but not started; Run starts it.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}

	app.bus = events.NewInMemoryEventBus(cfg.Engine.EventBufferSize, logger)

	app.registry = prometheus.NewRegistry()
	app.observer = metrics.NewObserver(app.bus, logger)
	if err := app.observer.Register(app.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics collector: %w", err)
	}

	app.engine = engine.NewEngine(
		app.jobStore,
		app.bus,
		app.setupExecutor(),
		engine.Config{
			MaxConcurrentJobs:      cfg.Engine.MaxConcurrentJobs,
			PoolQueueSize:          cfg.Engine.PoolQueueSize,
			WatchdogTimeout:        cfg.Engine.WatchdogTimeout,
			CancelGracePeriod:      cfg.Engine.CancelGracePeriod,
			CompletedRetention:     cfg.Engine.CompletedRetention,
			RetentionCheckInterval: cfg.Engine.RetentionCheckInterval,
		},
		engine.RetryPolicy{
			BaseDelay:    cfg.Engine.BaseRetryDelay,
			MaxDelay:     cfg.Engine.MaxRetryDelay,
			Multiplier:   cfg.Engine.BackoffMultiplier,
			JitterFactor: cfg.Engine.JitterFactor,
		},
		logger,
	)

	logger.Info("application initialized")
	return app, nil
}

// setupStore selects the job store: Postgres when a database URL is
// configured, the in-memory store otherwise.
func (app *application) setupStore(ctx context.Context) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, using in-memory job store; jobs will not survive restarts")
		app.jobStore = store.NewMemoryJobStore()
		return nil
	}

	db, err := sql.Open("pgx", app.config.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := postgres.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	app.db = db
	app.jobStore = postgres.NewPostgresJobStore(db)
	app.logger.Info("connected to postgres job store")
	return nil
}

// setupExecutor selects the executor: the HTTP analyzer when a service
// URL is configured, the local simulator otherwise.
func (app *application) setupExecutor() engine.Executor {
	if app.config.Analyzer.BaseURL != "" {
		app.logger.Info("using HTTP analysis executor",
			"base_url", app.config.Analyzer.BaseURL)
		return analyzer.NewHTTPAnalyzer(
			app.config.Analyzer.BaseURL,
			app.config.Analyzer.RequestTimeout,
			app.logger,
		)
	}

	app.logger.Warn("no analyzer service configured, using local simulated executor")
	return analyzer.NewSimulator(simulatedAnalysisLatency)
}

// Run starts the engine and serves the admin API until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.engine.Stop(shutdownCtx); err != nil {
		app.logger.Error("engine shutdown incomplete", "error", err)
	}

	app.observer.Stop()
	app.bus.Close()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
