package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/scrapeguard/internal/core/config"
	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/core/worker"
	redisclient "github.com/vietddude/scrapeguard/internal/infra/redis"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/infra/storage/memory"
	"github.com/vietddude/scrapeguard/internal/infra/storage/postgres"
	"github.com/vietddude/scrapeguard/internal/metrics"
	"github.com/vietddude/scrapeguard/internal/resilience/adapter"
	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
	"github.com/vietddude/scrapeguard/internal/resilience/fetch"
	"github.com/vietddude/scrapeguard/internal/resilience/health"
)

// App is the composition root. It owns every long-lived component and the
// scheduled jobs that drive them.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	Circuits *circuit.Registry
	Health   *health.Monitor
	Queue    *dlq.Queue
	Replayer *dlq.Replayer
	Adapters *adapter.Manager
	Fetch    *fetch.Manager
	Scraper  *Scraper

	server      *Server
	cron        *cron.Cron
	pruner      *worker.Pruner
	db          *postgres.DB
	redisClient *redisclient.Client
}

// AppOption configures an App.
type AppOption func(*appOptions)

type appOptions struct {
	launcher  fetch.Launcher
	httpFetch fetch.HTTPFetcher
	log       *slog.Logger
}

// WithLauncher replaces the headless Chrome launcher.
func WithLauncher(l fetch.Launcher) AppOption {
	return func(o *appOptions) { o.launcher = l }
}

// WithHTTPFetcher replaces the plain HTTP fetcher used before the browser.
func WithHTTPFetcher(f fetch.HTTPFetcher) AppOption {
	return func(o *appOptions) { o.httpFetch = f }
}

// WithAppLogger sets the logger shared by every component.
func WithAppLogger(log *slog.Logger) AppOption {
	return func(o *appOptions) { o.log = log }
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...AppOption) (*App, error) {
	o := appOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log

	app := &App{cfg: cfg, log: log}

	// 1. Initialize Storage
	var (
		failedRepo  storage.FailedOperationRepository
		adapterRepo storage.AdapterRepository
		healthRepo  storage.HealthRepository
	)
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		failedRepo = postgres.NewFailedRepo(db)
		adapterRepo = postgres.NewAdapterRepo(db)
		healthRepo = postgres.NewHealthRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		failedRepo = memory.NewFailedRepo(store)
		adapterRepo = memory.NewAdapterRepo(store)
		healthRepo = memory.NewHealthRepo(store)
		log.Info("Using Memory storage")
	}

	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, keeping health in primary storage", "error", err)
		} else {
			app.redisClient = client
			healthRepo = redisclient.NewHealthStore(client, cfg.Redis)
			log.Info("Using Redis health store")
		}
	}

	// 2. Initialize Resilience Components
	app.Circuits = circuit.NewRegistry(
		cfg.Circuits.Defaults,
		log,
		circuit.LogObserver{Log: log},
		metrics.CircuitObserver{},
	)
	for _, bc := range cfg.Circuits.Breakers {
		if _, err := app.Circuits.Register(bc); err != nil {
			app.closeStores()
			return nil, fmt.Errorf("failed to register circuit: %w", err)
		}
	}

	app.Health = health.NewMonitor(cfg.Health, healthRepo, health.WithLogger(log))
	if p, ok := healthRepo.(storage.HealthEventPruner); ok {
		app.pruner = worker.NewPruner(cfg.Health.WithDefaults().EventRetention, p, log)
	}
	app.Queue = dlq.NewQueue(failedRepo, cfg.DLQ, dlq.WithLogger(log))
	app.Replayer = dlq.NewReplayer(app.Queue, log)
	app.Adapters = adapter.NewManager(adapterRepo, app.Health, cfg.Adapters, adapter.WithLogger(log))

	launcher := o.launcher
	if launcher == nil {
		launcher = fetch.NewChromeLauncher(cfg.Fetch, log)
	}
	app.Fetch = fetch.NewManager(
		launcher,
		cfg.Fetch,
		fetch.WithLogger(log),
		fetch.WithHealth(app.Health),
	)

	httpFetch := o.httpFetch
	if httpFetch == nil {
		httpFetch = fetch.NewHTTPFetcher(cfg.Fetch)
	}
	app.Scraper = NewScraper(app.Circuits, app.Fetch, app.Queue, httpFetch, log)
	for _, t := range domain.OperationTypes {
		app.Replayer.Handle(t, app.Scraper.Replay)
	}

	// 3. Scheduled jobs
	cronLog := cronLogger{log: log}
	app.cron = cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))
	if err := app.scheduleJobs(); err != nil {
		app.closeStores()
		return nil, err
	}

	app.server = NewServer(app, cfg.Server.Port, log)
	return app, nil
}

// HandleOperation replaces the replay handler for one operation type.
func (a *App) HandleOperation(t domain.OperationType, h dlq.Handler) {
	a.Replayer.Handle(t, h)
}

// Server returns the admin HTTP server.
func (a *App) Server() *Server {
	return a.server
}

func (a *App) scheduleJobs() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"dlq-replay", a.cfg.DLQ.ReplaySchedule, a.runReplay},
		{"adapter-sweep", a.cfg.Adapters.SweepSchedule, a.runSweep},
		{"dlq-cleanup", a.cfg.DLQ.CleanupSchedule, a.runCleanup},
	}
	for _, job := range jobs {
		_, err := a.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := job.run(ctx); err != nil {
				a.log.Error("Scheduled job failed", "job", job.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func (a *App) runReplay(ctx context.Context) error {
	report, err := a.Replayer.ProcessDue(ctx)
	if err != nil {
		return err
	}
	if report.Processed > 0 {
		a.log.Info("DLQ replay finished",
			"processed", report.Processed,
			"resolved", report.Resolved,
			"retried", report.Retried,
			"escalated", report.Escalated,
			"errors", report.Errors)
	}
	return nil
}

func (a *App) runSweep(ctx context.Context) error {
	events, err := a.Adapters.SweepAll(ctx)
	for _, ev := range events {
		a.log.Warn("Adapter rolled back",
			"platform", ev.Platform,
			"from", ev.FromVersion,
			"to", ev.ToVersion,
			"success_rate", ev.SuccessRateBefore)
	}
	return err
}

func (a *App) runCleanup(ctx context.Context) error {
	deleted, err := a.Queue.Cleanup(ctx, a.cfg.DLQ.Retention)
	if err != nil {
		return err
	}
	a.log.Info("DLQ cleanup finished", "deleted", deleted)
	return nil
}

// Start loads persisted state and starts the scheduler, the pool sweeper
// and the admin server.
func (a *App) Start(ctx context.Context) error {
	if err := a.Health.Load(ctx); err != nil {
		a.log.Warn("Failed to load platform health", "error", err)
	}

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.pruner != nil {
		go a.pruner.Start(ctx)
	}

	go a.Fetch.Start(ctx)
	a.cron.Start()

	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("Admin server failed", "error", err)
		}
	}()

	a.log.Info("ScrapeGuard started", "port", a.cfg.Server.Port)
	return nil
}

// Stop drains the scheduler, the server and the browser pool, then closes
// storage. Every step runs even when an earlier one fails.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping ScrapeGuard...")
	var errs []error

	cronDone := a.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduled jobs still running: %w", ctx.Err()))
	}

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin server: %w", err))
	}
	if err := a.Fetch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("browser pool: %w", err))
	}
	if err := a.Health.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health monitor: %w", err))
	}
	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
