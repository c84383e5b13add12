package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/vietddude/scrapeguard/internal/core/config"
	redisclient "github.com/vietddude/scrapeguard/internal/infra/redis"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/infra/storage/postgres"
	"github.com/vietddude/scrapeguard/internal/resilience/adapter"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
	"github.com/vietddude/scrapeguard/internal/resilience/health"
)

// stores holds the persistent components the admin commands work on.
type stores struct {
	db          *postgres.DB
	redisClient *redisclient.Client
	queue       *dlq.Queue
	health      *health.Monitor
	adapters    *adapter.Manager
}

// openStores connects to the configured database. The admin commands are
// meaningless against in-memory storage, so a missing URL is fatal.
func openStores(ctx context.Context, cfg *config.AppConfig) *stores {
	if cfg.Database.URL == "" {
		slog.Error("database.url is required for this command")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	s := &stores{db: db}
	var healthRepo storage.HealthRepository = postgres.NewHealthRepo(db)
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, reading health from database", "error", err)
		} else {
			s.redisClient = client
			healthRepo = redisclient.NewHealthStore(client, cfg.Redis)
		}
	}

	s.queue = dlq.NewQueue(postgres.NewFailedRepo(db), cfg.DLQ)
	s.health = health.NewMonitor(cfg.Health, healthRepo)
	if err := s.health.Load(ctx); err != nil {
		slog.Warn("Failed to load platform health", "error", err)
	}
	s.adapters = adapter.NewManager(postgres.NewAdapterRepo(db), s.health, cfg.Adapters)
	return s
}

func (s *stores) Close(ctx context.Context) {
	_ = s.health.Close(ctx)
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	_ = s.db.Close()
}
