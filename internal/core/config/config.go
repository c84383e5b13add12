package config

import (
	redisclient "github.com/vietddude/scrapeguard/internal/infra/redis"
	"github.com/vietddude/scrapeguard/internal/infra/storage/postgres"
	"github.com/vietddude/scrapeguard/internal/resilience/adapter"
	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
	"github.com/vietddude/scrapeguard/internal/resilience/fetch"
	"github.com/vietddude/scrapeguard/internal/resilience/health"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Circuits CircuitsConfig     `yaml:"circuits"`
	Health   health.Config      `yaml:"health"`
	DLQ      dlq.Config         `yaml:"dlq"`
	Fetch    fetch.Config       `yaml:"fetch"`
	Adapters adapter.Config     `yaml:"adapters"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CircuitsConfig holds the breaker applied to unnamed dependencies and the
// per-dependency overrides.
type CircuitsConfig struct {
	Defaults circuit.Config   `yaml:"defaults"`
	Breakers []circuit.Config `yaml:"breakers"`
}
