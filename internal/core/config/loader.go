package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expands environment variables, fills defaults
// and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Circuits.Defaults.Name == "" {
		c.Circuits.Defaults.Name = "default"
	}
	if c.Circuits.Defaults.ErrorThresholdPercentage == 0 {
		c.Circuits.Defaults.ErrorThresholdPercentage = 50
	}
	if c.Circuits.Defaults.VolumeThreshold == 0 {
		c.Circuits.Defaults.VolumeThreshold = 10
	}
	for i := range c.Circuits.Breakers {
		b := &c.Circuits.Breakers[i]
		if b.ErrorThresholdPercentage == 0 {
			b.ErrorThresholdPercentage = c.Circuits.Defaults.ErrorThresholdPercentage
		}
		if b.VolumeThreshold == 0 {
			b.VolumeThreshold = c.Circuits.Defaults.VolumeThreshold
		}
		if b.Timeout == 0 {
			b.Timeout = c.Circuits.Defaults.Timeout
		}
		if b.RollingWindow == 0 {
			b.RollingWindow = c.Circuits.Defaults.RollingWindow
		}
		if b.ResetTimeout == 0 {
			b.ResetTimeout = c.Circuits.Defaults.ResetTimeout
		}
	}
	c.DLQ = c.DLQ.WithDefaults()
	c.Fetch = c.Fetch.WithDefaults()
	c.Adapters = c.Adapters.WithDefaults()
}

// Validate reports every problem in the configuration at once.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q unknown", c.Logging.Format))
	}

	if err := c.Circuits.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("circuits.defaults: %w", err))
	}
	seen := make(map[string]bool, len(c.Circuits.Breakers))
	for i, b := range c.Circuits.Breakers {
		if err := b.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("circuits.breakers[%d]: %w", i, err))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("circuits.breakers[%d]: duplicate name %s", i, b.Name))
		}
		seen[b.Name] = true
	}

	if c.DLQ.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("dlq.max_attempts must be at least 1"))
	}
	if c.Fetch.MaxBrowsers < 1 || c.Fetch.MaxPagesPerBrowser < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_browsers and fetch.max_pages_per_browser must be positive"))
	}
	schedules := map[string]string{
		"dlq.replay_schedule":     c.DLQ.ReplaySchedule,
		"dlq.cleanup_schedule":    c.DLQ.CleanupSchedule,
		"adapters.sweep_schedule": c.Adapters.SweepSchedule,
	}
	for key, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if c.Adapters.RollbackThreshold <= 0 || c.Adapters.RollbackThreshold >= 1 {
		errs = append(errs, fmt.Errorf("adapters.rollback_threshold %.2f outside (0,1)", c.Adapters.RollbackThreshold))
	}

	return errors.Join(errs...)
}
