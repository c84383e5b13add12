// Package circuit implements a rolling-window circuit breaker that fails fast
// against a degrading dependency and admits a single probe to test recovery.
package circuit

import (
	"fmt"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation, requests allowed.
	StateOpen                  // Circuit open, requests fast-failed.
	StateHalfOpen              // Probing mode, a single request allowed.
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state as its upper-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	DefaultRollingWindow = 60 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultResetTimeout  = 30 * time.Second
)

// Config holds circuit breaker configuration.
type Config struct {
	Name                     string        `yaml:"name"                       json:"name"`
	Timeout                  time.Duration `yaml:"timeout"                    json:"timeout"`
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage" json:"error_threshold_percentage"`
	RollingWindow            time.Duration `yaml:"rolling_window"             json:"rolling_window"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"              json:"reset_timeout"`
	VolumeThreshold          int           `yaml:"volume_threshold"           json:"volume_threshold"`
}

// withDefaults fills zero durations.
func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RollingWindow == 0 {
		c.RollingWindow = DefaultRollingWindow
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// Validate rejects configurations that can never behave sensibly.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit: name is required")
	}
	if c.ErrorThresholdPercentage < 0 || c.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("circuit %s: error threshold %.2f outside 0-100", c.Name, c.ErrorThresholdPercentage)
	}
	if c.Timeout < 0 || c.RollingWindow < 0 || c.ResetTimeout < 0 {
		return fmt.Errorf("circuit %s: durations must not be negative", c.Name)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("circuit %s: volume threshold must not be negative", c.Name)
	}
	return nil
}

// Stats is a consistent snapshot of a breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Failures            int       `json:"failures"`
	Successes           int       `json:"successes"`
	TotalRequests       int       `json:"total_requests"`
	FailureRate         float64   `json:"failure_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	NextAttemptTime     time.Time `json:"next_attempt_time"`
}
