package domain

import "time"

// HealthEvent is one observed request outcome against a platform.
type HealthEvent struct {
	Platform       string    `json:"platform"          db:"platform"`
	Success        bool      `json:"success"           db:"success"`
	ResponseTimeMs int64     `json:"response_time_ms"  db:"response_time_ms"`
	Error          string    `json:"error,omitempty"   db:"error"`
	URL            string    `json:"url,omitempty"     db:"url"`
	Country        string    `json:"country,omitempty" db:"country"`
	Timestamp      time.Time `json:"timestamp"         db:"timestamp"`
}

// PlatformHealth is the rolling health summary of one platform.
type PlatformHealth struct {
	Platform            string     `json:"platform"             db:"platform"`
	LastCheck           time.Time  `json:"last_check"           db:"last_check"`
	IsAvailable         bool       `json:"is_available"         db:"is_available"`
	SuccessRate1h       float64    `json:"success_rate_1h"      db:"success_rate_1h"`
	SuccessRate24h      float64    `json:"success_rate_24h"     db:"success_rate_24h"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms" db:"avg_response_time_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	Requests1h          int        `json:"requests_1h"          db:"requests_1h"`
	Requests24h         int        `json:"requests_24h"         db:"requests_24h"`
	LastError           string     `json:"last_error,omitempty" db:"last_error"`
	LastErrorTime       *time.Time `json:"last_error_time,omitempty" db:"last_error_time"`
}

// DefaultPlatformHealth is the optimistic snapshot for a platform that has
// never been observed.
func DefaultPlatformHealth(platform string) PlatformHealth {
	return PlatformHealth{
		Platform:       platform,
		IsAvailable:    true,
		SuccessRate1h:  1,
		SuccessRate24h: 1,
	}
}
