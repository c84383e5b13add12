package domain

import "time"

// AdapterVersion is one deployable revision of a platform scraper.
type AdapterVersion struct {
	Platform          string        `json:"platform"                     db:"platform"`
	Version           string        `json:"version"                      db:"version"`
	DeployedAt        time.Time     `json:"deployed_at"                  db:"deployed_at"`
	Status            AdapterStatus `json:"status"                       db:"status"`
	SuccessRate       *float64      `json:"success_rate,omitempty"       db:"success_rate"`
	RequestsTested    *int          `json:"requests_tested,omitempty"    db:"requests_tested"`
	LastUsed          *time.Time    `json:"last_used,omitempty"          db:"last_used"`
	DeprecatedAt      *time.Time    `json:"deprecated_at,omitempty"      db:"deprecated_at"`
	DeprecationReason string        `json:"deprecation_reason,omitempty" db:"deprecation_reason"`
}

type AdapterStatus string

const (
	AdapterStatusActive     AdapterStatus = "active"
	AdapterStatusTesting    AdapterStatus = "testing"
	AdapterStatusDeprecated AdapterStatus = "deprecated"
)

// Valid reports whether s is a known adapter status.
func (s AdapterStatus) Valid() bool {
	switch s {
	case AdapterStatusActive, AdapterStatusTesting, AdapterStatusDeprecated:
		return true
	}
	return false
}

// RollbackEvent records one version swap, automatic or manual.
type RollbackEvent struct {
	ID                string    `json:"id"                  db:"id"`
	Platform          string    `json:"platform"            db:"platform"`
	FromVersion       string    `json:"from_version"        db:"from_version"`
	ToVersion         string    `json:"to_version"          db:"to_version"`
	Reason            string    `json:"reason"              db:"reason"`
	SuccessRateBefore float64   `json:"success_rate_before" db:"success_rate_before"`
	Timestamp         time.Time `json:"timestamp"           db:"timestamp"`
	Automatic         bool      `json:"automatic"           db:"automatic"`
	AlertSent         bool      `json:"alert_sent"          db:"alert_sent"`
}

// AdapterAlert is an operator-facing notice raised by the version manager.
type AdapterAlert struct {
	ID          string    `json:"id"           db:"id"`
	Platform    string    `json:"platform"     db:"platform"`
	Kind        AlertKind `json:"kind"         db:"kind"`
	Message     string    `json:"message"      db:"message"`
	Version     string    `json:"version"      db:"version"`
	SuccessRate float64   `json:"success_rate" db:"success_rate"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

type AlertKind string

const (
	AlertKindRollback         AlertKind = "rollback"
	AlertKindNoRollbackTarget AlertKind = "no_rollback_target"
	AlertKindRollbackFailed   AlertKind = "rollback_failed"
)

// HealthClass is the dashboard classification of an adapter.
type HealthClass string

const (
	HealthClassHealthy  HealthClass = "healthy"
	HealthClassDegraded HealthClass = "degraded"
	HealthClassFailing  HealthClass = "failing"
)

// ClassifySuccessRate maps a 0..1 success rate onto a HealthClass:
// healthy above 0.8, degraded from 0.5 to 0.8, failing below 0.5.
func ClassifySuccessRate(rate float64) HealthClass {
	switch {
	case rate > 0.8:
		return HealthClassHealthy
	case rate >= 0.5:
		return HealthClassDegraded
	default:
		return HealthClassFailing
	}
}

// AdapterSummary is the per-platform dashboard view.
type AdapterSummary struct {
	Platform      string         `json:"platform"`
	ActiveVersion string         `json:"active_version"`
	Health        HealthClass    `json:"health"`
	SuccessRate   float64        `json:"success_rate"`
	VersionCount  int            `json:"version_count"`
	LastRollback  *RollbackEvent `json:"last_rollback,omitempty"`
}
