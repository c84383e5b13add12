package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a unique key already exists
	ErrConflict = errors.New("record already exists")
)

// FailedOperationRepository handles the dead letter queue collection
type FailedOperationRepository interface {
	// Insert stores a new failed operation
	Insert(ctx context.Context, op *domain.FailedOperation) error

	// Get retrieves a failed operation by id
	Get(ctx context.Context, id string) (*domain.FailedOperation, error)

	// Update applies fn to the stored operation atomically and persists the result
	Update(
		ctx context.Context,
		id string,
		fn func(op *domain.FailedOperation) error,
	) (*domain.FailedOperation, error)

	// Due returns pending operations whose next retry is at or before now,
	// ordered by next retry ascending
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedOperation, error)

	// Find returns operations matching the filter, newest first
	Find(ctx context.Context, filter domain.OperationFilter) ([]*domain.FailedOperation, error)

	// Stats counts operations matching the filter
	Stats(ctx context.Context, filter domain.OperationFilter) (domain.OperationStats, error)

	// DeleteResolvedBefore removes operations resolved before cutoff
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdapterRepository handles adapter versions, rollbacks and alerts
type AdapterRepository interface {
	// CreateVersion stores a version. When v.Status is active the previously
	// active version of the platform is deprecated in the same operation.
	CreateVersion(ctx context.Context, v *domain.AdapterVersion) error

	// GetVersion retrieves one version
	GetVersion(ctx context.Context, platform, version string) (*domain.AdapterVersion, error)

	// ListVersions returns all versions of a platform, newest deployment first
	ListVersions(ctx context.Context, platform string) ([]*domain.AdapterVersion, error)

	// ListPlatforms returns every platform that has at least one version
	ListPlatforms(ctx context.Context) ([]string, error)

	// Activate promotes version to active and deprecates the current active
	// version with reason, atomically. It returns the previously active version.
	Activate(
		ctx context.Context,
		platform, version, reason string,
		at time.Time,
	) (*domain.AdapterVersion, error)

	// UpdateVersionStats refreshes the observed metrics of a version
	UpdateVersionStats(
		ctx context.Context,
		platform, version string,
		successRate float64,
		requests int,
		lastUsed time.Time,
	) error

	// SaveRollback appends a rollback event
	SaveRollback(ctx context.Context, ev *domain.RollbackEvent) error

	// ListRollbacks returns rollback events, newest first. Empty platform means all.
	ListRollbacks(ctx context.Context, platform string, limit int) ([]*domain.RollbackEvent, error)

	// SaveAlert appends an alert record
	SaveAlert(ctx context.Context, alert *domain.AdapterAlert) error

	// ListAlerts returns alerts, newest first. Empty platform means all.
	ListAlerts(ctx context.Context, platform string, limit int) ([]*domain.AdapterAlert, error)
}

// HealthRepository persists raw health events and per-platform summaries
type HealthRepository interface {
	// SaveEvent appends a raw event to the log
	SaveEvent(ctx context.Context, ev *domain.HealthEvent) error

	// SaveSummary upserts the summary of a platform
	SaveSummary(ctx context.Context, h *domain.PlatformHealth) error

	// LoadSummaries returns every persisted summary
	LoadSummaries(ctx context.Context) ([]*domain.PlatformHealth, error)
}

// HealthEventPruner is implemented by health stores whose raw events do not
// expire on their own
type HealthEventPruner interface {
	// DeleteEventsBefore removes raw events recorded before cutoff
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
