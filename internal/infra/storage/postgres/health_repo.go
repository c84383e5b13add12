package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

// HealthRepo implements storage.HealthRepository using PostgreSQL.
type HealthRepo struct {
	db *DB
}

// NewHealthRepo creates a new PostgreSQL health repository.
func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

// SaveEvent appends a raw event to the log.
func (r *HealthRepo) SaveEvent(ctx context.Context, ev *domain.HealthEvent) error {
	query := `
		INSERT INTO health_events (platform, success, response_time_ms, error, url, country, "timestamp")
		VALUES (:platform, :success, :response_time_ms, :error, :url, :country, :timestamp)
	`
	if _, err := r.db.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("failed to save health event: %w", err)
	}
	return nil
}

// SaveSummary upserts the summary of a platform.
func (r *HealthRepo) SaveSummary(ctx context.Context, h *domain.PlatformHealth) error {
	query := `
		INSERT INTO platform_health (
			platform, last_check, is_available, success_rate_1h, success_rate_24h,
			avg_response_time_ms, consecutive_failures, requests_1h, requests_24h,
			last_error, last_error_time
		) VALUES (
			:platform, :last_check, :is_available, :success_rate_1h, :success_rate_24h,
			:avg_response_time_ms, :consecutive_failures, :requests_1h, :requests_24h,
			:last_error, :last_error_time
		)
		ON CONFLICT (platform) DO UPDATE SET
			last_check = EXCLUDED.last_check,
			is_available = EXCLUDED.is_available,
			success_rate_1h = EXCLUDED.success_rate_1h,
			success_rate_24h = EXCLUDED.success_rate_24h,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			consecutive_failures = EXCLUDED.consecutive_failures,
			requests_1h = EXCLUDED.requests_1h,
			requests_24h = EXCLUDED.requests_24h,
			last_error = EXCLUDED.last_error,
			last_error_time = EXCLUDED.last_error_time
	`
	if _, err := r.db.NamedExecContext(ctx, query, h); err != nil {
		return fmt.Errorf("failed to save platform health: %w", err)
	}
	return nil
}

// LoadSummaries returns every persisted summary.
func (r *HealthRepo) LoadSummaries(ctx context.Context) ([]*domain.PlatformHealth, error) {
	query := `
		SELECT platform, last_check, is_available, success_rate_1h, success_rate_24h,
			avg_response_time_ms, consecutive_failures, requests_1h, requests_24h,
			last_error, last_error_time
		FROM platform_health
		ORDER BY platform
	`
	var out []*domain.PlatformHealth
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to load platform health: %w", err)
	}
	return out, nil
}

// DeleteEventsBefore removes raw events recorded before cutoff.
func (r *HealthRepo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM health_events WHERE "timestamp" < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune health events: %w", err)
	}
	return res.RowsAffected()
}
