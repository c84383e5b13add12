package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
)

const versionColumns = `platform, version, deployed_at, status, success_rate, requests_tested,
	last_used, deprecated_at, deprecation_reason`

// AdapterRepo implements storage.AdapterRepository using PostgreSQL.
type AdapterRepo struct {
	db *DB
}

// NewAdapterRepo creates a new PostgreSQL adapter repository.
func NewAdapterRepo(db *DB) *AdapterRepo {
	return &AdapterRepo{db: db}
}

// deprecateActive retires the active version of platform other than keep and
// returns it, or nil when there was none.
func deprecateActive(
	ctx context.Context,
	tx *sqlx.Tx,
	platform, keep, reason string,
	at time.Time,
) (*domain.AdapterVersion, error) {
	query := `
		UPDATE adapter_versions
		SET status = $4, deprecated_at = $5, deprecation_reason = $6
		WHERE platform = $1 AND status = $2 AND version <> $3
		RETURNING ` + versionColumns
	var rows []domain.AdapterVersion
	err := tx.SelectContext(
		ctx,
		&rows,
		query,
		platform,
		string(domain.AdapterStatusActive),
		keep,
		string(domain.AdapterStatusDeprecated),
		at,
		reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deprecate active version: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CreateVersion stores a version, retiring the current active one when v is active.
func (r *AdapterRepo) CreateVersion(ctx context.Context, v *domain.AdapterVersion) error {
	return r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		if v.Status == domain.AdapterStatusActive {
			reason := "superseded by " + v.Version
			if _, err := deprecateActive(ctx, tx, v.Platform, v.Version, reason, v.DeployedAt); err != nil {
				return err
			}
		}
		query := `
			INSERT INTO adapter_versions (` + versionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err := tx.ExecContext(
			ctx,
			query,
			v.Platform,
			v.Version,
			v.DeployedAt,
			string(v.Status),
			v.SuccessRate,
			v.RequestsTested,
			v.LastUsed,
			v.DeprecatedAt,
			v.DeprecationReason,
		)
		if err != nil {
			return fmt.Errorf("failed to create adapter %s@%s: %w", v.Platform, v.Version, mapError(err))
		}
		return nil
	})
}

// GetVersion retrieves one version.
func (r *AdapterRepo) GetVersion(ctx context.Context, platform, version string) (*domain.AdapterVersion, error) {
	var v domain.AdapterVersion
	err := r.db.GetContext(
		ctx,
		&v,
		`SELECT `+versionColumns+` FROM adapter_versions WHERE platform = $1 AND version = $2`,
		platform,
		version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get adapter version: %w", err)
	}
	return &v, nil
}

// ListVersions returns all versions of a platform, newest deployment first.
func (r *AdapterRepo) ListVersions(ctx context.Context, platform string) ([]*domain.AdapterVersion, error) {
	var versions []*domain.AdapterVersion
	err := r.db.SelectContext(
		ctx,
		&versions,
		`SELECT `+versionColumns+` FROM adapter_versions WHERE platform = $1 ORDER BY deployed_at DESC`,
		platform,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list adapter versions: %w", err)
	}
	return versions, nil
}

// ListPlatforms returns every platform with at least one version.
func (r *AdapterRepo) ListPlatforms(ctx context.Context) ([]string, error) {
	var platforms []string
	err := r.db.SelectContext(
		ctx,
		&platforms,
		`SELECT DISTINCT platform FROM adapter_versions ORDER BY platform`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	return platforms, nil
}

// Activate promotes version and deprecates the previous active version.
func (r *AdapterRepo) Activate(
	ctx context.Context,
	platform, version, reason string,
	at time.Time,
) (*domain.AdapterVersion, error) {
	var previous *domain.AdapterVersion
	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		err := tx.GetContext(
			ctx,
			&exists,
			`SELECT TRUE FROM adapter_versions WHERE platform = $1 AND version = $2 FOR UPDATE`,
			platform,
			version,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock adapter version: %w", err)
		}

		// The partial unique index allows one active row, so retire first.
		previous, err = deprecateActive(ctx, tx, platform, version, reason, at)
		if err != nil {
			return err
		}

		query := `
			UPDATE adapter_versions
			SET status = $3, deprecated_at = NULL, deprecation_reason = '', last_used = $4
			WHERE platform = $1 AND version = $2
		`
		if _, err := tx.ExecContext(ctx, query, platform, version, string(domain.AdapterStatusActive), at); err != nil {
			return fmt.Errorf("failed to activate adapter version: %w", mapError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// UpdateVersionStats refreshes the observed metrics of a version.
func (r *AdapterRepo) UpdateVersionStats(
	ctx context.Context,
	platform, version string,
	successRate float64,
	requests int,
	lastUsed time.Time,
) error {
	query := `
		UPDATE adapter_versions
		SET success_rate = $3, requests_tested = $4, last_used = $5
		WHERE platform = $1 AND version = $2
	`
	res, err := r.db.ExecContext(ctx, query, platform, version, successRate, requests, lastUsed)
	if err != nil {
		return fmt.Errorf("failed to update adapter stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update adapter stats: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
	}
	return nil
}

// SaveRollback appends a rollback event.
func (r *AdapterRepo) SaveRollback(ctx context.Context, ev *domain.RollbackEvent) error {
	query := `
		INSERT INTO adapter_rollbacks
			(id, platform, from_version, to_version, reason, success_rate_before, "timestamp", automatic, alert_sent)
		VALUES (:id, :platform, :from_version, :to_version, :reason, :success_rate_before, :timestamp, :automatic, :alert_sent)
	`
	if _, err := r.db.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("failed to save rollback: %w", mapError(err))
	}
	return nil
}

// ListRollbacks returns rollback events, newest first.
func (r *AdapterRepo) ListRollbacks(ctx context.Context, platform string, limit int) ([]*domain.RollbackEvent, error) {
	query := `
		SELECT id, platform, from_version, to_version, reason, success_rate_before, "timestamp", automatic, alert_sent
		FROM adapter_rollbacks
		WHERE ($1 = '' OR platform = $1)
		ORDER BY "timestamp" DESC
		LIMIT $2
	`
	var events []*domain.RollbackEvent
	if err := r.db.SelectContext(ctx, &events, query, platform, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to list rollbacks: %w", err)
	}
	return events, nil
}

// SaveAlert appends an alert record.
func (r *AdapterRepo) SaveAlert(ctx context.Context, alert *domain.AdapterAlert) error {
	query := `
		INSERT INTO adapter_alerts (id, platform, kind, message, version, success_rate, created_at)
		VALUES (:id, :platform, :kind, :message, :version, :success_rate, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, alert); err != nil {
		return fmt.Errorf("failed to save alert: %w", mapError(err))
	}
	return nil
}

// ListAlerts returns alerts, newest first.
func (r *AdapterRepo) ListAlerts(ctx context.Context, platform string, limit int) ([]*domain.AdapterAlert, error) {
	query := `
		SELECT id, platform, kind, message, version, success_rate, created_at
		FROM adapter_alerts
		WHERE ($1 = '' OR platform = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	var alerts []*domain.AdapterAlert
	if err := r.db.SelectContext(ctx, &alerts, query, platform, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}
