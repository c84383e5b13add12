package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
)

const failedColumns = `id, type, venue_id, platform, error, stack, attempts, max_attempts,
	created_at, last_attempt_at, next_retry_at, status, context, resolved_at, manual_reason`

// failedRow mirrors a failed_operations row. The JSONB context is scanned
// as raw bytes so NULL maps onto an empty context.
type failedRow struct {
	ID            string     `db:"id"`
	Type          string     `db:"type"`
	VenueID       string     `db:"venue_id"`
	Platform      string     `db:"platform"`
	Error         string     `db:"error"`
	Stack         string     `db:"stack"`
	Attempts      int        `db:"attempts"`
	MaxAttempts   int        `db:"max_attempts"`
	CreatedAt     time.Time  `db:"created_at"`
	LastAttemptAt time.Time  `db:"last_attempt_at"`
	NextRetryAt   *time.Time `db:"next_retry_at"`
	Status        string     `db:"status"`
	Context       []byte     `db:"context"`
	ResolvedAt    *time.Time `db:"resolved_at"`
	ManualReason  string     `db:"manual_reason"`
}

func (row failedRow) toDomain() *domain.FailedOperation {
	op := &domain.FailedOperation{
		ID:            row.ID,
		Type:          domain.OperationType(row.Type),
		VenueID:       row.VenueID,
		Platform:      row.Platform,
		Error:         row.Error,
		Stack:         row.Stack,
		Attempts:      row.Attempts,
		MaxAttempts:   row.MaxAttempts,
		CreatedAt:     row.CreatedAt,
		LastAttemptAt: row.LastAttemptAt,
		NextRetryAt:   row.NextRetryAt,
		Status:        domain.OperationStatus(row.Status),
		ResolvedAt:    row.ResolvedAt,
		ManualReason:  row.ManualReason,
	}
	if len(row.Context) > 0 {
		op.Context = append([]byte(nil), row.Context...)
	}
	return op
}

// contextArg passes an empty context as NULL.
func contextArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// FailedRepo implements storage.FailedOperationRepository using PostgreSQL.
type FailedRepo struct {
	db *DB
}

// NewFailedRepo creates a new PostgreSQL failed operation repository.
func NewFailedRepo(db *DB) *FailedRepo {
	return &FailedRepo{db: db}
}

// Insert stores a new failed operation.
func (r *FailedRepo) Insert(ctx context.Context, op *domain.FailedOperation) error {
	query := `
		INSERT INTO failed_operations (` + failedColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		op.ID,
		string(op.Type),
		op.VenueID,
		op.Platform,
		op.Error,
		op.Stack,
		op.Attempts,
		op.MaxAttempts,
		op.CreatedAt,
		op.LastAttemptAt,
		op.NextRetryAt,
		string(op.Status),
		contextArg(op.Context),
		op.ResolvedAt,
		op.ManualReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failed operation %s: %w", op.ID, mapError(err))
	}
	return nil
}

// Get retrieves a failed operation by id.
func (r *FailedRepo) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	var row failedRow
	err := r.db.GetContext(ctx, &row, `SELECT `+failedColumns+` FROM failed_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed operation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed operation: %w", err)
	}
	return row.toDomain(), nil
}

// Update locks the row, applies fn and writes every mutable column back.
func (r *FailedRepo) Update(
	ctx context.Context,
	id string,
	fn func(op *domain.FailedOperation) error,
) (*domain.FailedOperation, error) {
	var updated *domain.FailedOperation
	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var row failedRow
		err := tx.GetContext(
			ctx,
			&row,
			`SELECT `+failedColumns+` FROM failed_operations WHERE id = $1 FOR UPDATE`,
			id,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed operation %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock failed operation: %w", err)
		}

		op := row.toDomain()
		if err := fn(op); err != nil {
			return err
		}

		query := `
			UPDATE failed_operations
			SET error = $2, stack = $3, attempts = $4, max_attempts = $5,
				last_attempt_at = $6, next_retry_at = $7, status = $8,
				context = $9::jsonb, resolved_at = $10, manual_reason = $11
			WHERE id = $1
		`
		_, err = tx.ExecContext(
			ctx,
			query,
			id,
			op.Error,
			op.Stack,
			op.Attempts,
			op.MaxAttempts,
			op.LastAttemptAt,
			op.NextRetryAt,
			string(op.Status),
			contextArg(op.Context),
			op.ResolvedAt,
			op.ManualReason,
		)
		if err != nil {
			return fmt.Errorf("failed to update failed operation: %w", err)
		}
		updated = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Due returns pending operations whose next retry has arrived.
func (r *FailedRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedOperation, error) {
	query := `
		SELECT ` + failedColumns + `
		FROM failed_operations
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
			AND attempts < max_attempts
		ORDER BY next_retry_at ASC, created_at ASC
		LIMIT $3
	`
	var rows []failedRow
	err := r.db.SelectContext(
		ctx,
		&rows,
		query,
		string(domain.OperationStatusPendingRetry),
		now,
		limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due operations: %w", err)
	}
	return toOperations(rows), nil
}

// Find returns operations matching the filter, newest first.
func (r *FailedRepo) Find(ctx context.Context, filter domain.OperationFilter) ([]*domain.FailedOperation, error) {
	where, args := filterClause(filter)
	args = append(args, limitArg(filter.Limit))
	query := fmt.Sprintf(
		`SELECT %s FROM failed_operations %s ORDER BY created_at DESC LIMIT $%d`,
		failedColumns, where, len(args),
	)
	var rows []failedRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find failed operations: %w", err)
	}
	return toOperations(rows), nil
}

// Stats counts operations matching the filter.
func (r *FailedRepo) Stats(ctx context.Context, filter domain.OperationFilter) (domain.OperationStats, error) {
	where, args := filterClause(filter)
	query := `
		SELECT status, type, platform, COUNT(*) AS count
		FROM failed_operations ` + where + `
		GROUP BY status, type, platform
	`
	var rows []struct {
		Status   string `db:"status"`
		Type     string `db:"type"`
		Platform string `db:"platform"`
		Count    int    `db:"count"`
	}
	stats := domain.NewOperationStats()
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return stats, fmt.Errorf("failed to count failed operations: %w", err)
	}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByStatus[domain.OperationStatus(row.Status)] += row.Count
		stats.ByType[domain.OperationType(row.Type)] += row.Count
		if row.Platform != "" {
			stats.ByPlatform[row.Platform] += row.Count
		}
	}
	return stats, nil
}

// DeleteResolvedBefore removes operations resolved before cutoff.
func (r *FailedRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM failed_operations
		WHERE status = $1 AND COALESCE(resolved_at, created_at) < $2
	`
	res, err := r.db.ExecContext(ctx, query, string(domain.OperationStatusResolved), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved operations: %w", err)
	}
	return res.RowsAffected()
}

// filterClause builds the WHERE clause for filter. Limit is not included.
func filterClause(filter domain.OperationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d::text[])", pq.Array(statuses))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Platform != "" {
		add("platform = $%d", filter.Platform)
	}
	if filter.VenueID != "" {
		add("venue_id = $%d", filter.VenueID)
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at >= $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func toOperations(rows []failedRow) []*domain.FailedOperation {
	ops := make([]*domain.FailedOperation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, row.toDomain())
	}
	return ops
}
