// Package dlq persists operations that failed on the synchronous path and
// schedules their replay with a fixed backoff table.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidType is returned when enqueueing an unknown operation type.
	ErrInvalidType = errors.New("invalid operation type")

	// ErrResolved is returned when mutating an operation that is already resolved.
	ErrResolved = errors.New("operation already resolved")

	// ErrNotPending is returned when postponing an operation that is not
	// waiting for replay.
	ErrNotPending = errors.New("operation is not pending retry")
)

// Config controls queue defaults.
type Config struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BatchSize       int           `yaml:"batch_size"`
	Retention       time.Duration `yaml:"retention"`
	ReplaySchedule  string        `yaml:"replay_schedule"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	Concurrency     int           `yaml:"concurrency"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		BatchSize:       50,
		Retention:       30 * 24 * time.Hour,
		ReplaySchedule:  "@every 1m",
		CleanupSchedule: "@daily",
		Concurrency:     4,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.ReplaySchedule == "" {
		c.ReplaySchedule = d.ReplaySchedule
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = d.CleanupSchedule
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Failure describes an operation to queue.
type Failure struct {
	Type domain.OperationType
	Err  error
	// Stack is an optional trace captured by the caller.
	Stack string
	// Attempts is the number of replays already made, zero for a fresh failure.
	Attempts int
	// Status overrides the initial status; empty means pending_retry.
	Status      domain.OperationStatus
	MaxAttempts int
	Platform    string
	VenueID     string
	// Context is marshalled to JSON and must carry everything a replay needs.
	Context any
}

// Queue is the dead letter queue. It stores and schedules, it never replays.
type Queue struct {
	repo     storage.FailedOperationRepository
	cfg      Config
	schedule Schedule
	log      *slog.Logger
	nowFn    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.nowFn = now }
}

// WithLogger sets the queue logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithSchedule replaces the backoff table.
func WithSchedule(s Schedule) Option {
	return func(q *Queue) {
		if len(s) > 0 {
			q.schedule = s
		}
	}
}

// NewQueue creates a queue over repo.
func NewQueue(repo storage.FailedOperationRepository, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		repo:     repo,
		cfg:      cfg.WithDefaults(),
		schedule: Schedule(DefaultSchedule),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores a failed operation. The failure being reported counts as an
// attempt, so a fresh failure is stored with one attempt and is due
// immediately.
func (q *Queue) Enqueue(ctx context.Context, f Failure) (*domain.FailedOperation, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("invalid operation status %q", f.Status)
	}
	if f.Attempts < 0 {
		f.Attempts = 0
	}
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	var payload json.RawMessage
	if f.Context != nil {
		raw, err := json.Marshal(f.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to encode operation context: %w", err)
		}
		payload = raw
	}

	now := q.now()
	op := &domain.FailedOperation{
		ID:            uuid.New().String(),
		Type:          f.Type,
		VenueID:       f.VenueID,
		Platform:      f.Platform,
		Error:         errorMessage(f.Err),
		Stack:         f.Stack,
		Attempts:      f.Attempts + 1,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		LastAttemptAt: now,
		Status:        domain.OperationStatusPendingRetry,
		Context:       payload,
	}
	switch f.Status {
	case domain.OperationStatusRequiresManual:
		op.Status = f.Status
		op.ManualReason = "queued for manual handling"
	case domain.OperationStatusResolved:
		op.Status = f.Status
		op.ResolvedAt = &now
	default:
		q.scheduleNext(op, now)
	}

	if err := q.repo.Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to queue %s operation: %w", op.Type, err)
	}
	metrics.DLQEnqueuedTotal.WithLabelValues(string(op.Type)).Inc()
	q.log.Info("Queued failed operation",
		"id", op.ID,
		"type", op.Type,
		"platform", op.Platform,
		"status", op.Status,
		"attempts", op.Attempts,
		"error", op.Error)
	return op, nil
}

// scheduleNext sets next_retry_at from the backoff table, or escalates when
// attempts are exhausted.
func (q *Queue) scheduleNext(op *domain.FailedOperation, now time.Time) {
	if op.Attempts >= op.MaxAttempts {
		op.Status = domain.OperationStatusRequiresManual
		op.NextRetryAt = nil
		if op.ManualReason == "" {
			op.ManualReason = fmt.Sprintf("max attempts (%d) exhausted", op.MaxAttempts)
		}
		return
	}
	next := now.Add(q.schedule.Delay(op.Attempts - 1))
	op.Status = domain.OperationStatusPendingRetry
	op.NextRetryAt = &next
}

// GetRetryable returns operations due for replay, oldest schedule first,
// capped at the batch size.
func (q *Queue) GetRetryable(ctx context.Context) ([]*domain.FailedOperation, error) {
	ops, err := q.repo.Due(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load retryable operations: %w", err)
	}
	return ops, nil
}

// RetryOperation books another failed replay and reschedules the operation.
// lastErr, when non-nil, replaces the stored error message.
func (q *Queue) RetryOperation(ctx context.Context, id string, lastErr error) (*domain.FailedOperation, error) {
	now := q.now()
	op, err := q.repo.Update(ctx, id, func(op *domain.FailedOperation) error {
		if op.Status == domain.OperationStatusResolved {
			return ErrResolved
		}
		op.Attempts++
		op.LastAttemptAt = now
		if lastErr != nil {
			op.Error = lastErr.Error()
		}
		q.scheduleNext(op, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retry operation %s: %w", id, err)
	}
	if op.Status == domain.OperationStatusRequiresManual {
		q.log.Warn("Operation requires manual handling",
			"id", op.ID, "type", op.Type, "attempts", op.Attempts, "error", op.Error)
	}
	return op, nil
}

// Requeue makes an operation due now, granting one more attempt if the
// budget is exhausted. Used by operators to retry escalated items.
func (q *Queue) Requeue(ctx context.Context, id string) (*domain.FailedOperation, error) {
	now := q.now()
	op, err := q.repo.Update(ctx, id, func(op *domain.FailedOperation) error {
		if op.Status == domain.OperationStatusResolved {
			return ErrResolved
		}
		if op.Attempts >= op.MaxAttempts {
			op.MaxAttempts = op.Attempts + 1
		}
		op.Status = domain.OperationStatusPendingRetry
		op.NextRetryAt = &now
		op.ManualReason = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue operation %s: %w", id, err)
	}
	return op, nil
}

// Postpone moves the next replay of a pending operation to until, or to now
// if until has passed. Attempts are left untouched.
func (q *Queue) Postpone(ctx context.Context, id string, until time.Time) (*domain.FailedOperation, error) {
	now := q.now()
	if until.Before(now) {
		until = now
	}
	op, err := q.repo.Update(ctx, id, func(op *domain.FailedOperation) error {
		if op.Status != domain.OperationStatusPendingRetry {
			return fmt.Errorf("%w: status is %s", ErrNotPending, op.Status)
		}
		op.NextRetryAt = &until
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to postpone operation %s: %w", id, err)
	}
	q.log.Debug("Operation postponed", "id", id, "until", until)
	return op, nil
}

// MarkResolved resolves an operation and clears its retry state.
func (q *Queue) MarkResolved(ctx context.Context, id string) (*domain.FailedOperation, error) {
	now := q.now()
	op, err := q.repo.Update(ctx, id, func(op *domain.FailedOperation) error {
		if op.Status == domain.OperationStatusResolved {
			return nil
		}
		op.Status = domain.OperationStatusResolved
		op.NextRetryAt = nil
		op.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve operation %s: %w", id, err)
	}
	return op, nil
}

// MarkRequiresManual escalates an operation regardless of its attempts.
func (q *Queue) MarkRequiresManual(ctx context.Context, id, reason string) (*domain.FailedOperation, error) {
	op, err := q.repo.Update(ctx, id, func(op *domain.FailedOperation) error {
		if op.Status == domain.OperationStatusResolved {
			return ErrResolved
		}
		op.Status = domain.OperationStatusRequiresManual
		op.NextRetryAt = nil
		op.ManualReason = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to escalate operation %s: %w", id, err)
	}
	q.log.Warn("Operation escalated to manual handling", "id", id, "reason", reason)
	return op, nil
}

// Get returns one operation.
func (q *Queue) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	return q.repo.Get(ctx, id)
}

// List returns operations matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter domain.OperationFilter) ([]*domain.FailedOperation, error) {
	return q.repo.Find(ctx, filter)
}

// Stats counts operations matching filter by status, type and platform.
func (q *Queue) Stats(ctx context.Context, filter domain.OperationFilter) (domain.OperationStats, error) {
	return q.repo.Stats(ctx, filter)
}

// Cleanup deletes resolved operations older than olderThan. Zero uses the
// configured retention.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = q.cfg.Retention
	}
	cutoff := q.now().Add(-olderThan)
	deleted, err := q.repo.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up resolved operations: %w", err)
	}
	if deleted > 0 {
		q.log.Info("Cleaned up resolved operations", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

func (q *Queue) now() time.Time {
	if q.nowFn != nil {
		return q.nowFn()
	}
	return time.Now()
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
