package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
)

// MemoryStorage keeps every collection in process memory. It backs local
// runs and tests; nothing survives a restart.
type MemoryStorage struct {
	failed    map[string]*domain.FailedOperation
	versions  map[string][]*domain.AdapterVersion
	rollbacks []*domain.RollbackEvent
	alerts    []*domain.AdapterAlert
	events    []*domain.HealthEvent
	summaries map[string]*domain.PlatformHealth
	maxEvents int
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		failed:    make(map[string]*domain.FailedOperation),
		versions:  make(map[string][]*domain.AdapterVersion),
		summaries: make(map[string]*domain.PlatformHealth),
		maxEvents: 10000,
	}
}

// -----------------------------------------------------------------------------
// Failed Operation Repository
// -----------------------------------------------------------------------------

type FailedRepo struct {
	store *MemoryStorage
}

func NewFailedRepo(store *MemoryStorage) *FailedRepo {
	return &FailedRepo{store: store}
}

func copyOperation(op *domain.FailedOperation) *domain.FailedOperation {
	c := *op
	if op.NextRetryAt != nil {
		t := *op.NextRetryAt
		c.NextRetryAt = &t
	}
	if op.ResolvedAt != nil {
		t := *op.ResolvedAt
		c.ResolvedAt = &t
	}
	if op.Context != nil {
		c.Context = append([]byte(nil), op.Context...)
	}
	return &c
}

func (r *FailedRepo) Insert(ctx context.Context, op *domain.FailedOperation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.failed[op.ID]; ok {
		return fmt.Errorf("failed operation %s: %w", op.ID, storage.ErrConflict)
	}
	r.store.failed[op.ID] = copyOperation(op)
	return nil
}

func (r *FailedRepo) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	op, ok := r.store.failed[id]
	if !ok {
		return nil, fmt.Errorf("failed operation %s: %w", id, storage.ErrNotFound)
	}
	return copyOperation(op), nil
}

func (r *FailedRepo) Update(
	ctx context.Context,
	id string,
	fn func(op *domain.FailedOperation) error,
) (*domain.FailedOperation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	op, ok := r.store.failed[id]
	if !ok {
		return nil, fmt.Errorf("failed operation %s: %w", id, storage.ErrNotFound)
	}
	working := copyOperation(op)
	if err := fn(working); err != nil {
		return nil, err
	}
	r.store.failed[id] = working
	return copyOperation(working), nil
}

func (r *FailedRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedOperation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var due []*domain.FailedOperation
	for _, op := range r.store.failed {
		if op.Retryable(now) {
			due = append(due, copyOperation(op))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *FailedRepo) Find(ctx context.Context, filter domain.OperationFilter) ([]*domain.FailedOperation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.FailedOperation
	for _, op := range r.store.failed {
		if filter.Match(op) {
			out = append(out, copyOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *FailedRepo) Stats(ctx context.Context, filter domain.OperationFilter) (domain.OperationStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	stats := domain.NewOperationStats()
	for _, op := range r.store.failed {
		if filter.Match(op) {
			stats.Add(op)
		}
	}
	return stats, nil
}

func (r *FailedRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var deleted int64
	for id, op := range r.store.failed {
		if op.Status != domain.OperationStatusResolved {
			continue
		}
		at := op.CreatedAt
		if op.ResolvedAt != nil {
			at = *op.ResolvedAt
		}
		if at.Before(cutoff) {
			delete(r.store.failed, id)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Adapter Repository
// -----------------------------------------------------------------------------

type AdapterRepo struct {
	store *MemoryStorage
}

func NewAdapterRepo(store *MemoryStorage) *AdapterRepo {
	return &AdapterRepo{store: store}
}

func copyVersion(v *domain.AdapterVersion) *domain.AdapterVersion {
	c := *v
	if v.SuccessRate != nil {
		rate := *v.SuccessRate
		c.SuccessRate = &rate
	}
	if v.RequestsTested != nil {
		n := *v.RequestsTested
		c.RequestsTested = &n
	}
	if v.LastUsed != nil {
		t := *v.LastUsed
		c.LastUsed = &t
	}
	if v.DeprecatedAt != nil {
		t := *v.DeprecatedAt
		c.DeprecatedAt = &t
	}
	return &c
}

// findLocked returns the stored version pointer. Caller holds the lock.
func (r *AdapterRepo) findLocked(platform, version string) *domain.AdapterVersion {
	for _, v := range r.store.versions[platform] {
		if v.Version == version {
			return v
		}
	}
	return nil
}

// deprecateActiveLocked deprecates the active version of platform except keep.
func (r *AdapterRepo) deprecateActiveLocked(platform, keep, reason string, at time.Time) *domain.AdapterVersion {
	var previous *domain.AdapterVersion
	for _, v := range r.store.versions[platform] {
		if v.Status == domain.AdapterStatusActive && v.Version != keep {
			deprecatedAt := at
			v.Status = domain.AdapterStatusDeprecated
			v.DeprecatedAt = &deprecatedAt
			v.DeprecationReason = reason
			previous = copyVersion(v)
		}
	}
	return previous
}

func (r *AdapterRepo) CreateVersion(ctx context.Context, v *domain.AdapterVersion) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.findLocked(v.Platform, v.Version) != nil {
		return fmt.Errorf("adapter %s@%s: %w", v.Platform, v.Version, storage.ErrConflict)
	}
	if v.Status == domain.AdapterStatusActive {
		r.deprecateActiveLocked(v.Platform, v.Version, "superseded by "+v.Version, v.DeployedAt)
	}
	r.store.versions[v.Platform] = append(r.store.versions[v.Platform], copyVersion(v))
	return nil
}

func (r *AdapterRepo) GetVersion(ctx context.Context, platform, version string) (*domain.AdapterVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	v := r.findLocked(platform, version)
	if v == nil {
		return nil, fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
	}
	return copyVersion(v), nil
}

func (r *AdapterRepo) ListVersions(ctx context.Context, platform string) ([]*domain.AdapterVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.AdapterVersion, 0, len(r.store.versions[platform]))
	for _, v := range r.store.versions[platform] {
		out = append(out, copyVersion(v))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeployedAt.After(out[j].DeployedAt)
	})
	return out, nil
}

func (r *AdapterRepo) ListPlatforms(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	platforms := make([]string, 0, len(r.store.versions))
	for p, versions := range r.store.versions {
		if len(versions) > 0 {
			platforms = append(platforms, p)
		}
	}
	sort.Strings(platforms)
	return platforms, nil
}

func (r *AdapterRepo) Activate(
	ctx context.Context,
	platform, version, reason string,
	at time.Time,
) (*domain.AdapterVersion, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	target := r.findLocked(platform, version)
	if target == nil {
		return nil, fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
	}
	previous := r.deprecateActiveLocked(platform, version, reason, at)
	target.Status = domain.AdapterStatusActive
	target.DeprecatedAt = nil
	target.DeprecationReason = ""
	lastUsed := at
	target.LastUsed = &lastUsed
	return previous, nil
}

func (r *AdapterRepo) UpdateVersionStats(
	ctx context.Context,
	platform, version string,
	successRate float64,
	requests int,
	lastUsed time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	v := r.findLocked(platform, version)
	if v == nil {
		return fmt.Errorf("adapter %s@%s: %w", platform, version, storage.ErrNotFound)
	}
	v.SuccessRate = &successRate
	v.RequestsTested = &requests
	v.LastUsed = &lastUsed
	return nil
}

func (r *AdapterRepo) SaveRollback(ctx context.Context, ev *domain.RollbackEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *ev
	r.store.rollbacks = append(r.store.rollbacks, &c)
	return nil
}

func (r *AdapterRepo) ListRollbacks(ctx context.Context, platform string, limit int) ([]*domain.RollbackEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RollbackEvent
	for i := len(r.store.rollbacks) - 1; i >= 0; i-- {
		ev := r.store.rollbacks[i]
		if platform != "" && ev.Platform != platform {
			continue
		}
		c := *ev
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *AdapterRepo) SaveAlert(ctx context.Context, alert *domain.AdapterAlert) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *alert
	r.store.alerts = append(r.store.alerts, &c)
	return nil
}

func (r *AdapterRepo) ListAlerts(ctx context.Context, platform string, limit int) ([]*domain.AdapterAlert, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.AdapterAlert
	for i := len(r.store.alerts) - 1; i >= 0; i-- {
		a := r.store.alerts[i]
		if platform != "" && a.Platform != platform {
			continue
		}
		c := *a
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type HealthRepo struct {
	store *MemoryStorage
}

func NewHealthRepo(store *MemoryStorage) *HealthRepo {
	return &HealthRepo{store: store}
}

func (r *HealthRepo) SaveEvent(ctx context.Context, ev *domain.HealthEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *ev
	r.store.events = append(r.store.events, &c)
	if len(r.store.events) > r.store.maxEvents {
		r.store.events = r.store.events[len(r.store.events)-r.store.maxEvents:]
	}
	return nil
}

func (r *HealthRepo) SaveSummary(ctx context.Context, h *domain.PlatformHealth) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *h
	r.store.summaries[h.Platform] = &c
	return nil
}

func (r *HealthRepo) LoadSummaries(ctx context.Context) ([]*domain.PlatformHealth, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.PlatformHealth, 0, len(r.store.summaries))
	for _, h := range r.store.summaries {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (r *HealthRepo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.events[:0]
	var deleted int64
	for _, ev := range r.store.events {
		if ev.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	r.store.events = kept
	return deleted, nil
}

// Events returns a copy of the raw event log.
func (r *HealthRepo) Events() []domain.HealthEvent {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.HealthEvent, 0, len(r.store.events))
	for _, ev := range r.store.events {
		out = append(out, *ev)
	}
	return out
}
