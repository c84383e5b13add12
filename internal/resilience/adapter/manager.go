// Package adapter manages scraper adapter versions per platform and rolls
// back automatically when the active version starts failing.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/metrics"
)

var (
	ErrInvalidVersion   = errors.New("invalid adapter version")
	ErrVersionExists    = errors.New("adapter version already registered")
	ErrVersionNotFound  = storage.ErrNotFound
	ErrNoRollbackTarget = errors.New("no rollback target")
	ErrAlreadyActive    = errors.New("adapter version already active")
)

// HealthSource supplies the platform health the rollback policy reads.
type HealthSource interface {
	GetHealth(platform string) domain.PlatformHealth
}

// Config holds the rollback policy.
type Config struct {
	// RollbackThreshold is the 1h success rate below which a rollback is considered.
	RollbackThreshold float64 `yaml:"rollback_threshold"`
	// MinRequests is the 1h volume required before acting.
	MinRequests int `yaml:"min_requests"`
	// MinConsecutiveFailures is the failure streak required before acting.
	MinConsecutiveFailures int `yaml:"min_consecutive_failures"`
	// RollbackCooldown is the minimum time between automatic rollbacks of a platform.
	RollbackCooldown time.Duration `yaml:"rollback_cooldown"`
	// AlertCooldown suppresses repeated alerts of the same kind per platform.
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		RollbackThreshold:      0.30,
		MinRequests:            10,
		MinConsecutiveFailures: 3,
		RollbackCooldown:       time.Hour,
		AlertCooldown:          time.Hour,
		SweepSchedule:          "@every 5m",
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RollbackThreshold <= 0 {
		c.RollbackThreshold = d.RollbackThreshold
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.MinConsecutiveFailures <= 0 {
		c.MinConsecutiveFailures = d.MinConsecutiveFailures
	}
	if c.RollbackCooldown <= 0 {
		c.RollbackCooldown = d.RollbackCooldown
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	return c
}

// Manager owns adapter lifecycles and the auto-rollback policy.
type Manager struct {
	repo   storage.AdapterRepository
	health HealthSource
	cfg    Config
	log    *slog.Logger
	nowFn  func() time.Time

	// mu serialises version changes so checks and rollbacks see a stable active version
	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFn = now }
}

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates a version manager.
func NewManager(repo storage.AdapterRepository, health HealthSource, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		health:    health,
		cfg:       cfg.WithDefaults(),
		log:       slog.Default(),
		lastAlert: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective policy.
func (m *Manager) Config() Config { return m.cfg }

// RegisterVersion records a new version. Registering it active deprecates
// the current active version in the same repository operation.
func (m *Manager) RegisterVersion(
	ctx context.Context,
	platform, version string,
	status domain.AdapterStatus,
) (*domain.AdapterVersion, error) {
	if platform == "" {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidVersion)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	if status == "" {
		status = domain.AdapterStatusTesting
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidVersion, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	v := &domain.AdapterVersion{
		Platform:   platform,
		Version:    version,
		DeployedAt: now,
		Status:     status,
	}
	if status == domain.AdapterStatusDeprecated {
		v.DeprecatedAt = &now
		v.DeprecationReason = "registered as deprecated"
	}
	if err := m.repo.CreateVersion(ctx, v); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %s@%s", ErrVersionExists, platform, version)
		}
		return nil, fmt.Errorf("failed to register %s@%s: %w", platform, version, err)
	}

	m.log.Info("Registered adapter version", "platform", platform, "version", version, "status", status)
	return v, nil
}

// PromoteToActive makes version the active one. Restoring a deprecated
// version is recorded as a manual rollback.
func (m *Manager) PromoteToActive(ctx context.Context, platform, version string) (*domain.RollbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, err := m.repo.GetVersion(ctx, platform, version)
	if err != nil {
		return nil, err
	}
	if target.Status == domain.AdapterStatusActive {
		return nil, fmt.Errorf("%w: %s@%s", ErrAlreadyActive, platform, version)
	}

	now := m.now()
	previous, err := m.repo.Activate(ctx, platform, version, "superseded by "+version, now)
	if err != nil {
		return nil, fmt.Errorf("failed to promote %s@%s: %w", platform, version, err)
	}
	m.log.Info("Promoted adapter version", "platform", platform, "version", version)

	if target.Status != domain.AdapterStatusDeprecated {
		return nil, nil
	}
	ev := &domain.RollbackEvent{
		ID:                uuid.New().String(),
		Platform:          platform,
		ToVersion:         version,
		Reason:            "manual promotion of deprecated version",
		SuccessRateBefore: m.health.GetHealth(platform).SuccessRate1h,
		Timestamp:         now,
	}
	if previous != nil {
		ev.FromVersion = previous.Version
	}
	if err := m.repo.SaveRollback(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record rollback: %w", err)
	}
	metrics.AdapterRollbacksTotal.WithLabelValues(platform, "false").Inc()
	return ev, nil
}

// shouldRollback applies the auto-rollback gates that depend on health only.
func (m *Manager) shouldRollback(h domain.PlatformHealth) bool {
	return h.SuccessRate1h < m.cfg.RollbackThreshold &&
		h.Requests1h >= m.cfg.MinRequests &&
		h.ConsecutiveFailures >= m.cfg.MinConsecutiveFailures
}

// CheckAndRollback rolls the platform back to its previous version when
// the active version is failing. It returns the rollback performed, or nil.
// A failing platform with nothing to roll back to raises an alert and
// returns ErrNoRollbackTarget.
func (m *Manager) CheckAndRollback(ctx context.Context, platform string) (*domain.RollbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(ctx, platform)
}

func (m *Manager) checkLocked(ctx context.Context, platform string) (*domain.RollbackEvent, error) {
	h := m.health.GetHealth(platform)
	if !m.shouldRollback(h) {
		return nil, nil
	}

	versions, err := m.repo.ListVersions(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s versions: %w", platform, err)
	}
	active := activeVersion(versions)
	if active == nil {
		return nil, nil
	}

	now := m.now()
	last, err := m.repo.ListRollbacks(ctx, platform, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s rollbacks: %w", platform, err)
	}
	if len(last) > 0 && now.Sub(last[0].Timestamp) < m.cfg.RollbackCooldown {
		m.log.Debug("Rollback suppressed by cooldown",
			"platform", platform, "last_rollback", last[0].Timestamp)
		return nil, nil
	}

	target := rollbackTarget(versions, active.Version)
	if target == nil {
		m.alertLocked(ctx, platform, domain.AlertKindNoRollbackTarget, active.Version, h.SuccessRate1h,
			fmt.Sprintf("%s@%s is failing (%.0f%% success over %d requests) and has no previous version",
				platform, active.Version, h.SuccessRate1h*100, h.Requests1h))
		return nil, fmt.Errorf("%w: %s@%s", ErrNoRollbackTarget, platform, active.Version)
	}

	reason := fmt.Sprintf(autoRollbackReason+": success rate %.1f%% over %d requests, %d consecutive failures",
		h.SuccessRate1h*100, h.Requests1h, h.ConsecutiveFailures)
	if _, err := m.repo.Activate(ctx, platform, target.Version, reason, now); err != nil {
		m.alertLocked(ctx, platform, domain.AlertKindRollbackFailed, active.Version, h.SuccessRate1h,
			fmt.Sprintf("rollback of %s from %s to %s failed: %v", platform, active.Version, target.Version, err))
		return nil, fmt.Errorf("failed to roll back %s: %w", platform, err)
	}

	ev := &domain.RollbackEvent{
		ID:                uuid.New().String(),
		Platform:          platform,
		FromVersion:       active.Version,
		ToVersion:         target.Version,
		Reason:            reason,
		SuccessRateBefore: h.SuccessRate1h,
		Timestamp:         now,
		Automatic:         true,
	}
	ev.AlertSent = m.alertLocked(ctx, platform, domain.AlertKindRollback, target.Version, h.SuccessRate1h,
		fmt.Sprintf("%s rolled back from %s to %s: %s", platform, active.Version, target.Version, reason))
	if err := m.repo.SaveRollback(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record rollback: %w", err)
	}

	metrics.AdapterRollbacksTotal.WithLabelValues(platform, "true").Inc()
	m.log.Warn("Adapter rolled back",
		"platform", platform,
		"from", active.Version,
		"to", target.Version,
		"success_rate_1h", h.SuccessRate1h,
		"requests_1h", h.Requests1h)
	return ev, nil
}

// alertLocked persists an alert unless one of the same kind was raised for
// the platform within the cooldown. It reports whether the alert was saved.
// Rollback alerts always go out.
func (m *Manager) alertLocked(
	ctx context.Context,
	platform string,
	kind domain.AlertKind,
	version string,
	rate float64,
	msg string,
) bool {
	now := m.now()
	key := platform + "/" + string(kind)
	if kind != domain.AlertKindRollback {
		if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			return false
		}
	}

	alert := &domain.AdapterAlert{
		ID:          uuid.New().String(),
		Platform:    platform,
		Kind:        kind,
		Message:     msg,
		Version:     version,
		SuccessRate: rate,
		CreatedAt:   now,
	}
	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		m.log.Error("Failed to save adapter alert", "platform", platform, "kind", kind, "error", err)
		return false
	}
	m.lastAlert[key] = now
	metrics.AdapterAlertsTotal.WithLabelValues(platform, string(kind)).Inc()
	m.log.Error("Adapter alert", "platform", platform, "kind", kind, "message", msg)
	return true
}

// SweepAll refreshes the active version stats of every platform and runs
// the rollback check on each.
func (m *Manager) SweepAll(ctx context.Context) ([]*domain.RollbackEvent, error) {
	platforms, err := m.repo.ListPlatforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		events []*domain.RollbackEvent
		errs   []error
	)
	for _, platform := range platforms {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		if err := m.refreshStatsLocked(ctx, platform); err != nil {
			errs = append(errs, err)
		}
		ev, err := m.checkLocked(ctx, platform)
		switch {
		case errors.Is(err, ErrNoRollbackTarget):
		case err != nil:
			errs = append(errs, err)
		case ev != nil:
			events = append(events, ev)
		}
	}
	return events, errors.Join(errs...)
}

func (m *Manager) refreshStatsLocked(ctx context.Context, platform string) error {
	versions, err := m.repo.ListVersions(ctx, platform)
	if err != nil {
		return fmt.Errorf("failed to list %s versions: %w", platform, err)
	}
	active := activeVersion(versions)
	if active == nil {
		return nil
	}
	h := m.health.GetHealth(platform)
	if h.Requests24h == 0 {
		return nil
	}
	lastUsed := h.LastCheck
	if lastUsed.IsZero() {
		lastUsed = m.now()
	}
	if err := m.repo.UpdateVersionStats(ctx, platform, active.Version, h.SuccessRate24h, h.Requests24h, lastUsed); err != nil {
		return fmt.Errorf("failed to update %s@%s stats: %w", platform, active.Version, err)
	}
	return nil
}

// ForceRollback activates toVersion, or the policy target when toVersion is
// empty, bypassing the health gates and the cooldown.
func (m *Manager) ForceRollback(ctx context.Context, platform, toVersion, reason string) (*domain.RollbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.repo.ListVersions(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s versions: %w", platform, err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("adapter %s: %w", platform, ErrVersionNotFound)
	}

	var from string
	if active := activeVersion(versions); active != nil {
		from = active.Version
	}
	if toVersion == "" {
		target := rollbackTarget(versions, from)
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoRollbackTarget, platform)
		}
		toVersion = target.Version
	}
	if toVersion == from {
		return nil, fmt.Errorf("%w: %s@%s", ErrAlreadyActive, platform, toVersion)
	}
	if reason == "" {
		reason = "manual rollback"
	}

	now := m.now()
	if _, err := m.repo.Activate(ctx, platform, toVersion, reason, now); err != nil {
		return nil, fmt.Errorf("failed to roll back %s: %w", platform, err)
	}
	ev := &domain.RollbackEvent{
		ID:                uuid.New().String(),
		Platform:          platform,
		FromVersion:       from,
		ToVersion:         toVersion,
		Reason:            reason,
		SuccessRateBefore: m.health.GetHealth(platform).SuccessRate1h,
		Timestamp:         now,
	}
	if err := m.repo.SaveRollback(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record rollback: %w", err)
	}
	metrics.AdapterRollbacksTotal.WithLabelValues(platform, "false").Inc()
	m.log.Warn("Adapter rolled back manually", "platform", platform, "from", from, "to", toVersion, "reason", reason)
	return ev, nil
}

// ActiveVersion returns the active version of platform.
func (m *Manager) ActiveVersion(ctx context.Context, platform string) (*domain.AdapterVersion, error) {
	versions, err := m.repo.ListVersions(ctx, platform)
	if err != nil {
		return nil, err
	}
	if v := activeVersion(versions); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("no active adapter for %s: %w", platform, ErrVersionNotFound)
}

// VersionHistory returns every version of platform, newest deployment first.
func (m *Manager) VersionHistory(ctx context.Context, platform string) ([]*domain.AdapterVersion, error) {
	return m.repo.ListVersions(ctx, platform)
}

// RollbackHistory returns rollbacks, newest first. Empty platform means all.
func (m *Manager) RollbackHistory(ctx context.Context, platform string, limit int) ([]*domain.RollbackEvent, error) {
	return m.repo.ListRollbacks(ctx, platform, limit)
}

// Alerts returns alerts, newest first. Empty platform means all.
func (m *Manager) Alerts(ctx context.Context, platform string, limit int) ([]*domain.AdapterAlert, error) {
	return m.repo.ListAlerts(ctx, platform, limit)
}

// Summary builds the dashboard view of one platform.
func (m *Manager) Summary(ctx context.Context, platform string) (domain.AdapterSummary, error) {
	versions, err := m.repo.ListVersions(ctx, platform)
	if err != nil {
		return domain.AdapterSummary{}, err
	}
	if len(versions) == 0 {
		return domain.AdapterSummary{}, fmt.Errorf("adapter %s: %w", platform, ErrVersionNotFound)
	}

	h := m.health.GetHealth(platform)
	s := domain.AdapterSummary{
		Platform:     platform,
		Health:       domain.ClassifySuccessRate(h.SuccessRate24h),
		SuccessRate:  h.SuccessRate24h,
		VersionCount: len(versions),
	}
	if active := activeVersion(versions); active != nil {
		s.ActiveVersion = active.Version
	}
	last, err := m.repo.ListRollbacks(ctx, platform, 1)
	if err != nil {
		return domain.AdapterSummary{}, err
	}
	if len(last) > 0 {
		s.LastRollback = last[0]
	}
	return s, nil
}

// Summaries builds the dashboard view of every platform.
func (m *Manager) Summaries(ctx context.Context) ([]domain.AdapterSummary, error) {
	platforms, err := m.repo.ListPlatforms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AdapterSummary, 0, len(platforms))
	for _, p := range platforms {
		s, err := m.Summary(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

func activeVersion(versions []*domain.AdapterVersion) *domain.AdapterVersion {
	for _, v := range versions {
		if v.Status == domain.AdapterStatusActive {
			return v
		}
	}
	return nil
}

// autoRollbackReason prefixes the deprecation reason of versions that were
// rolled away from. Those are never picked as rollback targets.
const autoRollbackReason = "auto-rollback"

// rollbackTarget picks the most recently deprecated version other than
// exclude, breaking ties by the higher semantic version.
func rollbackTarget(versions []*domain.AdapterVersion, exclude string) *domain.AdapterVersion {
	var candidates []*domain.AdapterVersion
	for _, v := range versions {
		if v.Status != domain.AdapterStatusDeprecated || v.Version == exclude {
			continue
		}
		if strings.HasPrefix(v.DeprecationReason, autoRollbackReason) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		at, bt := deprecatedAt(a), deprecatedAt(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return compareVersions(a.Version, b.Version) > 0
	})
	return candidates[0]
}

func deprecatedAt(v *domain.AdapterVersion) time.Time {
	if v.DeprecatedAt != nil {
		return *v.DeprecatedAt
	}
	return v.DeployedAt
}

func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		switch {
		case a > b:
			return 1
		case a < b:
			return -1
		}
		return 0
	}
	return va.Compare(vb)
}
