// Package health tracks rolling per-platform request outcomes and decides
// which platforms are currently worth querying.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
	"github.com/vietddude/scrapeguard/internal/metrics"
)

const (
	// MaxConsecutiveFailures makes a platform unavailable regardless of rates.
	MaxConsecutiveFailures = 5
	// MinRequestsForRate is the 1h volume below which the rate is ignored.
	MinRequestsForRate = 5
	// MinSuccessRate is the 1h success rate a platform must exceed.
	MinSuccessRate = 0.5

	shortWindow = time.Hour
	longWindow  = 24 * time.Hour
)

// Config controls buffering and persistence.
type Config struct {
	// BufferSize caps the events kept per platform, oldest evicted first.
	BufferSize int `yaml:"buffer_size"`
	// QueueSize caps pending persistence writes.
	QueueSize int `yaml:"queue_size"`
	// PersistTimeout bounds a single persistence write.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// EventRetention is how long raw events are kept in storage.
	EventRetention time.Duration `yaml:"event_retention"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		BufferSize:     10000,
		QueueSize:      1024,
		PersistTimeout: 5 * time.Second,
		EventRetention: 7 * 24 * time.Hour,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.EventRetention <= 0 {
		c.EventRetention = d.EventRetention
	}
	return c
}

// Event is a single request outcome reported by a caller.
type Event struct {
	Platform     string
	Success      bool
	ResponseTime time.Duration
	Err          error
	URL          string
	Country      string
}

type sample struct {
	at        time.Time
	success   bool
	latencyMs int64
}

type platformEntry struct {
	mu      sync.Mutex
	samples []sample
	summary domain.PlatformHealth
}

type persistJob struct {
	event   domain.HealthEvent
	summary domain.PlatformHealth
}

// Monitor aggregates health events per platform.
type Monitor struct {
	cfg  Config
	repo storage.HealthRepository
	log  *slog.Logger

	mu        sync.RWMutex
	platforms map[string]*platformEntry

	qmu    sync.RWMutex
	queue  chan persistJob
	closed bool
	done   chan struct{}

	nowFn func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.nowFn = now }
}

// WithLogger sets the monitor logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMonitor creates a monitor. repo may be nil, in which case nothing is
// persisted.
func NewMonitor(cfg Config, repo storage.HealthRepository, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg.WithDefaults(),
		repo:      repo,
		log:       slog.Default(),
		platforms: make(map[string]*platformEntry),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if repo == nil {
		close(m.done)
		return m
	}
	m.queue = make(chan persistJob, m.cfg.QueueSize)
	go m.persistLoop()
	return m
}

// RecordEvent books an outcome and refreshes the platform summary. It never
// blocks on persistence and never fails.
func (m *Monitor) RecordEvent(ctx context.Context, ev Event) {
	if ev.Platform == "" {
		m.log.WarnContext(ctx, "Dropping health event without platform", "url", ev.URL)
		return
	}

	now := m.now()
	raw := domain.HealthEvent{
		Platform:       ev.Platform,
		Success:        ev.Success,
		ResponseTimeMs: ev.ResponseTime.Milliseconds(),
		URL:            ev.URL,
		Country:        ev.Country,
		Timestamp:      now,
	}
	if !ev.Success {
		raw.Error = "unknown error"
		if ev.Err != nil {
			raw.Error = ev.Err.Error()
		}
	}

	entry := m.entry(ev.Platform)
	entry.mu.Lock()
	entry.samples = append(entry.samples, sample{at: now, success: ev.Success, latencyMs: raw.ResponseTimeMs})
	if over := len(entry.samples) - m.cfg.BufferSize; over > 0 {
		entry.samples = append(entry.samples[:0], entry.samples[over:]...)
	}
	m.recomputeLocked(entry, now, &raw)
	summary := entry.summary
	entry.mu.Unlock()

	outcome := "success"
	if !ev.Success {
		outcome = "failure"
	}
	metrics.HealthEventsTotal.WithLabelValues(ev.Platform, outcome).Inc()
	metrics.HealthResponseTime.WithLabelValues(ev.Platform).Observe(ev.ResponseTime.Seconds())
	if summary.IsAvailable {
		metrics.PlatformAvailable.WithLabelValues(ev.Platform).Set(1)
	} else {
		metrics.PlatformAvailable.WithLabelValues(ev.Platform).Set(0)
	}

	m.enqueue(persistJob{event: raw, summary: summary})
}

// recomputeLocked refreshes entry.summary from its samples. raw is the event
// just appended, if any.
func (m *Monitor) recomputeLocked(entry *platformEntry, now time.Time, raw *domain.HealthEvent) {
	m.pruneLocked(entry, now)

	s := entry.summary
	s.LastCheck = now
	if len(entry.samples) == 0 {
		// the streak fell out of the long window
		s.ConsecutiveFailures = 0
	}

	if raw != nil {
		if raw.Success {
			s.ConsecutiveFailures = 0
		} else {
			s.ConsecutiveFailures++
			s.LastError = raw.Error
			at := now
			s.LastErrorTime = &at
		}
	}

	shortCutoff := now.Add(-shortWindow)
	var (
		req1h, ok1h   int
		req24h, ok24h int
		latencySum    int64
	)
	for _, smp := range entry.samples {
		req24h++
		latencySum += smp.latencyMs
		if smp.success {
			ok24h++
		}
		if smp.at.After(shortCutoff) {
			req1h++
			if smp.success {
				ok1h++
			}
		}
	}

	s.Requests1h = req1h
	s.Requests24h = req24h
	s.SuccessRate1h = rate(ok1h, req1h)
	s.SuccessRate24h = rate(ok24h, req24h)
	s.AvgResponseTimeMs = 0
	if req24h > 0 {
		s.AvgResponseTimeMs = float64(latencySum) / float64(req24h)
	}
	s.IsAvailable = available(s)
	entry.summary = s
}

// pruneLocked drops samples outside the long window.
func (m *Monitor) pruneLocked(entry *platformEntry, now time.Time) {
	cutoff := now.Add(-longWindow)
	i := 0
	for i < len(entry.samples) && !entry.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		entry.samples = append(entry.samples[:0], entry.samples[i:]...)
	}
}

func rate(ok, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

func available(s domain.PlatformHealth) bool {
	if s.ConsecutiveFailures >= MaxConsecutiveFailures {
		return false
	}
	return s.Requests1h < MinRequestsForRate || s.SuccessRate1h > MinSuccessRate
}

func (m *Monitor) entry(platform string) *platformEntry {
	m.mu.RLock()
	e, ok := m.platforms[platform]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.platforms[platform]; ok {
		return e
	}
	e = &platformEntry{summary: domain.DefaultPlatformHealth(platform)}
	m.platforms[platform] = e
	return e
}

// GetHealth returns the current summary of a platform. A platform never
// observed is reported available with optimistic defaults.
func (m *Monitor) GetHealth(platform string) domain.PlatformHealth {
	m.mu.RLock()
	e, ok := m.platforms[platform]
	m.mu.RUnlock()
	if !ok {
		return domain.DefaultPlatformHealth(platform)
	}
	return m.snapshot(e)
}

// snapshot recomputes windowed values so summaries age without new events.
func (m *Monitor) snapshot(e *platformEntry) domain.PlatformHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) > 0 {
		m.recomputeLocked(e, m.now(), nil)
	} else {
		ageLocked(e, m.now())
	}
	return e.summary
}

// ageLocked expires the windows of a summary that has no samples behind it,
// such as one restored by Load, using its last check as the event time.
func ageLocked(e *platformEntry, now time.Time) {
	s := e.summary
	age := now.Sub(s.LastCheck)
	if age > shortWindow {
		s.Requests1h = 0
		s.SuccessRate1h = 1
	}
	if age > longWindow {
		s.Requests24h = 0
		s.SuccessRate24h = 1
		s.AvgResponseTimeMs = 0
		s.ConsecutiveFailures = 0
	}
	s.IsAvailable = available(s)
	e.summary = s
}

// GetAllPlatformHealth returns a summary per observed platform, sorted by name.
func (m *Monitor) GetAllPlatformHealth() []domain.PlatformHealth {
	m.mu.RLock()
	entries := make([]*platformEntry, 0, len(m.platforms))
	for _, e := range m.platforms {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.PlatformHealth, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// GetHealthyPlatformsByPriority returns available platforms ordered by 24h
// success rate, then lower average latency, then name.
func (m *Monitor) GetHealthyPlatformsByPriority() []domain.PlatformHealth {
	all := m.GetAllPlatformHealth()
	healthy := all[:0]
	for _, h := range all {
		if h.IsAvailable {
			healthy = append(healthy, h)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		a, b := healthy[i], healthy[j]
		if a.SuccessRate24h != b.SuccessRate24h {
			return a.SuccessRate24h > b.SuccessRate24h
		}
		if a.AvgResponseTimeMs != b.AvgResponseTimeMs {
			return a.AvgResponseTimeMs < b.AvgResponseTimeMs
		}
		return a.Platform < b.Platform
	})
	return healthy
}

// Load restores persisted summaries. Raw events are not replayed: restored
// windows expire by the summary's last check until new events arrive.
func (m *Monitor) Load(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	summaries, err := m.repo.LoadSummaries(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, s := range summaries {
		if s == nil || s.Platform == "" {
			continue
		}
		e := m.entry(s.Platform)
		e.mu.Lock()
		if len(e.samples) == 0 {
			e.summary = *s
		}
		e.mu.Unlock()
	}
	m.log.Info("Loaded platform health", "platforms", len(summaries))
	return nil
}

func (m *Monitor) enqueue(job persistJob) {
	if m.queue == nil {
		return
	}
	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- job:
	default:
		metrics.HealthPersistDropped.Inc()
		m.log.Warn("Health persistence queue full, dropping write", "platform", job.event.Platform)
	}
}

func (m *Monitor) persistLoop() {
	defer close(m.done)
	for job := range m.queue {
		m.persist(job)
	}
}

func (m *Monitor) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()

	if err := m.repo.SaveEvent(ctx, &job.event); err != nil {
		metrics.HealthPersistErrors.Inc()
		m.log.Error("Failed to persist health event", "platform", job.event.Platform, "error", err)
	}
	if err := m.repo.SaveSummary(ctx, &job.summary); err != nil {
		metrics.HealthPersistErrors.Inc()
		m.log.Error("Failed to persist platform health", "platform", job.summary.Platform, "error", err)
	}
}

// Close stops accepting writes and drains the persistence queue.
func (m *Monitor) Close(ctx context.Context) error {
	m.qmu.Lock()
	if !m.closed {
		m.closed = true
		if m.queue != nil {
			close(m.queue)
		}
	}
	m.qmu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}
