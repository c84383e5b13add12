// Package fetch renders pages in a bounded pool of headless browsers and
// provides the browser fallback for plain HTTP fetches.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/scrapeguard/internal/metrics"
	"github.com/vietddude/scrapeguard/internal/resilience/health"
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	DefaultAcceptLanguage = "en-GB,en;q=0.9"
)

// errNoBrowser wraps failures to obtain a page slot or launch a browser.
var errNoBrowser = errors.New("no browser available")

// HTTPFetcher is the caller's lightweight fetch, tried before the browser.
type HTTPFetcher func(ctx context.Context, url string) (string, error)

// HealthRecorder receives one event per browser attempt.
type HealthRecorder interface {
	RecordEvent(ctx context.Context, ev health.Event)
}

// Config controls the pool and page behaviour.
type Config struct {
	MaxBrowsers        int           `yaml:"max_browsers"`
	MaxPagesPerBrowser int           `yaml:"max_pages_per_browser"`
	NavigationTimeout  time.Duration `yaml:"navigation_timeout"`
	SelectorTimeout    time.Duration `yaml:"selector_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxAge             time.Duration `yaml:"max_age"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	UserAgent          string        `yaml:"user_agent"`
	AcceptLanguage     string        `yaml:"accept_language"`
	BlockedResources   []string      `yaml:"blocked_resources"`
	ChromePath         string        `yaml:"chrome_path"`
	Headless           *bool         `yaml:"headless"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	headless := true
	return Config{
		MaxBrowsers:        3,
		MaxPagesPerBrowser: 5,
		NavigationTimeout:  30 * time.Second,
		SelectorTimeout:    10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxAge:             30 * time.Minute,
		SweepInterval:      time.Minute,
		UserAgent:          DefaultUserAgent,
		AcceptLanguage:     DefaultAcceptLanguage,
		BlockedResources:   []string{"Image", "Font", "Media"},
		Headless:           &headless,
		HTTPTimeout:        15 * time.Second,
		MaxBodyBytes:       10 << 20,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxBrowsers <= 0 {
		c.MaxBrowsers = d.MaxBrowsers
	}
	if c.MaxPagesPerBrowser <= 0 {
		c.MaxPagesPerBrowser = d.MaxPagesPerBrowser
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = d.NavigationTimeout
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = d.SelectorTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = d.AcceptLanguage
	}
	if c.BlockedResources == nil {
		c.BlockedResources = d.BlockedResources
	}
	if c.Headless == nil {
		c.Headless = d.Headless
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Manager fetches pages through the browser pool.
type Manager struct {
	cfg    Config
	pool   *pool
	health HealthRecorder
	log    *slog.Logger
	nowFn  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for pool ageing.
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

// WithHealth reports browser attempts to rec.
func WithHealth(rec HealthRecorder) Option {
	return func(m *Manager) { m.health = rec }
}

// NewManager creates a fetch manager over launcher.
func NewManager(launcher Launcher, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg.WithDefaults(),
		log:   slog.Default(),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = newPool(launcher, m.cfg.MaxBrowsers, m.cfg.MaxPagesPerBrowser, m.nowFn)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Stats returns pool occupancy.
func (m *Manager) Stats() PoolStats { return m.pool.stats() }

// FetchPage renders rawURL in a pooled browser and returns the page HTML.
// The page is closed and its slot released on every path.
func (m *Manager) FetchPage(ctx context.Context, rawURL string, opts Options) (string, error) {
	platform := platformOf(rawURL, opts.Platform)
	start := m.nowFn()

	html, err := m.render(ctx, rawURL, opts)

	latency := m.nowFn().Sub(start)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.FetchTotal.WithLabelValues(platform, "browser", outcome).Inc()

	// A fetch that never reached the platform, or that the caller abandoned,
	// says nothing about it. A deadline cut-off is a failure like any other.
	if !errors.Is(err, errNoBrowser) && !errors.Is(ctx.Err(), context.Canceled) && m.health != nil {
		m.health.RecordEvent(ctx, health.Event{
			Platform:     platform,
			Success:      err == nil,
			ResponseTime: latency,
			Err:          err,
			URL:          rawURL,
		})
	}
	if err != nil {
		m.log.Debug("Browser fetch failed", "url", rawURL, "platform", platform, "error", err)
		return "", err
	}
	return html, nil
}

func (m *Manager) render(ctx context.Context, rawURL string, opts Options) (string, error) {
	pb, err := m.pool.acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNoBrowser, err)
	}

	page, err := pb.browser.NewPage(ctx)
	if err != nil {
		m.pool.release(pb, true)
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			m.log.Warn("Failed to close page", "browser", pb.id, "error", cerr)
		}
		m.pool.release(pb, false)
	}()

	if err := page.Setup(ctx, PageSetup{
		UserAgent:        m.cfg.UserAgent,
		AcceptLanguage:   m.cfg.AcceptLanguage,
		BlockedResources: m.cfg.BlockedResources,
	}); err != nil {
		return "", fmt.Errorf("setup page: %w", err)
	}

	navTimeout := m.cfg.NavigationTimeout
	if opts.NavigationTimeout > 0 {
		navTimeout = opts.NavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	err = page.Navigate(navCtx, rawURL)
	cancel()
	if err != nil {
		return "", fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	if opts.WaitSelector != "" {
		selTimeout := m.cfg.SelectorTimeout
		if opts.SelectorTimeout > 0 {
			selTimeout = opts.SelectorTimeout
		}
		selCtx, cancel := context.WithTimeout(ctx, selTimeout)
		err = page.WaitVisible(selCtx, opts.WaitSelector)
		cancel()
		if err != nil {
			return "", fmt.Errorf("wait for %q: %w", opts.WaitSelector, err)
		}
	}

	if opts.Delay > 0 {
		timer := time.NewTimer(opts.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// FetchWithFallback tries httpFetch first and renders the page in a browser
// only when it fails.
func (m *Manager) FetchWithFallback(
	ctx context.Context,
	rawURL string,
	httpFetch HTTPFetcher,
	opts Options,
) (*Result, error) {
	platform := platformOf(rawURL, opts.Platform)
	start := m.nowFn()

	var httpErr error
	if httpFetch != nil {
		html, err := httpFetch(ctx, rawURL)
		if err == nil {
			metrics.FetchTotal.WithLabelValues(platform, "http", "success").Inc()
			return &Result{URL: rawURL, HTML: html, Duration: m.nowFn().Sub(start)}, nil
		}
		httpErr = err
		metrics.FetchTotal.WithLabelValues(platform, "http", "failure").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.FetchFallbackTotal.WithLabelValues(platform).Inc()
		m.log.Debug("HTTP fetch failed, falling back to browser", "url", rawURL, "error", err)
	}

	html, err := m.FetchPage(ctx, rawURL, opts)
	if err != nil {
		if httpErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, errors.Join(httpErr, err))
		}
		return nil, err
	}
	return &Result{URL: rawURL, HTML: html, UsedBrowser: true, Duration: m.nowFn().Sub(start)}, nil
}

// Sweep closes idle and aged browsers that have no open pages.
func (m *Manager) Sweep() int {
	n := m.pool.sweep(m.cfg.IdleTimeout, m.cfg.MaxAge)
	if n > 0 {
		m.log.Debug("Closed idle browsers", "count", n)
	}
	return n
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.log.Info("Browser pool sweeper started",
		"interval", m.cfg.SweepInterval,
		"idle_timeout", m.cfg.IdleTimeout,
		"max_age", m.cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown rejects new fetches, waits for open pages until ctx ends and
// closes every browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.pool.close()
	browsers, drainErr := m.pool.drain(ctx)

	var g errgroup.Group
	for _, b := range browsers {
		g.Go(b.Close)
	}
	closeErr := g.Wait()
	m.log.Info("Browser pool shut down", "browsers", len(browsers))
	return errors.Join(drainErr, closeErr)
}

func platformOf(rawURL, platform string) string {
	if platform != "" {
		return platform
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
