package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/scrapeguard/internal/core/config"
	"github.com/vietddude/scrapeguard/internal/resilience/fetch"
)

var errRender = errors.New("render failed")

// stubLauncher hands out browsers whose pages fail while failing is set.
type stubLauncher struct {
	failing atomic.Bool
	html    string
}

func (l *stubLauncher) Launch(ctx context.Context) (fetch.Browser, error) {
	return &stubBrowser{launcher: l}, nil
}

type stubBrowser struct {
	launcher *stubLauncher
}

func (b *stubBrowser) NewPage(ctx context.Context) (fetch.Page, error) {
	return &stubPage{launcher: b.launcher}, nil
}

func (b *stubBrowser) Close() error { return nil }

type stubPage struct {
	launcher *stubLauncher
}

func (p *stubPage) Setup(ctx context.Context, setup fetch.PageSetup) error { return nil }

func (p *stubPage) Navigate(ctx context.Context, url string) error {
	if p.launcher.failing.Load() {
		return errRender
	}
	return nil
}

func (p *stubPage) WaitVisible(ctx context.Context, selector string) error { return nil }

func (p *stubPage) HTML(ctx context.Context) (string, error) { return p.launcher.html, nil }

func (p *stubPage) Close() error { return nil }

func failingHTTP(ctx context.Context, url string) (string, error) {
	return "", errors.New("status 403")
}

func newTestApp(t *testing.T) (*App, *stubLauncher) {
	t.Helper()
	cfg, err := config.Parse([]byte("server:\n  port: 0\n"))
	require.NoError(t, err)

	launcher := &stubLauncher{html: "<html>menu</html>"}
	app, err := NewApp(
		context.Background(),
		cfg,
		WithLauncher(launcher),
		WithHTTPFetcher(failingHTTP),
		WithAppLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.Fetch.Shutdown(context.Background())
		_ = app.Health.Close(context.Background())
	})
	return app, launcher
}
