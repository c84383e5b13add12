package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vietddude/scrapeguard/internal/resilience/health"
)

type fakeLauncher struct {
	launches  atomic.Int32
	openPages atomic.Int32
	maxPages  atomic.Int32
	launchErr error

	// navigate, when set, replaces the default successful navigation
	navigate func(ctx context.Context, url string) error
	// newPageErr is returned by the next NewPage call
	newPageErr atomic.Pointer[error]

	mu       sync.Mutex
	browsers []*fakeBrowser
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.launches.Add(1)
	b := &fakeBrowser{launcher: l}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLauncher) closedBrowsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, b := range l.browsers {
		if b.closed.Load() {
			n++
		}
	}
	return n
}

type fakeBrowser struct {
	launcher *fakeLauncher
	closed   atomic.Bool
}

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) {
	if errp := b.launcher.newPageErr.Swap(nil); errp != nil {
		return nil, *errp
	}
	n := b.launcher.openPages.Add(1)
	for {
		peak := b.launcher.maxPages.Load()
		if n <= peak || b.launcher.maxPages.CompareAndSwap(peak, n) {
			break
		}
	}
	return &fakePage{launcher: b.launcher}, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakePage struct {
	launcher *fakeLauncher
	setup    PageSetup
	url      string
	closed   atomic.Bool
}

func (p *fakePage) Setup(ctx context.Context, setup PageSetup) error {
	p.setup = setup
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.url = url
	if p.launcher.navigate != nil {
		return p.launcher.navigate(ctx, url)
	}
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if selector == "#missing" {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	return "<html><body>" + p.url + " " + p.setup.AcceptLanguage + "</body></html>", nil
}

func (p *fakePage) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.launcher.openPages.Add(-1)
	}
	return nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []health.Event
}

func (r *recordedEvents) RecordEvent(_ context.Context, ev health.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) all() []health.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]health.Event(nil), r.events...)
}

var errNavigation = errors.New("net::ERR_CONNECTION_RESET")
