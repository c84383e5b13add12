package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/scrapeguard/internal/metrics"
)

// ErrPoolClosed is returned once the pool has been shut down.
var ErrPoolClosed = errors.New("browser pool is closed")

type pooledBrowser struct {
	id         int
	browser    Browser
	pages      int
	launchedAt time.Time
	lastUsed   time.Time
	// broken browsers take no new pages and close when their last page does
	broken bool
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Browsers int `json:"browsers"`
	Pages    int `json:"pages"`
	Capacity int `json:"capacity"`
}

// pool bounds browsers and pages. The semaphore admits at most
// maxBrowsers*maxPages concurrent pages; the mutex guards bookkeeping.
type pool struct {
	launcher    Launcher
	maxBrowsers int
	maxPages    int
	sem         *semaphore.Weighted
	nowFn       func() time.Time

	mu        sync.Mutex
	browsers  []*pooledBrowser
	launching int
	nextID    int
	closed    bool
	// changed is closed and replaced on every bookkeeping change
	changed chan struct{}
}

func newPool(launcher Launcher, maxBrowsers, maxPages int, now func() time.Time) *pool {
	return &pool{
		launcher:    launcher,
		maxBrowsers: maxBrowsers,
		maxPages:    maxPages,
		sem:         semaphore.NewWeighted(int64(maxBrowsers * maxPages)),
		nowFn:       now,
		changed:     make(chan struct{}),
	}
}

// acquire reserves a page slot on a browser, launching one if needed.
func (p *pool) acquire(ctx context.Context) (*pooledBrowser, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, ErrPoolClosed
		}
		if pb := p.availableLocked(); pb != nil {
			pb.pages++
			pb.lastUsed = p.nowFn()
			p.notifyLocked()
			p.mu.Unlock()
			return pb, nil
		}
		if len(p.browsers)+p.launching < p.maxBrowsers {
			p.launching++
			p.mu.Unlock()
			return p.launch(ctx)
		}
		// A slot is held but every browser is full or draining; wait for a change.
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.sem.Release(1)
			return nil, ctx.Err()
		}
	}
}

// availableLocked returns the least loaded healthy browser with a free page.
func (p *pool) availableLocked() *pooledBrowser {
	var best *pooledBrowser
	for _, pb := range p.browsers {
		if pb.broken || pb.pages >= p.maxPages {
			continue
		}
		if best == nil || pb.pages < best.pages {
			best = pb
		}
	}
	return best
}

func (p *pool) launch(ctx context.Context) (*pooledBrowser, error) {
	b, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	if p.closed {
		p.notifyLocked()
		p.mu.Unlock()
		p.sem.Release(1)
		_ = b.Close()
		return nil, ErrPoolClosed
	}
	now := p.nowFn()
	p.nextID++
	pb := &pooledBrowser{
		id:         p.nextID,
		browser:    b,
		pages:      1,
		launchedAt: now,
		lastUsed:   now,
	}
	p.browsers = append(p.browsers, pb)
	p.notifyLocked()
	p.mu.Unlock()
	return pb, nil
}

// release returns a page slot. A broken browser leaves the rotation and is
// closed once its last page is released.
func (p *pool) release(pb *pooledBrowser, broken bool) {
	p.mu.Lock()
	pb.pages--
	pb.lastUsed = p.nowFn()
	if broken {
		pb.broken = true
	}
	var toClose *pooledBrowser
	if pb.broken && pb.pages == 0 && p.removeLocked(pb) {
		toClose = pb
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.sem.Release(1)
	if toClose != nil {
		_ = toClose.browser.Close()
	}
}

func (p *pool) removeLocked(pb *pooledBrowser) bool {
	for i, candidate := range p.browsers {
		if candidate == pb {
			p.browsers = append(p.browsers[:i], p.browsers[i+1:]...)
			return true
		}
	}
	return false
}

// sweep closes browsers without open pages that have been idle or alive too long.
func (p *pool) sweep(idleTimeout, maxAge time.Duration) int {
	now := p.nowFn()

	p.mu.Lock()
	var (
		keep   []*pooledBrowser
		closed []*pooledBrowser
	)
	for _, pb := range p.browsers {
		expired := (idleTimeout > 0 && now.Sub(pb.lastUsed) >= idleTimeout) ||
			(maxAge > 0 && now.Sub(pb.launchedAt) >= maxAge)
		if pb.pages == 0 && expired {
			closed = append(closed, pb)
			continue
		}
		keep = append(keep, pb)
	}
	p.browsers = keep
	if len(closed) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, pb := range closed {
		_ = pb.browser.Close()
	}
	return len(closed)
}

// close stops admissions and hands back every browser for shutdown.
func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.notifyLocked()
	}
}

// drain waits until no page is open or ctx ends, then detaches all browsers.
func (p *pool) drain(ctx context.Context) ([]Browser, error) {
	var err error
	for {
		p.mu.Lock()
		open := 0
		for _, pb := range p.browsers {
			open += pb.pages
		}
		if open == 0 || err != nil {
			browsers := make([]Browser, 0, len(p.browsers))
			for _, pb := range p.browsers {
				browsers = append(browsers, pb.browser)
			}
			p.browsers = nil
			p.notifyLocked()
			p.mu.Unlock()
			return browsers, err
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Browsers: len(p.browsers), Capacity: p.maxBrowsers * p.maxPages}
	for _, pb := range p.browsers {
		s.Pages += pb.pages
	}
	return s
}

func (p *pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})

	pages := 0
	for _, pb := range p.browsers {
		pages += pb.pages
	}
	metrics.BrowserPoolBrowsers.Set(float64(len(p.browsers)))
	metrics.BrowserPoolPages.Set(float64(pages))
}
