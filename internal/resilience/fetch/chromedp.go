package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/emulation"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeLauncher starts headless Chrome processes through chromedp.
type ChromeLauncher struct {
	execPath  string
	headless  bool
	userAgent string
	log       *slog.Logger
}

// NewChromeLauncher creates a launcher from the fetch config.
func NewChromeLauncher(cfg Config, log *slog.Logger) *ChromeLauncher {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &ChromeLauncher{
		execPath:  cfg.ChromePath,
		headless:  *cfg.Headless,
		userAgent: cfg.UserAgent,
		log:       log,
	}
}

// Launch starts a browser process. The process outlives ctx; ctx only
// bounds the startup.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(l.userAgent),
	)
	if l.execPath != "" {
		opts = append(opts, chromedp.ExecPath(l.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	l.log.Debug("Launched browser", "headless", l.headless)
	return &chromeBrowser{ctx: browserCtx, cancel: cancel}, nil
}

type chromeBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	// the first Run on a new context opens the tab
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

func (b *chromeBrowser) Close() error {
	b.cancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by the caller's ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *chromePage) Setup(ctx context.Context, setup PageSetup) error {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(setup.UserAgent).WithAcceptLanguage(setup.AcceptLanguage),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": setup.AcceptLanguage}),
	}

	if len(setup.BlockedResources) > 0 {
		patterns := make([]*cdpfetch.RequestPattern, 0, len(setup.BlockedResources))
		for _, rt := range setup.BlockedResources {
			patterns = append(patterns, &cdpfetch.RequestPattern{
				URLPattern:   "*",
				ResourceType: network.ResourceType(rt),
				RequestStage: cdpfetch.RequestStageRequest,
			})
		}
		// only blocked resource types are paused, so every paused request is failed
		chromedp.ListenTarget(p.ctx, func(ev any) {
			paused, ok := ev.(*cdpfetch.EventRequestPaused)
			if !ok {
				return
			}
			go func() {
				_ = chromedp.Run(p.ctx, cdpfetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient))
			}()
		})
		actions = append(actions, cdpfetch.Enable().WithPatterns(patterns))
	}
	return p.run(ctx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
