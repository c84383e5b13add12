package fetch

import (
	"context"
	"time"
)

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one browser process that can host several pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// PageSetup is applied to a page before navigation.
type PageSetup struct {
	UserAgent      string
	AcceptLanguage string
	// BlockedResources lists resource types ("Image", "Font", "Media") that
	// are failed before they hit the network.
	BlockedResources []string
}

// Page is a single browser tab.
type Page interface {
	Setup(ctx context.Context, setup PageSetup) error
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Options tune a single fetch.
type Options struct {
	// Platform is reported to the health monitor. Empty uses the URL host.
	Platform string
	// WaitSelector, when set, must become visible before the HTML is read.
	WaitSelector string
	// SelectorTimeout overrides the configured selector timeout.
	SelectorTimeout time.Duration
	// NavigationTimeout overrides the configured navigation timeout.
	NavigationTimeout time.Duration
	// Delay is waited after navigation, for pages that render late.
	Delay time.Duration
}

// Result is the outcome of FetchWithFallback.
type Result struct {
	URL         string        `json:"url"`
	HTML        string        `json:"html"`
	UsedBrowser bool          `json:"used_browser"`
	Duration    time.Duration `json:"duration"`
}
