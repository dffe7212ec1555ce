package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Element is a handle to a DOM node inside a live page.
type Element interface {
	// LocateAll returns descendants matching selector in document order.
	LocateAll(selector string) ([]Element, error)
	// LocateOne returns the first descendant matching selector, or nil.
	LocateOne(selector string) (Element, error)
	// Text returns the trimmed text of the first descendant matching selector.
	// An empty selector reads the element itself. ok is false when nothing matches.
	Text(selector string) (text string, ok bool, err error)
	Attribute(name string) (value string, ok bool, err error)
	// Click waits for the element to become clickable, bounded by the
	// action timeout and ctx's deadline.
	Click(ctx context.Context) error
	Disabled() (bool, error)
	OuterHTML() (string, error)
}

// Page is one browser tab.
type Page interface {
	// Navigate loads url and waits for network quiescence, bounded by timeout
	// and by ctx's deadline, whichever is sooner.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	LocateAll(selector string) ([]Element, error)
	Close() error
}

// Session owns a browser process and its primary page. Close releases
// every page and the process; it is safe to call more than once.
type Session interface {
	Page
	NewPage() (Page, error)
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// DefaultActionTimeout bounds element operations when Options leaves it unset.
const DefaultActionTimeout = 10 * time.Second

// Options configure the browser and its pages.
type Options struct {
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	// ActionTimeout bounds each element operation.
	ActionTimeout time.Duration
	ExtraHeaders  map[string]string
	// BlockMarkers are page-content substrings that identify a bot wall.
	BlockMarkers []string
	Logger       *slog.Logger
}

// DefaultOptions targets Brazilian storefronts.
func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
		TimezoneID:     "America/Sao_Paulo",
		Locale:         "pt-BR",
		ActionTimeout:  DefaultActionTimeout,
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		BlockMarkers: []string{
			"api-services-support@amazon.com",
			"Digite os caracteres que você vê abaixo",
		},
	}
}

func (o *Options) actionTimeout() time.Duration {
	if o.ActionTimeout > 0 {
		return o.ActionTimeout
	}
	return DefaultActionTimeout
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger.With("component", "browser")
	}
	return slog.Default().With("component", "browser")
}

// effectiveTimeout bounds timeout by ctx's remaining time. ok is false when
// ctx is already done or its deadline has passed.
func effectiveTimeout(ctx context.Context, timeout time.Duration) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	if deadline, has := ctx.Deadline(); has {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		if timeout <= 0 || remaining < timeout {
			return remaining, true
		}
	}
	return timeout, true
}

// NewLauncher returns the launcher for driver: "playwright" or "rod".
func NewLauncher(driver string, opts *Options) (Launcher, error) {
	switch driver {
	case "", "playwright":
		return NewPlaywrightLauncher(opts), nil
	case "rod":
		return NewRodLauncher(opts), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", driver)
	}
}
