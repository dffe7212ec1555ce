package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodLauncher starts Chromium through go-rod with stealth pages.
type RodLauncher struct {
	opts   *Options
	logger *slog.Logger
}

// NewRodLauncher returns a Launcher backed by go-rod.
func NewRodLauncher(opts *Options) *RodLauncher {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &RodLauncher{opts: opts, logger: opts.logger().With("driver", "rod")}
}

// Launch starts a local Chromium and opens the primary stealth page.
func (l *RodLauncher) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Driver: "rod", Err: err}
	}

	lc := launcher.New().
		Headless(l.opts.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("window-size", fmt.Sprintf("%d,%d", l.opts.ViewportWidth, l.opts.ViewportHeight))
	if l.opts.ProxyServer != "" {
		lc = lc.Proxy(l.opts.ProxyServer)
	}

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, &LaunchError{Driver: "rod", Err: fmt.Errorf("start chromium: %w", err)}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		lc.Kill()
		return nil, &LaunchError{Driver: "rod", Err: fmt.Errorf("connect: %w", err)}
	}

	s := &rodSession{
		launcher: lc,
		browser:  b,
		opts:     l.opts,
		logger:   l.logger,
	}

	primary, err := s.newPage()
	if err != nil {
		_ = s.Close()
		return nil, &LaunchError{Driver: "rod", Err: err}
	}
	s.rodPage = primary

	l.logger.Debug("browser session started", "headless", l.opts.Headless)
	return s, nil
}

type rodSession struct {
	*rodPage

	launcher *launcher.Launcher
	browser  *rod.Browser
	opts     *Options
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *rodSession) NewPage() (Page, error) {
	return s.newPage()
}

func (s *rodSession) newPage() (*rodPage, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("create stealth page: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.opts.UserAgent,
		AcceptLanguage: s.opts.AcceptLanguage,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.opts.ViewportWidth,
		Height:            s.opts.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if s.opts.TimezoneID != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: s.opts.TimezoneID}).Call(page); err != nil {
			s.logger.Warn("failed to set timezone", "timezone", s.opts.TimezoneID, "error", err)
		}
	}
	if len(s.opts.ExtraHeaders) > 0 {
		dict := make([]string, 0, len(s.opts.ExtraHeaders)*2)
		for k, v := range s.opts.ExtraHeaders {
			dict = append(dict, k, v)
		}
		if _, err := page.SetExtraHeaders(dict); err != nil {
			s.logger.Warn("failed to set extra headers", "error", err)
		}
	}

	return &rodPage{page: page, blockMarkers: s.opts.BlockMarkers, timeout: s.opts.actionTimeout()}, nil
}

func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("browser session closed", "error", s.closeErr)
	})
	return s.closeErr
}

type rodPage struct {
	page         *rod.Page
	blockMarkers []string
	timeout      time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	budget, ok := effectiveTimeout(ctx, timeout)
	if !ok {
		return &NavigationTimeout{URL: url, Timeout: timeout, Err: ctx.Err()}
	}

	page := p.page.Context(ctx).Timeout(budget)
	defer page.CancelTimeout()

	err := page.Navigate(url)
	if err == nil {
		err = page.WaitLoad()
	}
	if err == nil {
		err = page.WaitIdle(budget)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &NavigationTimeout{URL: url, Timeout: budget, Err: err}
		}
		return &NavigationError{URL: url, Err: err}
	}

	if len(p.blockMarkers) > 0 {
		content, err := page.HTML()
		if err != nil {
			return &NavigationError{URL: url, Err: fmt.Errorf("read content: %w", err)}
		}
		if marker, blocked := containsAny(content, p.blockMarkers); blocked {
			return &NavigationError{URL: url, Reason: fmt.Sprintf("bot wall detected (%q)", marker)}
		}
	}
	return nil
}

func (p *rodPage) LocateAll(selector string) ([]Element, error) {
	page := p.page.Timeout(p.timeout)
	defer page.CancelTimeout()

	els, err := page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapRod(els, p.page.GetContext(), p.timeout), nil
}

func (p *rodPage) Close() error {
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

// rodElement keeps an unbounded handle. Every operation runs on a clone
// limited by the action timeout, so rod's retry loops cannot outlive it.
type rodElement struct {
	el      *rod.Element
	timeout time.Duration
}

// wrapRod rebinds els to base so they stay usable after the bounded clone
// that located them is cancelled.
func wrapRod(els rod.Elements, base context.Context, timeout time.Duration) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el.Context(base), timeout: timeout})
	}
	return out
}

func (e *rodElement) bounded(ctx context.Context) (*rod.Element, error) {
	budget, ok := effectiveTimeout(ctx, e.timeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	}
	return e.el.Context(ctx).Timeout(budget), nil
}

func (e *rodElement) LocateAll(selector string) ([]Element, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return nil, err
	}
	defer el.CancelTimeout()

	els, err := el.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapRod(els, e.el.GetContext(), e.timeout), nil
}

// LocateOne uses Has so an absent node returns immediately instead of
// waiting for it to appear.
func (e *rodElement) LocateOne(selector string) (Element, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return nil, err
	}
	defer el.CancelTimeout()

	found, child, err := el.Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if !found {
		return nil, nil
	}
	return &rodElement{el: child.Context(e.el.GetContext()), timeout: e.timeout}, nil
}

func (e *rodElement) Text(selector string) (string, bool, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return "", false, err
	}
	defer el.CancelTimeout()

	target := el
	if selector != "" {
		found, child, err := el.Has(selector)
		if err != nil {
			return "", false, fmt.Errorf("query %q: %w", selector, err)
		}
		if !found {
			return "", false, nil
		}
		target = child
	}
	text, err := target.Text()
	if err != nil {
		return "", false, fmt.Errorf("read text: %w", err)
	}
	return strings.TrimSpace(text), true, nil
}

func (e *rodElement) Attribute(name string) (string, bool, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return "", false, err
	}
	defer el.CancelTimeout()

	v, err := el.Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("read attribute %q: %w", name, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Click(ctx context.Context) error {
	el, err := e.bounded(ctx)
	if err != nil {
		return fmt.Errorf("click: %w", err)
	}
	defer el.CancelTimeout()

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *rodElement) Disabled() (bool, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return false, err
	}
	defer el.CancelTimeout()

	res, err := el.Eval(`function() {
		return this.disabled === true ||
			this.hasAttribute('disabled') ||
			this.getAttribute('aria-disabled') === 'true' ||
			this.classList.contains('a-disabled')
	}`)
	if err != nil {
		return false, fmt.Errorf("read disabled state: %w", err)
	}
	return res.Value.Bool(), nil
}

func (e *rodElement) OuterHTML() (string, error) {
	el, err := e.bounded(context.Background())
	if err != nil {
		return "", err
	}
	defer el.CancelTimeout()

	html, err := el.HTML()
	if err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	return html, nil
}
