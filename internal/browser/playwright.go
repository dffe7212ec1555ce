package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher starts Chromium through playwright-go.
type PlaywrightLauncher struct {
	opts   *Options
	logger *slog.Logger
}

// NewPlaywrightLauncher returns a Launcher backed by playwright-go.
func NewPlaywrightLauncher(opts *Options) *PlaywrightLauncher {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &PlaywrightLauncher{opts: opts, logger: opts.logger().With("driver", "playwright")}
}

// Launch starts playwright, Chromium, a context, and the primary page.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Driver: "playwright", Err: err}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, &LaunchError{Driver: "playwright", Err: fmt.Errorf("start playwright: %w", err)}
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", l.opts.ViewportWidth, l.opts.ViewportHeight),
		},
	}
	if l.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: l.opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, &LaunchError{Driver: "playwright", Err: fmt.Errorf("launch chromium: %w", err)}
	}

	headers := make(map[string]string, len(l.opts.ExtraHeaders)+1)
	for k, v := range l.opts.ExtraHeaders {
		headers[k] = v
	}
	if l.opts.AcceptLanguage != "" {
		headers["Accept-Language"] = l.opts.AcceptLanguage
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(l.opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(l.opts.Locale),
		TimezoneId:        playwright.String(l.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  l.opts.ViewportWidth,
			Height: l.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, &LaunchError{Driver: "playwright", Err: fmt.Errorf("create browser context: %w", err)}
	}

	s := &playwrightSession{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    l.opts,
		logger:  l.logger,
	}

	primary, err := s.newPage()
	if err != nil {
		_ = s.Close()
		return nil, &LaunchError{Driver: "playwright", Err: err}
	}
	s.playwrightPage = primary

	l.logger.Debug("browser session started", "headless", l.opts.Headless)
	return s, nil
}

type playwrightSession struct {
	*playwrightPage

	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *playwrightSession) NewPage() (Page, error) {
	return s.newPage()
}

func (s *playwrightSession) newPage() (*playwrightPage, error) {
	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.OnConsole(func(msg playwright.ConsoleMessage) {
		s.logger.Debug("page console", "type", msg.Type(), "text", msg.Text())
	})
	page.SetDefaultTimeout(float64(s.opts.actionTimeout().Milliseconds()))
	return &playwrightPage{page: page, blockMarkers: s.opts.BlockMarkers, timeout: s.opts.actionTimeout()}, nil
}

// Close tears down the context, browser, and driver. Errors are aggregated.
func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.context != nil {
			if err := s.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if s.pw != nil {
			if err := s.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Debug("browser session closed", "error", s.closeErr)
	})
	return s.closeErr
}

type playwrightPage struct {
	page         playwright.Page
	blockMarkers []string
	timeout      time.Duration
}

func (p *playwrightPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	budget, ok := effectiveTimeout(ctx, timeout)
	if !ok {
		return &NavigationTimeout{URL: url, Timeout: timeout, Err: ctx.Err()}
	}

	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(budget.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return &NavigationTimeout{URL: url, Timeout: budget, Err: err}
		}
		return &NavigationError{URL: url, Err: err}
	}
	if resp != nil && resp.Status() >= 400 {
		return &NavigationError{URL: url, Status: resp.Status()}
	}

	if len(p.blockMarkers) > 0 {
		content, err := p.page.Content()
		if err != nil {
			return &NavigationError{URL: url, Err: fmt.Errorf("read content: %w", err)}
		}
		if marker, blocked := containsAny(content, p.blockMarkers); blocked {
			return &NavigationError{URL: url, Reason: fmt.Sprintf("bot wall detected (%q)", marker)}
		}
	}
	return nil
}

func (p *playwrightPage) LocateAll(selector string) ([]Element, error) {
	handles, err := p.page.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapHandles(handles, p.timeout), nil
}

func (p *playwrightPage) Close() error {
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

type playwrightElement struct {
	handle  playwright.ElementHandle
	timeout time.Duration
}

func wrapHandles(handles []playwright.ElementHandle, timeout time.Duration) []Element {
	out := make([]Element, 0, len(handles))
	for _, h := range handles {
		out = append(out, &playwrightElement{handle: h, timeout: timeout})
	}
	return out
}

func (e *playwrightElement) LocateAll(selector string) ([]Element, error) {
	handles, err := e.handle.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapHandles(handles, e.timeout), nil
}

func (e *playwrightElement) LocateOne(selector string) (Element, error) {
	h, err := e.handle.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if h == nil {
		return nil, nil
	}
	return &playwrightElement{handle: h, timeout: e.timeout}, nil
}

func (e *playwrightElement) Text(selector string) (string, bool, error) {
	target := e.handle
	if selector != "" {
		h, err := e.handle.QuerySelector(selector)
		if err != nil {
			return "", false, fmt.Errorf("query %q: %w", selector, err)
		}
		if h == nil {
			return "", false, nil
		}
		target = h
	}
	text, err := target.TextContent()
	if err != nil {
		return "", false, fmt.Errorf("read text: %w", err)
	}
	return strings.TrimSpace(text), true, nil
}

func (e *playwrightElement) Attribute(name string) (string, bool, error) {
	v, err := e.handle.Evaluate("(el, name) => el.getAttribute(name)", name)
	if err != nil {
		return "", false, fmt.Errorf("read attribute %q: %w", name, err)
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (e *playwrightElement) Click(ctx context.Context) error {
	budget, ok := effectiveTimeout(ctx, e.timeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("click: %w", err)
		}
		return fmt.Errorf("click: %w", context.DeadlineExceeded)
	}
	err := e.handle.Click(playwright.ElementHandleClickOptions{
		Timeout: playwright.Float(float64(budget.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *playwrightElement) Disabled() (bool, error) {
	v, err := e.handle.Evaluate(disabledJS)
	if err != nil {
		return false, fmt.Errorf("read disabled state: %w", err)
	}
	disabled, _ := v.(bool)
	return disabled, nil
}

func (e *playwrightElement) OuterHTML() (string, error) {
	v, err := e.handle.Evaluate("el => el.outerHTML")
	if err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	html, _ := v.(string)
	return html, nil
}

const disabledJS = `el => el.disabled === true ||
	el.hasAttribute('disabled') ||
	el.getAttribute('aria-disabled') === 'true' ||
	el.classList.contains('a-disabled')`

func containsAny(s string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return m, true
		}
	}
	return "", false
}
