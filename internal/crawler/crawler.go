package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
	"github.com/maltedev/bestseller-crawler/internal/ratelimit"
)

// Run outcomes used in logs and metrics.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

const deliverTimeout = 30 * time.Second

// Sink persists a finished snapshot.
type Sink interface {
	Upsert(ctx context.Context, snapshot *catalog.Snapshot) error
}

// Options tune a Crawler.
type Options struct {
	RunTimeout        time.Duration
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	PageCeiling       int
	// Concurrency above 1 extracts sections on separate pages in parallel.
	Concurrency int
	Pacer       ratelimit.Pacer
	Metrics     *Metrics
}

// DefaultOptions match the storefront behaviour the crawler was tuned on.
func DefaultOptions() Options {
	return Options{
		RunTimeout:        20 * time.Minute,
		NavigationTimeout: 30 * time.Second,
		SettleDelay:       DefaultSettleDelay,
		PageCeiling:       DefaultPageCeiling,
		Concurrency:       1,
	}
}

// Crawler runs one provider crawl end to end.
type Crawler struct {
	launcher browser.Launcher
	sink     Sink
	opts     Options
	wait     func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// New creates a Crawler. sink may be nil, in which case snapshots are only
// returned to the caller.
func New(launcher browser.Launcher, sink Sink, opts Options, logger *slog.Logger) *Crawler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Pacer == nil {
		opts.Pacer = ratelimit.Nop{}
	}
	return &Crawler{
		launcher: launcher,
		sink:     sink,
		opts:     opts,
		logger:   logger.With("component", "crawler"),
	}
}

type runIDKey struct{}

// WithRunID makes Run use id instead of generating one.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Run crawls p's entry page and returns the snapshot. Once navigation has
// succeeded the snapshot is handed to the sink exactly once, after the
// browser session is closed, even when the run ends early. A navigation or
// launch failure returns an error and persists nothing.
func (c *Crawler) Run(ctx context.Context, p profile.Profile) (snapshot *catalog.Snapshot, err error) {
	started := time.Now()
	runID := runIDFrom(ctx)
	logger := c.logger.With("provider", p.ID, "run_id", runID)

	if c.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RunTimeout)
		defer cancel()
	}

	extractorOpts := []ExtractorOption{
		WithPageCeiling(c.opts.PageCeiling),
		WithSettleDelay(c.opts.SettleDelay),
	}
	if c.wait != nil {
		extractorOpts = append(extractorOpts, WithWait(c.wait))
	}
	extractor, err := NewExtractor(p, c.logger, extractorOpts...)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	normalizer, err := NewNormalizer(p)
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}

	logger.Info("crawl started", "entry_url", p.EntryURL)

	session, err := c.launcher.Launch(ctx)
	if err != nil {
		c.finish(logger, p.ID, StatusFailed, started, err)
		return nil, err
	}

	snap := catalog.NewSnapshot(p.ID, runID, started)
	navigated := false
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("failed to close browser session", "error", cerr)
		}
		if !navigated {
			return
		}
		snap.FinishedAt = time.Now()
		if derr := c.deliver(ctx, snap); derr != nil {
			logger.Error("failed to persist snapshot", "error", derr)
			if err == nil {
				err = derr
			}
		}
		status := StatusComplete
		if snap.Partial() {
			status = StatusPartial
		}
		if err != nil {
			status = StatusFailed
		}
		c.finish(logger, p.ID, status, started, err,
			"categories", len(snap.Categories()),
			"items", snap.ItemCount(),
		)
	}()

	if err := session.Navigate(ctx, p.EntryURL, c.opts.NavigationTimeout); err != nil {
		c.finish(logger, p.ID, StatusFailed, started, err)
		return nil, err
	}
	navigated = true

	sections, err := Discover(ctx, session, p)
	if err != nil {
		logger.Warn("section discovery failed", "error", err)
		snap.MarkPartial()
		return snap, nil
	}
	logger.Info("sections discovered", "count", len(sections))

	if c.opts.Concurrency > 1 && len(sections) > 1 {
		c.runParallel(ctx, session, p, sections, extractor, normalizer, snap, logger)
	} else {
		c.runSequential(ctx, sections, p, extractor, normalizer, snap, logger)
	}
	return snap, nil
}

func (c *Crawler) runSequential(
	ctx context.Context,
	sections []Section,
	p profile.Profile,
	extractor *Extractor,
	normalizer *Normalizer,
	snap *catalog.Snapshot,
	logger *slog.Logger,
) {
	for _, section := range sections {
		if err := c.admit(ctx); err != nil {
			logger.Warn("run budget exhausted, stopping before section", "section", section.Name, "error", err)
			snap.MarkPartial()
			return
		}
		snap.Put(section.Name, c.extractSection(ctx, p, section, extractor, normalizer, snap, logger))
	}
}

// runParallel gives every section its own page. Each worker re-discovers
// sections on its page and takes the one at the same index. Results are
// merged in document order once all workers finish.
func (c *Crawler) runParallel(
	ctx context.Context,
	session browser.Session,
	p profile.Profile,
	sections []Section,
	extractor *Extractor,
	normalizer *Normalizer,
	snap *catalog.Snapshot,
	logger *slog.Logger,
) {
	type result struct {
		name  string
		items []catalog.Item
	}
	results := make([]*result, len(sections))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)

	for i, section := range sections {
		i, section := i, section
		g.Go(func() error {
			if err := c.admit(ctx); err != nil {
				logger.Warn("run budget exhausted, skipping section", "section", section.Name, "error", err)
				snap.MarkPartial()
				return nil
			}

			page, err := session.NewPage()
			if err != nil {
				logger.Warn("failed to open worker page", "section", section.Name, "error", err)
				snap.MarkPartial()
				return nil
			}
			defer func() {
				if err := page.Close(); err != nil {
					logger.Debug("failed to close worker page", "error", err)
				}
			}()

			if err := page.Navigate(ctx, p.EntryURL, c.opts.NavigationTimeout); err != nil {
				logger.Warn("worker navigation failed", "section", section.Name, "error", err)
				c.opts.Metrics.IncError(p.ID, err)
				snap.MarkPartial()
				return nil
			}
			found, err := Discover(ctx, page, p)
			if err != nil || i >= len(found) {
				logger.Warn("section missing on worker page", "section", section.Name, "index", i, "error", err)
				snap.MarkPartial()
				return nil
			}
			items := c.extractSection(ctx, p, found[i], extractor, normalizer, snap, logger)
			results[i] = &result{name: found[i].Name, items: items}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			snap.Put(r.name, r.items)
		}
	}
}

func (c *Crawler) extractSection(
	ctx context.Context,
	p profile.Profile,
	section Section,
	extractor *Extractor,
	normalizer *Normalizer,
	snap *catalog.Snapshot,
	logger *slog.Logger,
) []catalog.Item {
	res := extractor.Extract(ctx, section)
	items, dropped := normalizer.NormalizeSection(res.Items)

	for _, d := range dropped {
		var parseErr *ItemParseError
		if errors.As(d, &parseErr) {
			c.opts.Metrics.IncDropped(p.ID, parseErr.Reason)
		}
		logger.Debug("item dropped", "section", section.Name, "error", d)
	}
	c.opts.Metrics.ObserveSection(p.ID, res, len(items))

	if fb, ok := c.opts.Pacer.(ratelimit.Feedback); ok {
		if res.Err != nil {
			fb.RecordError()
		} else {
			fb.RecordSuccess()
		}
	}
	if res.Err != nil {
		c.opts.Metrics.IncError(p.ID, res.Err)
		snap.MarkPartial()
	}

	logger.Info("section extracted",
		"section", section.Name,
		"pages", res.Pages,
		"items", len(items),
		"dropped", len(dropped),
	)
	return items
}

// admit gates the start of a section. Inside a section cancellation only
// interrupts a click or settle wait, ending pagination with the items read.
func (c *Crawler) admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.opts.Pacer.Wait(ctx)
}

func (c *Crawler) deliver(ctx context.Context, snap *catalog.Snapshot) error {
	if c.sink == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	if err := c.sink.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("deliver snapshot: %w", err)
	}
	return nil
}

func (c *Crawler) finish(logger *slog.Logger, provider, status string, started time.Time, err error, attrs ...any) {
	d := time.Since(started)
	c.opts.Metrics.ObserveRun(provider, status, d)
	attrs = append(attrs, "status", status, "duration", d)
	if err != nil {
		c.opts.Metrics.IncError(provider, err)
		logger.Error("crawl finished", append(attrs, "error", err)...)
		return
	}
	logger.Info("crawl finished", attrs...)
}
