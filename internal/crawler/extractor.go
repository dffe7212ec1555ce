package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

const (
	DefaultPageCeiling = 50
	DefaultSettleDelay = time.Second
)

type extractState int

const (
	stateExtract extractState = iota
	stateAdvance
	stateDone
)

// ExtractResult is the outcome of paginating one section.
type ExtractResult struct {
	Items      []catalog.RawItem
	Pages      int
	Advances   int
	Incomplete int
	Duplicates int
	// Err is a *SectionAdvanceError when pagination stopped on a failure.
	Err error
}

// Extractor walks a section's carousel pages and collects raw items.
type Extractor struct {
	profile profile.Profile
	counter *regexp.Regexp
	ceiling int
	settle  time.Duration
	wait    func(context.Context, time.Duration) error
	logger  *slog.Logger
}

// ExtractorOption customizes an Extractor.
type ExtractorOption func(*Extractor)

// WithPageCeiling caps the pages extracted per section.
func WithPageCeiling(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.ceiling = n
		}
	}
}

// WithSettleDelay sets the pause after each advance click.
func WithSettleDelay(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		if d >= 0 {
			e.settle = d
		}
	}
}

// WithWait replaces the settle wait. Used by tests.
func WithWait(fn func(context.Context, time.Duration) error) ExtractorOption {
	return func(e *Extractor) {
		e.wait = fn
	}
}

// NewExtractor builds an Extractor for p. A page ceiling set on the profile
// takes precedence over WithPageCeiling.
func NewExtractor(p profile.Profile, logger *slog.Logger, opts ...ExtractorOption) (*Extractor, error) {
	e := &Extractor{
		profile: p,
		ceiling: DefaultPageCeiling,
		settle:  DefaultSettleDelay,
		wait:    sleep,
		logger:  logger.With("component", "extractor", "provider", p.ID),
	}
	for _, opt := range opts {
		opt(e)
	}
	if p.PageCeiling > 0 {
		e.ceiling = p.PageCeiling
	}
	if p.HasCounter() {
		re, err := p.CounterRegexp()
		if err != nil {
			return nil, err
		}
		e.counter = re
	}
	return e, nil
}

// Extract collects every item across the section's pages. It never returns
// an error directly: a pagination failure ends the section and is reported
// in ExtractResult.Err alongside the items gathered so far.
func (e *Extractor) Extract(ctx context.Context, section Section) ExtractResult {
	logger := e.logger.With("section", section.Name)
	seen := make(map[string]struct{})

	var (
		res  ExtractResult
		next browser.Element
		st   = stateExtract
	)
	for st != stateDone {
		switch st {
		case stateExtract:
			res.Pages++
			e.collect(section, seen, &res, logger)
			next, st = e.decide(section, res.Pages, &res)

		case stateAdvance:
			if err := e.advance(ctx, next); err != nil {
				res.Err = &SectionAdvanceError{Section: section.Name, Page: res.Pages, Err: err}
				logger.Warn("pagination stopped", "page", res.Pages, "error", err)
				st = stateDone
				continue
			}
			res.Advances++
			st = stateExtract
		}
	}

	logger.Debug("section extracted",
		"pages", res.Pages,
		"items", len(res.Items),
		"incomplete", res.Incomplete,
		"duplicates", res.Duplicates,
	)
	return res
}

func (e *Extractor) collect(section Section, seen map[string]struct{}, res *ExtractResult, logger *slog.Logger) {
	cards, err := section.Handle.LocateAll(e.profile.ItemCardSelector)
	if err != nil {
		logger.Warn("failed to locate cards", "page", res.Pages, "error", err)
		return
	}

	page := make([]catalog.RawItem, 0, len(cards))
	for _, card := range cards {
		raw, err := readCard(card, e.profile.Fields)
		if err != nil {
			logger.Debug("failed to read card", "page", res.Pages, "error", err)
			res.Incomplete++
			continue
		}
		if !raw.Complete() {
			res.Incomplete++
			continue
		}
		page = append(page, raw)
	}

	before := len(res.Items)
	res.Items = appendUnique(res.Items, seen, page)
	res.Duplicates += len(page) - (len(res.Items) - before)
}

// decide implements the EXTRACT transition. It returns the next control when
// the state machine should advance.
func (e *Extractor) decide(section Section, pages int, res *ExtractResult) (browser.Element, extractState) {
	if pages >= e.ceiling {
		return nil, stateDone
	}

	if e.counter != nil {
		text, ok, err := section.Handle.Text(e.profile.PageCounterSelector)
		if err != nil || !ok {
			return nil, stateDone
		}
		current, total, ok := parseCounter(e.counter, text)
		if !ok || current >= total {
			return nil, stateDone
		}
	}

	next, err := section.Handle.LocateOne(e.profile.NextControlSelector)
	if err != nil {
		res.Err = &SectionAdvanceError{Section: section.Name, Page: pages, Err: fmt.Errorf("locate next control: %w", err)}
		return nil, stateDone
	}
	if next == nil {
		return nil, stateDone
	}
	disabled, err := next.Disabled()
	if err != nil {
		res.Err = &SectionAdvanceError{Section: section.Name, Page: pages, Err: fmt.Errorf("read next control: %w", err)}
		return nil, stateDone
	}
	if disabled {
		return nil, stateDone
	}
	return next, stateAdvance
}

// advance clicks next and waits for the carousel to settle. Both steps end
// when ctx is done.
func (e *Extractor) advance(ctx context.Context, next browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := next.Click(ctx); err != nil {
		return err
	}
	if err := e.wait(ctx, e.settle); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseCounter(re *regexp.Regexp, text string) (current, total int, ok bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 3 {
		return 0, 0, false
	}
	current, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return current, total, true
}

// Dedupe drops items whose link was already seen, keeping first occurrences
// in order.
func Dedupe(items []catalog.RawItem) []catalog.RawItem {
	return appendUnique(nil, make(map[string]struct{}, len(items)), items)
}

func appendUnique(dst []catalog.RawItem, seen map[string]struct{}, items []catalog.RawItem) []catalog.RawItem {
	for _, it := range items {
		if _, dup := seen[it.Link]; dup {
			continue
		}
		seen[it.Link] = struct{}{}
		dst = append(dst, it)
	}
	return dst
}
