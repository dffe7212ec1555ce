package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

const (
	selSection = ".carousel"
	selHeading = "h2"
	selCard    = ".card"
	selNext    = ".next"
	selCounter = ".count"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile(withCounter bool) profile.Profile {
	p := profile.Profile{
		ID:                     "shop",
		EntryURL:               "https://shop.test/mais-vendidos",
		Origin:                 "https://shop.test",
		SectionSelector:        selSection,
		SectionHeadingSelector: selHeading,
		HeadingTrimPrefixes:    []string{"Mais Vendidos em "},
		ItemCardSelector:       selCard,
		NextControlSelector:    selNext,
		PriceFormat:            profile.PriceFormatComma,
		Fields: profile.Fields{
			Rank:      ".rank",
			Title:     ".title",
			Price:     ".price",
			OldPrice:  ".old",
			Discount:  ".off",
			Link:      "a",
			LinkAttr:  "href",
			Image:     "img",
			ImageAttr: "src",
		},
	}
	if withCounter {
		p.PageCounterSelector = selCounter
		p.PageCounterPattern = profile.DefaultCounterPattern
	}
	return p
}

func cardHTML(title, price, link, image string) string {
	return fmt.Sprintf(
		`<li class="card"><a href="%s"><span class="title">%s</span></a><span class="price">%s</span><img src="%s"></li>`,
		link, title, price, image,
	)
}

// cards returns n distinct cards whose links are prefixed with key.
func cards(key string, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cardHTML(
			fmt.Sprintf("%s item %d", key, i),
			fmt.Sprintf("R$ %d,90", 10+i),
			fmt.Sprintf("/dp/%s-%d", key, i),
			fmt.Sprintf("https://img.shop.test/%s-%d.jpg", key, i),
		))
	}
	return out
}

type fakeCard struct {
	html string
	err  error
}

func (c *fakeCard) LocateAll(string) ([]browser.Element, error) { return nil, nil }
func (c *fakeCard) LocateOne(string) (browser.Element, error) { return nil, nil }
func (c *fakeCard) Text(string) (string, bool, error) { return "", false, nil }
func (c *fakeCard) Attribute(string) (string, bool, error) { return "", false, nil }
func (c *fakeCard) Click(context.Context) error { return nil }
func (c *fakeCard) Disabled() (bool, error) { return false, nil }
func (c *fakeCard) OuterHTML() (string, error) { return c.html, c.err }

// fakeSection is a carousel whose visible page changes on each next click.
type fakeSection struct {
	mu sync.Mutex

	heading    string
	noHeading  bool
	pages      [][]string
	counter    bool
	endless    bool
	noNext     bool
	clickErr   error
	clickErrAt int
	// stuck makes the next control block until the click's ctx is done.
	stuck bool

	current int
	clicks  int
}

func (s *fakeSection) totalPages() int {
	return len(s.pages)
}

func (s *fakeSection) LocateAll(selector string) ([]browser.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector != selCard {
		return nil, nil
	}
	idx := s.current
	if idx >= len(s.pages) {
		idx = len(s.pages) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	out := make([]browser.Element, 0, len(s.pages[idx]))
	for _, html := range s.pages[idx] {
		out = append(out, &fakeCard{html: html})
	}
	return out, nil
}

func (s *fakeSection) LocateOne(selector string) (browser.Element, error) {
	if selector != selNext || s.noNext {
		return nil, nil
	}
	return &fakeNext{section: s}, nil
}

func (s *fakeSection) Text(selector string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch selector {
	case selHeading:
		if s.noHeading {
			return "", false, nil
		}
		return s.heading, true, nil
	case selCounter:
		if !s.counter {
			return "", false, nil
		}
		return fmt.Sprintf("Página %d de %d", s.current+1, s.totalPages()), true, nil
	}
	return "", false, nil
}

func (s *fakeSection) Attribute(string) (string, bool, error) { return "", false, nil }
func (s *fakeSection) Click(context.Context) error { return nil }
func (s *fakeSection) Disabled() (bool, error) { return false, nil }
func (s *fakeSection) OuterHTML() (string, error) { return "", nil }

func (s *fakeSection) Clicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clicks
}

type fakeNext struct {
	section *fakeSection
}

func (n *fakeNext) LocateAll(string) ([]browser.Element, error) { return nil, nil }
func (n *fakeNext) LocateOne(string) (browser.Element, error) { return nil, nil }
func (n *fakeNext) Text(string) (string, bool, error) { return "", false, nil }
func (n *fakeNext) Attribute(string) (string, bool, error) { return "", false, nil }
func (n *fakeNext) OuterHTML() (string, error) { return "", nil }

func (n *fakeNext) Click(ctx context.Context) error {
	s := n.section
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks++
	if s.stuck {
		s.mu.Unlock()
		<-ctx.Done()
		s.mu.Lock()
		return ctx.Err()
	}
	if s.clickErr != nil && s.clicks >= s.clickErrAt {
		return s.clickErr
	}
	s.current++
	return nil
}

func (n *fakeNext) Disabled() (bool, error) {
	s := n.section
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endless {
		return false, nil
	}
	return s.current >= len(s.pages)-1, nil
}

type fakePage struct {
	mu       sync.Mutex
	sections []*fakeSection
	navErr   error
	navURLs  []string
	closes   int
}

func (p *fakePage) Navigate(_ context.Context, url string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navURLs = append(p.navURLs, url)
	return p.navErr
}

func (p *fakePage) LocateAll(selector string) ([]browser.Element, error) {
	if selector != selSection {
		return nil, nil
	}
	out := make([]browser.Element, 0, len(p.sections))
	for _, s := range p.sections {
		out = append(out, s)
	}
	return out, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

type fakeSession struct {
	*fakePage

	newPage    func() *fakePage
	newPageErr error

	mu     sync.Mutex
	closes int
	extra  []*fakePage
}

func (s *fakeSession) NewPage() (browser.Page, error) {
	if s.newPageErr != nil {
		return nil, s.newPageErr
	}
	p := s.newPage()
	s.mu.Lock()
	s.extra = append(s.extra, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeLauncher struct {
	session *fakeSession
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type fakeSink struct {
	mu        sync.Mutex
	snapshots []*catalog.Snapshot
	err       error
}

func (s *fakeSink) Upsert(_ context.Context, snap *catalog.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return s.err
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func noWait(context.Context, time.Duration) error { return nil }

var errClick = errors.New("element detached")
