package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
)

func newTestCrawler(launcher browser.Launcher, sink Sink, opts Options) *Crawler {
	c := New(launcher, sink, opts, testLogger())
	c.wait = noWait
	return c
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RunTimeout = time.Minute
	opts.SettleDelay = 0
	opts.Metrics = NewMetrics()
	return opts
}

func TestRunEndToEnd(t *testing.T) {
	p1 := cards("s1a", 3)
	p2 := append([]string{p1[2]}, cards("s1b", 2)...)
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{
			heading: "Mais Vendidos em Eletrônicos",
			counter: true,
			pages:   [][]string{p1, p2},
		},
		{
			heading: "Livros",
			counter: true,
			pages: [][]string{{
				cardHTML("Dom Casmurro", "R$ 29,90", "/dp/casmurro", "https://img.shop.test/casmurro.jpg"),
				cardHTML("Sem preço", "", "/dp/noprice", "https://img.shop.test/noprice.jpg"),
			}},
		},
	}}}
	sink := &fakeSink{}
	opts := testOptions()

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, opts).
		Run(context.Background(), testProfile(true))
	require.NoError(t, err)

	assert.Equal(t, []string{"Eletrônicos", "Livros"}, snap.Categories())
	require.Len(t, snap.Items("Eletrônicos"), 5)
	require.Len(t, snap.Items("Livros"), 1)
	assert.False(t, snap.Partial())
	assert.Equal(t, "shop", snap.ProviderID)
	assert.NotEmpty(t, snap.RunID)
	assert.False(t, snap.FinishedAt.IsZero())

	electronics := snap.Items("Eletrônicos")
	assert.Equal(t, 1, electronics[0].Rank)
	assert.Equal(t, "https://shop.test/dp/s1a-0", electronics[0].Link)
	assert.Equal(t, catalog.Cents(1090), electronics[0].Price)
	assert.Equal(t, "https://shop.test/dp/s1a-2", electronics[2].Link)
	assert.Equal(t, "https://shop.test/dp/s1b-0", electronics[3].Link)
	assert.Equal(t, "https://shop.test/dp/s1b-1", electronics[4].Link)
	assert.Equal(t, "Dom Casmurro", snap.Items("Livros")[0].Title)

	assert.Equal(t, 1, session.Closes())
	assert.Equal(t, 1, sink.Calls())
	assert.Same(t, snap, sink.snapshots[0])
	assert.Equal(t, []string{"https://shop.test/mais-vendidos"}, session.navURLs)

	m := opts.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsDropped.WithLabelValues("shop", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsDropped.WithLabelValues("shop", "incomplete")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ItemsDropped.WithLabelValues("shop", ReasonBadPrice)))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.ItemsNormalized.WithLabelValues("shop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdvancesTotal.WithLabelValues("shop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("shop", StatusComplete)))
}

func TestRunDropsUnparseablePrice(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Casa", pages: [][]string{{
			cardHTML("Panela", "R$ 89,90", "/dp/panela", "https://img.shop.test/panela.jpg"),
			cardHTML("Frigideira", "consulte", "/dp/frigideira", "https://img.shop.test/frigideira.jpg"),
			cardHTML("Estorno", "-R$ 3,00", "/dp/estorno", "https://img.shop.test/estorno.jpg"),
		}}},
	}}}
	opts := testOptions()

	snap, err := newTestCrawler(&fakeLauncher{session: session}, &fakeSink{}, opts).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	require.Len(t, snap.Items("Casa"), 1)
	assert.Equal(t, "Panela", snap.Items("Casa")[0].Title)
	assert.Equal(t, 2.0, testutil.ToFloat64(opts.Metrics.ItemsDropped.WithLabelValues("shop", ReasonBadPrice)))
}

func TestRunStuckClickEndsAtRunDeadline(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Games", pages: [][]string{cards("g1", 3), cards("g2", 3)}, stuck: true},
		{heading: "Casa", pages: [][]string{cards("c", 2)}},
	}}}
	sink := &fakeSink{}
	opts := testOptions()
	opts.RunTimeout = 50 * time.Millisecond

	type outcome struct {
		snap *catalog.Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, opts).
			Run(context.Background(), testProfile(false))
		done <- outcome{snap, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the run deadline")
	}

	require.NoError(t, out.err)
	assert.True(t, out.snap.Partial())
	assert.Len(t, out.snap.Items("Games"), 3)
	assert.Empty(t, out.snap.Items("Casa"))
	assert.Equal(t, 1, session.Closes())
	assert.Equal(t, 1, sink.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.RunsTotal.WithLabelValues("shop", StatusPartial)))
}

func TestRunSectionFailureIsIsolated(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Games", pages: [][]string{cards("g1", 2), cards("g2", 2)}, clickErr: errClick, clickErrAt: 1},
		{heading: "Casa", pages: [][]string{cards("c", 3)}},
	}}}
	sink := &fakeSink{}

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, testOptions()).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	assert.Len(t, snap.Items("Games"), 2)
	assert.Len(t, snap.Items("Casa"), 3)
	assert.True(t, snap.Partial())
	assert.Equal(t, 1, sink.Calls())
}

func TestRunNavigationTimeout(t *testing.T) {
	navErr := &browser.NavigationTimeout{URL: "https://shop.test/mais-vendidos", Timeout: time.Second}
	session := &fakeSession{fakePage: &fakePage{navErr: navErr}}
	sink := &fakeSink{}

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, testOptions()).
		Run(context.Background(), testProfile(false))

	require.Error(t, err)
	var timeout *browser.NavigationTimeout
	assert.True(t, errors.As(err, &timeout))
	assert.Nil(t, snap)
	assert.Equal(t, 1, session.Closes())
	assert.Equal(t, 0, sink.Calls())
}

func TestRunLaunchFailure(t *testing.T) {
	launchErr := &browser.LaunchError{Driver: "playwright", Err: errors.New("no chromium")}
	sink := &fakeSink{}

	snap, err := newTestCrawler(&fakeLauncher{err: launchErr}, sink, testOptions()).
		Run(context.Background(), testProfile(false))

	assert.ErrorIs(t, err, launchErr)
	assert.Nil(t, snap)
	assert.Equal(t, 0, sink.Calls())
}

func TestRunNoSectionsDeliversEmptySnapshot(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{}}
	sink := &fakeSink{}

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, testOptions()).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	assert.True(t, snap.Empty())
	assert.Equal(t, 1, sink.Calls())
	assert.Equal(t, 1, session.Closes())
}

func TestRunCancelledBeforeSections(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Livros", pages: [][]string{cards("l", 2)}},
	}}}
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, testOptions()).
		Run(ctx, testProfile(false))
	require.NoError(t, err)

	assert.True(t, snap.Empty())
	assert.True(t, snap.Partial())
	assert.Equal(t, 1, sink.Calls())
	assert.Equal(t, 1, session.Closes())
}

func TestRunDuplicateHeadingLastWriteWins(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Ofertas", pages: [][]string{cards("first", 2)}},
		{heading: "Ofertas", pages: [][]string{cards("second", 1)}},
	}}}

	snap, err := newTestCrawler(&fakeLauncher{session: session}, nil, testOptions()).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	require.Len(t, snap.Items("Ofertas"), 1)
	assert.Equal(t, "https://shop.test/dp/second-0", snap.Items("Ofertas")[0].Link)
}

func TestRunSinkFailureSurfaces(t *testing.T) {
	session := &fakeSession{fakePage: &fakePage{sections: []*fakeSection{
		{heading: "Livros", pages: [][]string{cards("l", 1)}},
	}}}
	sinkErr := errors.New("database unavailable")
	sink := &fakeSink{err: sinkErr}

	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, testOptions()).
		Run(context.Background(), testProfile(false))

	assert.ErrorIs(t, err, sinkErr)
	require.NotNil(t, snap)
	assert.Equal(t, 1, sink.Calls())
}

func TestRunParallel(t *testing.T) {
	build := func() []*fakeSection {
		return []*fakeSection{
			{heading: "A", pages: [][]string{cards("a1", 2), cards("a2", 2)}},
			{heading: "B", pages: [][]string{cards("b", 1)}},
			{heading: "C", pages: [][]string{cards("c1", 1), cards("c2", 1), cards("c3", 1)}},
		}
	}
	session := &fakeSession{
		fakePage: &fakePage{sections: build()},
		newPage:  func() *fakePage { return &fakePage{sections: build()} },
	}
	sink := &fakeSink{}

	opts := testOptions()
	opts.Concurrency = 2
	snap, err := newTestCrawler(&fakeLauncher{session: session}, sink, opts).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, snap.Categories())
	assert.Len(t, snap.Items("A"), 4)
	assert.Len(t, snap.Items("B"), 1)
	assert.Len(t, snap.Items("C"), 3)
	assert.Equal(t, 1, sink.Calls())

	require.Len(t, session.extra, 3)
	for _, p := range session.extra {
		assert.Equal(t, 1, p.closes)
	}
}

func TestRunParallelWorkerPageFailure(t *testing.T) {
	session := &fakeSession{
		fakePage: &fakePage{sections: []*fakeSection{
			{heading: "A", pages: [][]string{cards("a", 1)}},
			{heading: "B", pages: [][]string{cards("b", 1)}},
		}},
		newPageErr: errors.New("too many tabs"),
	}

	opts := testOptions()
	opts.Concurrency = 2
	snap, err := newTestCrawler(&fakeLauncher{session: session}, &fakeSink{}, opts).
		Run(context.Background(), testProfile(false))
	require.NoError(t, err)

	assert.True(t, snap.Empty())
	assert.True(t, snap.Partial())
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&browser.LaunchError{Err: errors.New("x")}, "launch"},
		{&browser.NavigationTimeout{}, "navigation_timeout"},
		{&browser.NavigationError{Status: 503}, "navigation"},
		{&SectionAdvanceError{Err: errClick}, "section_advance"},
		{&ItemParseError{Field: "price"}, "item_parse"},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorLabel(tt.err))
	}
}
