package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for crawl runs.
type Metrics struct {
	Registry        *prometheus.Registry
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	SectionsTotal   *prometheus.CounterVec
	AdvancesTotal   *prometheus.CounterVec
	ItemsExtracted  *prometheus.CounterVec
	ItemsNormalized *prometheus.CounterVec
	ItemsDropped    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_runs_total",
			Help: "Crawl runs by provider and outcome.",
		},
		[]string{"provider", "status"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time of crawl runs.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"provider"},
	)
	sections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_sections_total",
			Help: "Sections extracted.",
		},
		[]string{"provider"},
	)
	advances := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_page_advances_total",
			Help: "Carousel page advances performed.",
		},
		[]string{"provider"},
	)
	extracted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_extracted_total",
			Help: "Raw items collected after deduplication.",
		},
		[]string{"provider"},
	)
	normalized := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_normalized_total",
			Help: "Items that passed normalization.",
		},
		[]string{"provider"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_dropped_total",
			Help: "Items dropped by reason.",
		},
		[]string{"provider", "reason"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Crawl errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	registry.MustRegister(runs, duration, sections, advances, extracted, normalized, dropped, errorsTotal)

	return &Metrics{
		Registry:        registry,
		RunsTotal:       runs,
		RunDuration:     duration,
		SectionsTotal:   sections,
		AdvancesTotal:   advances,
		ItemsExtracted:  extracted,
		ItemsNormalized: normalized,
		ItemsDropped:    dropped,
		ErrorsTotal:     errorsTotal,
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(provider, status).Inc()
	m.RunDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveSection records one extracted section.
func (m *Metrics) ObserveSection(provider string, res ExtractResult, normalized int) {
	if m == nil {
		return
	}
	m.SectionsTotal.WithLabelValues(provider).Inc()
	m.AdvancesTotal.WithLabelValues(provider).Add(float64(res.Advances))
	m.ItemsExtracted.WithLabelValues(provider).Add(float64(len(res.Items)))
	m.ItemsNormalized.WithLabelValues(provider).Add(float64(normalized))
	if res.Incomplete > 0 {
		m.ItemsDropped.WithLabelValues(provider, "incomplete").Add(float64(res.Incomplete))
	}
	if res.Duplicates > 0 {
		m.ItemsDropped.WithLabelValues(provider, "duplicate").Add(float64(res.Duplicates))
	}
}

// IncDropped counts an item rejected by the normalizer.
func (m *Metrics) IncDropped(provider, reason string) {
	if m == nil {
		return
	}
	m.ItemsDropped.WithLabelValues(provider, reason).Inc()
}

// IncError counts an error by its label.
func (m *Metrics) IncError(provider string, err error) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(provider, ErrorLabel(err)).Inc()
}
