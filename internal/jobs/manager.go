package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/crawler"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

const DefaultHistory = 100

var (
	// ErrAlreadyRunning is returned when the provider already has an active run.
	ErrAlreadyRunning = errors.New("crawl already running for provider")
	ErrNotFound       = errors.New("run not found")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Runner executes one crawl. *crawler.Crawler satisfies it.
type Runner interface {
	Run(ctx context.Context, p profile.Profile) (*catalog.Snapshot, error)
}

// Profiles resolves provider IDs. *profile.Registry satisfies it.
type Profiles interface {
	Get(id string) (profile.Profile, error)
}

// Run is one crawl attempt as seen by the API.
type Run struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	Trigger     string     `json:"trigger"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Categories  int        `json:"categories"`
	Items       int        `json:"items"`
	Error       string     `json:"error,omitempty"`
}

type Config struct {
	// Providers are crawled by the scheduler on every tick.
	Providers []string
	Interval  time.Duration
	Location  *time.Location
	// History is the number of finished runs kept in memory.
	History int
}

// Manager starts crawls on demand or on a cadence and keeps a bounded
// in-memory history. At most one run per provider is active at a time.
type Manager struct {
	runner   Runner
	profiles Profiles
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*Run
	order  []string
	active map[string]string
}

func NewManager(runner Runner, profiles Profiles, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:   runner,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.With("component", "job_manager"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*Run),
		active:   make(map[string]string),
	}
}

// Trigger starts a crawl for provider in the background and returns the new
// run. If the provider is already being crawled the active run is returned
// together with ErrAlreadyRunning.
func (m *Manager) Trigger(ctx context.Context, provider string) (*Run, error) {
	return m.trigger(ctx, provider, TriggerManual)
}

func (m *Manager) trigger(ctx context.Context, provider, trigger string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := m.profiles.Get(provider)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if id, ok := m.active[provider]; ok {
		run := *m.runs[id]
		m.mu.Unlock()
		return &run, fmt.Errorf("%w: %s", ErrAlreadyRunning, provider)
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("job manager is shut down")
	}

	run := &Run{
		ID:        uuid.New().String(),
		Provider:  provider,
		Trigger:   trigger,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}
	m.runs[run.ID] = run
	m.order = append(m.order, run.ID)
	m.active[provider] = run.ID
	m.prune()
	snapshot := *run
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("crawl triggered", "run_id", run.ID, "provider", provider, "trigger", trigger)

	go m.execute(run.ID, p)
	return &snapshot, nil
}

func (m *Manager) execute(id string, p profile.Profile) {
	defer m.wg.Done()

	m.update(id, func(r *Run) {
		started := m.now()
		r.Status = StatusRunning
		r.StartedAt = &started
	})

	snap, err := m.runner.Run(crawler.WithRunID(m.ctx, id), p)

	m.update(id, func(r *Run) {
		completed := m.now()
		r.CompletedAt = &completed
		if snap != nil {
			r.Categories = len(snap.Categories())
			r.Items = snap.ItemCount()
		}
		switch {
		case err != nil:
			r.Status = StatusFailed
			r.Error = err.Error()
		case snap != nil && snap.Partial():
			r.Status = StatusPartial
		default:
			r.Status = StatusCompleted
		}
	})

	m.mu.Lock()
	delete(m.active, p.ID)
	run := *m.runs[id]
	m.mu.Unlock()

	logger := m.logger.With("run_id", id, "provider", p.ID, "status", run.Status)
	if err != nil {
		logger.Error("crawl failed", "error", err)
		return
	}
	logger.Info("crawl finished", "categories", run.Categories, "items", run.Items)
}

func (m *Manager) update(id string, fn func(*Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		fn(r)
	}
}

// prune drops the oldest finished runs beyond the history size. Callers hold mu.
func (m *Manager) prune() {
	excess := len(m.order) - m.cfg.History
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		r := m.runs[id]
		if excess > 0 && r.Status != StatusPending && r.Status != StatusRunning {
			delete(m.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) Get(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run := *r
	return &run, nil
}

// List returns up to limit runs, newest first. A non-positive limit returns
// the whole history.
func (m *Manager) List(limit int) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	runs := make([]*Run, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(runs) < limit; i-- {
		run := *m.runs[m.order[i]]
		runs = append(runs, &run)
	}
	return runs
}

// StartScheduler triggers every configured provider at each tick of the
// cadence until ctx is done. It blocks.
func (m *Manager) StartScheduler(ctx context.Context) {
	m.logger.Info("scheduler started",
		"providers", m.cfg.Providers,
		"interval", m.cfg.Interval,
		"timezone", m.cfg.Location.String())

	for {
		next := NextRun(m.now(), m.cfg.Interval, m.cfg.Location)
		m.logger.Debug("next scheduled crawl", "at", next)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("scheduler stopped")
			return
		case <-timer.C:
		}

		for _, provider := range m.cfg.Providers {
			if _, err := m.trigger(ctx, provider, TriggerSchedule); err != nil {
				m.logger.Warn("scheduled crawl not started", "provider", provider, "error", err)
			}
		}
	}
}

// Shutdown cancels active runs and waits for them to deliver.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active runs: %w", ctx.Err())
	}
}

// NextRun returns the first tick strictly after now. Intervals that divide a
// day are aligned to midnight in loc; others are relative to now.
func NextRun(now time.Time, interval time.Duration, loc *time.Location) time.Time {
	const day = 24 * time.Hour
	if interval <= 0 {
		interval = day
	}
	if loc == nil {
		loc = time.UTC
	}
	if day%interval != 0 {
		return now.Add(interval)
	}

	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if interval == day {
		return midnight.AddDate(0, 0, 1)
	}
	ticks := local.Sub(midnight)/interval + 1
	next := midnight.Add(ticks * interval)
	if tomorrow := midnight.AddDate(0, 0, 1); next.After(tomorrow) {
		return tomorrow
	}
	return next
}
