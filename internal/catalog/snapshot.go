package catalog

import (
	"encoding/json"
	"sync"
	"time"
)

// Snapshot is the category -> items result of one crawl run for one provider.
// It is safe for concurrent Put calls from extraction workers.
type Snapshot struct {
	ProviderID string
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	mu         sync.Mutex
	categories map[string][]Item
	order      []string
	partial    bool
}

// NewSnapshot creates an empty snapshot for providerID.
func NewSnapshot(providerID, runID string, startedAt time.Time) *Snapshot {
	return &Snapshot{
		ProviderID: providerID,
		RunID:      runID,
		StartedAt:  startedAt,
		categories: make(map[string][]Item),
	}
}

// Put stores items under category. A category seen earlier in the same run
// is overwritten; it keeps its original position in Categories.
func (s *Snapshot) Put(category string, items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[category]; !exists {
		s.order = append(s.order, category)
	}
	copied := make([]Item, len(items))
	copy(copied, items)
	s.categories[category] = copied
}

// MarkPartial flags the snapshot as incomplete (deadline hit or a section failed).
func (s *Snapshot) MarkPartial() {
	s.mu.Lock()
	s.partial = true
	s.mu.Unlock()
}

// Partial reports whether MarkPartial was called.
func (s *Snapshot) Partial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// Categories returns category names in first-insertion order.
func (s *Snapshot) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Items returns a copy of the items stored under category.
func (s *Snapshot) Items(category string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.categories[category]
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// ItemCount is the total number of items across categories.
func (s *Snapshot) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, items := range s.categories {
		n += len(items)
	}
	return n
}

// Empty reports whether no category was stored.
func (s *Snapshot) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) == 0
}

type categoryJSON struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

type snapshotJSON struct {
	ProviderID string         `json:"provider"`
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Partial    bool           `json:"partial"`
	Categories []categoryJSON `json:"categories"`
}

// MarshalJSON writes categories as an ordered list.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := snapshotJSON{
		ProviderID: s.ProviderID,
		RunID:      s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Partial:    s.partial,
		Categories: make([]categoryJSON, 0, len(s.order)),
	}
	for _, name := range s.order {
		out.Categories = append(out.Categories, categoryJSON{Name: name, Items: s.categories[name]})
	}
	return json.Marshal(out)
}
