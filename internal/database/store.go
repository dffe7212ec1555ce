package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// PersistenceConflict is a unique violation on a single product row. It is
// logged and skipped, never returned from Upsert.
type PersistenceConflict struct {
	Provider string
	Link     string
	Err      error
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("persistence conflict for %s product %s: %v", e.Provider, e.Link, e.Err)
}

func (e *PersistenceConflict) Unwrap() error {
	return e.Err
}

// UpsertStats summarizes one stored snapshot.
type UpsertStats struct {
	Provider   string `json:"provider"`
	RunID      string `json:"run_id"`
	Categories int    `json:"categories"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Conflicts  int    `json:"conflicts"`
	Partial    bool   `json:"partial"`
}

// SnapshotHook runs inside the upsert transaction after every row is written.
type SnapshotHook interface {
	OnSnapshotStored(ctx context.Context, tx pgx.Tx, snap *catalog.Snapshot, stats UpsertStats) error
}

type Product struct {
	ID            int64          `json:"id"`
	Provider      string         `json:"provider"`
	Category      string         `json:"category"`
	Rank          int            `json:"rank"`
	Title         string         `json:"title"`
	Price         catalog.Cents  `json:"price"`
	OldPrice      *catalog.Cents `json:"old_price,omitempty"`
	DiscountLabel string         `json:"discount_label,omitempty"`
	Link          string         `json:"link"`
	Image         string         `json:"image"`
	RunID         string         `json:"run_id"`
	FirstSeenAt   time.Time      `json:"first_seen_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
}

type Category struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	Products  int       `json:"products"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProductFilter struct {
	Provider string
	Category string
	Limit    int
	Offset   int
}

func (f ProductFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f ProductFilter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// Store is the persistence contract shared by the Postgres and SQLite stores.
type Store interface {
	Upsert(ctx context.Context, snap *catalog.Snapshot) error
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	ListCategories(ctx context.Context, provider string) ([]Category, error)
}

func nullableCents(c *catalog.Cents) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func centsPtr(v *int64) *catalog.Cents {
	if v == nil {
		return nil
	}
	c := catalog.Cents(*v)
	return &c
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
