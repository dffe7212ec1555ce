package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
)

const uniqueViolation = "23505"

// CatalogStore persists snapshots into Postgres.
type CatalogStore struct {
	db     *DB
	hook   SnapshotHook
	logger *slog.Logger
}

func NewCatalogStore(db *DB, hook SnapshotHook, logger *slog.Logger) *CatalogStore {
	return &CatalogStore{
		db:     db,
		hook:   hook,
		logger: logger.With("component", "catalog_store"),
	}
}

// Upsert writes every category and item of the snapshot in one transaction.
// Rows are keyed by (provider, link); a repeated link moves to the category
// written last.
func (s *CatalogStore) Upsert(ctx context.Context, snap *catalog.Snapshot) error {
	stats := UpsertStats{
		Provider: snap.ProviderID,
		RunID:    snap.RunID,
		Partial:  snap.Partial(),
	}
	seenAt := snap.FinishedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, name := range snap.Categories() {
			var categoryID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO categories (provider, name)
				VALUES ($1, $2)
				ON CONFLICT (provider, name) DO UPDATE SET updated_at = now()
				RETURNING id`,
				snap.ProviderID, name).Scan(&categoryID)
			if err != nil {
				return fmt.Errorf("failed to upsert category %q: %w", name, err)
			}
			stats.Categories++

			for _, item := range snap.Items(name) {
				inserted, err := s.upsertProduct(ctx, tx, snap, categoryID, item, seenAt)
				if err != nil {
					var conflict *PersistenceConflict
					if errors.As(err, &conflict) {
						stats.Conflicts++
						s.logger.Warn("skipping conflicting product",
							"provider", conflict.Provider,
							"link", conflict.Link,
							"error", conflict.Err)
						continue
					}
					return err
				}
				if inserted {
					stats.Inserted++
				} else {
					stats.Updated++
				}
			}
		}

		if s.hook != nil {
			if err := s.hook.OnSnapshotStored(ctx, tx, snap, stats); err != nil {
				return fmt.Errorf("snapshot hook failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("snapshot stored",
		"provider", stats.Provider,
		"run_id", stats.RunID,
		"categories", stats.Categories,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"conflicts", stats.Conflicts)
	return nil
}

// upsertProduct writes one row under a savepoint so a unique violation only
// discards that row.
func (s *CatalogStore) upsertProduct(ctx context.Context, tx pgx.Tx, snap *catalog.Snapshot, categoryID int64, item catalog.Item, seenAt time.Time) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open savepoint: %w", err)
	}

	var inserted bool
	err = sp.QueryRow(ctx, `
		INSERT INTO products (
			provider, category_id, rank, title, price_cents, old_price_cents,
			discount_label, link, image, run_id, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (provider, link) DO UPDATE SET
			category_id = EXCLUDED.category_id,
			rank = EXCLUDED.rank,
			title = EXCLUDED.title,
			price_cents = EXCLUDED.price_cents,
			old_price_cents = EXCLUDED.old_price_cents,
			discount_label = EXCLUDED.discount_label,
			image = EXCLUDED.image,
			run_id = EXCLUDED.run_id,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0)`,
		snap.ProviderID, categoryID, item.Rank, item.Title, int64(item.Price),
		nullableCents(item.OldPrice), nullableString(item.DiscountLabel),
		item.Link, item.Image, snap.RunID, seenAt,
	).Scan(&inserted)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, &PersistenceConflict{Provider: snap.ProviderID, Link: item.Link, Err: err}
		}
		return false, fmt.Errorf("failed to upsert product %s: %w", item.Link, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return inserted, nil
}

func (s *CatalogStore) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.provider, c.name, p.rank, p.title, p.price_cents,
			p.old_price_cents, p.discount_label, p.link, p.image, p.run_id,
			p.first_seen_at, p.last_seen_at
		FROM products p
		JOIN categories c ON c.id = p.category_id
		WHERE ($1 = '' OR p.provider = $1)
			AND ($2 = '' OR c.name = $2)
		ORDER BY p.provider, c.name, p.rank, p.id
		LIMIT $3 OFFSET $4`,
		filter.Provider, filter.Category, filter.limit(), filter.offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		var (
			p        Product
			price    int64
			oldPrice *int64
			discount *string
		)
		if err := rows.Scan(&p.ID, &p.Provider, &p.Category, &p.Rank, &p.Title, &price,
			&oldPrice, &discount, &p.Link, &p.Image, &p.RunID,
			&p.FirstSeenAt, &p.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Price = catalog.Cents(price)
		p.OldPrice = centsPtr(oldPrice)
		p.DiscountLabel = derefString(discount)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

func (s *CatalogStore) ListCategories(ctx context.Context, provider string) ([]Category, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.provider, c.name, COUNT(p.id), c.updated_at
		FROM categories c
		LEFT JOIN products p ON p.category_id = c.id
		WHERE ($1 = '' OR c.provider = $1)
		GROUP BY c.id, c.provider, c.name, c.updated_at
		ORDER BY c.provider, c.name`,
		provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	categories := []Category{}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Provider, &c.Name, &c.Products, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return categories, nil
}
