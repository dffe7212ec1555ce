package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
)

// SQLiteStore keeps the catalog in a local SQLite file. It has no outbox.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "sqlite_store"),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, snap *catalog.Snapshot) (err error) {
	stats := UpsertStats{
		Provider: snap.ProviderID,
		RunID:    snap.RunID,
		Partial:  snap.Partial(),
	}
	seenAt := snap.FinishedAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	seenAt = seenAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, name := range snap.Categories() {
		var categoryID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO categories (provider, name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (provider, name) DO UPDATE SET updated_at = excluded.updated_at
			RETURNING id`,
			snap.ProviderID, name, seenAt).Scan(&categoryID)
		if err != nil {
			return fmt.Errorf("failed to upsert category %q: %w", name, err)
		}
		stats.Categories++

		for _, item := range snap.Items(name) {
			inserted, itemErr := s.upsertProduct(ctx, tx, snap, categoryID, item, seenAt)
			if itemErr != nil {
				var conflict *PersistenceConflict
				if errors.As(itemErr, &conflict) {
					stats.Conflicts++
					s.logger.Warn("skipping conflicting product",
						"provider", conflict.Provider,
						"link", conflict.Link,
						"error", conflict.Err)
					continue
				}
				err = itemErr
				return err
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
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

func (s *SQLiteStore) upsertProduct(ctx context.Context, tx *sql.Tx, snap *catalog.Snapshot, categoryID int64, item catalog.Item, seenAt time.Time) (bool, error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT product"); err != nil {
		return false, fmt.Errorf("failed to open savepoint: %w", err)
	}

	var existing int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM products WHERE provider = ? AND link = ?",
		snap.ProviderID, item.Link).Scan(&existing)
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO products (
				provider, category_id, rank, title, price_cents, old_price_cents,
				discount_label, link, image, run_id, first_seen_at, last_seen_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (provider, link) DO UPDATE SET
				category_id = excluded.category_id,
				rank = excluded.rank,
				title = excluded.title,
				price_cents = excluded.price_cents,
				old_price_cents = excluded.old_price_cents,
				discount_label = excluded.discount_label,
				image = excluded.image,
				run_id = excluded.run_id,
				last_seen_at = excluded.last_seen_at`,
			snap.ProviderID, categoryID, item.Rank, item.Title, int64(item.Price),
			nullableCents(item.OldPrice), nullableString(item.DiscountLabel),
			item.Link, item.Image, snap.RunID, seenAt, seenAt)
	}
	if err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO product")
		_, _ = tx.ExecContext(ctx, "RELEASE product")
		if isSQLiteUnique(err) {
			return false, &PersistenceConflict{Provider: snap.ProviderID, Link: item.Link, Err: err}
		}
		return false, fmt.Errorf("failed to upsert product %s: %w", item.Link, err)
	}

	if _, err := tx.ExecContext(ctx, "RELEASE product"); err != nil {
		return false, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return existing == 0, nil
}

func isSQLiteUnique(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *SQLiteStore) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.provider, c.name, p.rank, p.title, p.price_cents,
			p.old_price_cents, p.discount_label, p.link, p.image, p.run_id,
			p.first_seen_at, p.last_seen_at
		FROM products p
		JOIN categories c ON c.id = p.category_id
		WHERE (? = '' OR p.provider = ?)
			AND (? = '' OR c.name = ?)
		ORDER BY p.provider, c.name, p.rank, p.id
		LIMIT ? OFFSET ?`,
		filter.Provider, filter.Provider, filter.Category, filter.Category,
		filter.limit(), filter.offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		var (
			p        Product
			price    int64
			oldPrice sql.NullInt64
			discount sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Provider, &p.Category, &p.Rank, &p.Title, &price,
			&oldPrice, &discount, &p.Link, &p.Image, &p.RunID,
			&p.FirstSeenAt, &p.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Price = catalog.Cents(price)
		if oldPrice.Valid {
			p.OldPrice = centsPtr(&oldPrice.Int64)
		}
		p.DiscountLabel = discount.String
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context, provider string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.provider, c.name, COUNT(p.id), c.updated_at
		FROM categories c
		LEFT JOIN products p ON p.category_id = c.id
		WHERE (? = '' OR c.provider = ?)
		GROUP BY c.id, c.provider, c.name, c.updated_at
		ORDER BY c.provider, c.name`,
		provider, provider)
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
