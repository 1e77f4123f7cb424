// Package sqlite provides a file-backed product repository for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const pragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"

// ProductStore upserts products as JSON documents keyed by product_key.
type ProductStore struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database at path and ensures the table exists.
func Open(ctx context.Context, path, table string) (*ProductStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + pragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL contention out of the upsert path.
	db.SetMaxOpenConns(1)
	s := &ProductStore{db: db, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ProductStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	product_key TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	document    TEXT NOT NULL,
	updated_at  TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Close releases the database handle.
func (s *ProductStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Upsert writes every product in one transaction.
func (s *ProductStore) Upsert(ctx context.Context, items []*product.Product) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (product_key, name, url, document, updated_at)
VALUES (?, ?, ?, ?, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
ON CONFLICT (product_key) DO UPDATE
SET name = excluded.name,
	url = excluded.url,
	document = excluded.document,
	updated_at = excluded.updated_at`, s.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	written := 0
	for _, p := range items {
		doc, err := json.Marshal(p)
		if err == nil {
			_, err = tx.ExecContext(ctx, query, p.Key(), p.Name, p.URL, string(doc))
		}
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("upsert product %q: %w", p.Name, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return written, nil
}

// Get loads the stored document for key.
func (s *ProductStore) Get(ctx context.Context, key string) (*product.Product, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE product_key = ?`, s.table)
	var doc string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return product.Unmarshal([]byte(doc))
}

// Count returns the number of stored products.
func (s *ProductStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}
