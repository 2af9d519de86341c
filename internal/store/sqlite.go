// Package store persists harvested product records keyed by SKU.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plusfeed/harvester/internal/pipeline"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	sku                TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	brand              TEXT NOT NULL DEFAULT '',
	price              TEXT NOT NULL DEFAULT '',
	base_unit_price    TEXT NOT NULL DEFAULT '',
	image_url          TEXT NOT NULL DEFAULT '',
	ingredients        TEXT NOT NULL DEFAULT '',
	allergens          TEXT NOT NULL DEFAULT '',
	alcohol_percentage TEXT NOT NULL DEFAULT '',
	composition        TEXT NOT NULL DEFAULT '',
	nutrients          TEXT NOT NULL DEFAULT '[]',
	extracted_at       INTEGER NOT NULL
)`

// OpenDB opens (and creates if needed) a SQLite database at path. WAL
// mode and a busy timeout are set per connection so readers on one pooled
// connection do not fail with SQLITE_BUSY while a writer holds another.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLite is the file-backed document store. Writes are serialized through
// a mutex; the driver allows one writer at a time anyway.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLite prepares the products schema on db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create products schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Upsert writes record, replacing any existing row for the same SKU. The
// newest payload always wins; re-running a harvest never duplicates rows.
func (s *SQLite) Upsert(ctx context.Context, record pipeline.ProductRecord) error {
	if record.SKU == "" {
		return errors.New("record sku is required")
	}
	nutrients, err := json.Marshal(record.Nutrients)
	if err != nil {
		return fmt.Errorf("marshal nutrients: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO products (sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sku) DO UPDATE SET
	name = excluded.name,
	brand = excluded.brand,
	price = excluded.price,
	base_unit_price = excluded.base_unit_price,
	image_url = excluded.image_url,
	ingredients = excluded.ingredients,
	allergens = excluded.allergens,
	alcohol_percentage = excluded.alcohol_percentage,
	composition = excluded.composition,
	nutrients = excluded.nutrients,
	extracted_at = excluded.extracted_at`,
		record.SKU,
		record.Name,
		record.Brand,
		record.Price,
		record.BaseUnitPrice,
		record.ImageURL,
		record.Ingredients,
		record.Allergens,
		record.AlcoholPercentage,
		record.Composition,
		string(nutrients),
		record.ExtractedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", record.SKU, err)
	}
	return nil
}

// Get returns the record for sku, reporting whether it exists.
func (s *SQLite) Get(ctx context.Context, sku string) (pipeline.ProductRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at
FROM products WHERE sku = ?`, sku)

	record, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.ProductRecord{}, false, nil
	}
	if err != nil {
		return pipeline.ProductRecord{}, false, err
	}
	return record, true, nil
}

// Exists reports whether sku has already been harvested.
func (s *SQLite) Exists(ctx context.Context, sku string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE sku = ?`, sku,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check product %s: %w", sku, err)
	}
	return n > 0, nil
}

// All returns every stored record ordered by SKU.
func (s *SQLite) All(ctx context.Context) ([]pipeline.ProductRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at
FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var records []pipeline.ProductRecord
	for rows.Next() {
		record, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return records, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (pipeline.ProductRecord, error) {
	var (
		record    pipeline.ProductRecord
		nutrients string
		extracted int64
	)
	err := row.Scan(
		&record.SKU,
		&record.Name,
		&record.Brand,
		&record.Price,
		&record.BaseUnitPrice,
		&record.ImageURL,
		&record.Ingredients,
		&record.Allergens,
		&record.AlcoholPercentage,
		&record.Composition,
		&nutrients,
		&extracted,
	)
	if err != nil {
		return pipeline.ProductRecord{}, err
	}
	if nutrients != "" {
		if err := json.Unmarshal([]byte(nutrients), &record.Nutrients); err != nil {
			return pipeline.ProductRecord{}, fmt.Errorf("unmarshal nutrients for %s: %w", record.SKU, err)
		}
	}
	record.ExtractedAt = time.Unix(0, extracted).UTC()
	return record, nil
}
