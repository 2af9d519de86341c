package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// PostgresConfig controls the connection pool for the shared product store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres persists product records in a shared Postgres database so
// multiple harvester instances can feed the same catalog.
type Postgres struct {
	pool pgPool
}

// NewPostgres connects a pool using cfg and prepares the products table.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if _, err := pool.Exec(ctx, `
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
	nutrients          JSONB NOT NULL DEFAULT '[]',
	extracted_at       TIMESTAMPTZ NOT NULL
)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create products table: %w", err)
	}
	return s, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(pool pgPool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Upsert writes record, replacing any existing row for the same SKU.
func (s *Postgres) Upsert(ctx context.Context, record pipeline.ProductRecord) error {
	if record.SKU == "" {
		return errors.New("record sku is required")
	}
	nutrients, err := json.Marshal(record.Nutrients)
	if err != nil {
		return fmt.Errorf("marshal nutrients: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO products (sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (sku) DO UPDATE SET
	name = EXCLUDED.name,
	brand = EXCLUDED.brand,
	price = EXCLUDED.price,
	base_unit_price = EXCLUDED.base_unit_price,
	image_url = EXCLUDED.image_url,
	ingredients = EXCLUDED.ingredients,
	allergens = EXCLUDED.allergens,
	alcohol_percentage = EXCLUDED.alcohol_percentage,
	composition = EXCLUDED.composition,
	nutrients = EXCLUDED.nutrients,
	extracted_at = EXCLUDED.extracted_at`,
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
		nutrients,
		record.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", record.SKU, err)
	}
	return nil
}

// Get returns the record for sku, reporting whether it exists.
func (s *Postgres) Get(ctx context.Context, sku string) (pipeline.ProductRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at
FROM products WHERE sku = $1`, sku)

	record, err := scanPGProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ProductRecord{}, false, nil
	}
	if err != nil {
		return pipeline.ProductRecord{}, false, err
	}
	return record, true, nil
}

// Exists reports whether sku has already been harvested.
func (s *Postgres) Exists(ctx context.Context, sku string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM products WHERE sku = $1`, sku,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check product %s: %w", sku, err)
	}
	return n > 0, nil
}

// All returns every stored record ordered by SKU.
func (s *Postgres) All(ctx context.Context) ([]pipeline.ProductRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT sku, name, brand, price, base_unit_price, image_url,
	ingredients, allergens, alcohol_percentage, composition, nutrients, extracted_at
FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var records []pipeline.ProductRecord
	for rows.Next() {
		record, err := scanPGProduct(rows)
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

// Close releases the underlying pool resources.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanPGProduct(row pgx.Row) (pipeline.ProductRecord, error) {
	var (
		record    pipeline.ProductRecord
		nutrients []byte
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
		&record.ExtractedAt,
	)
	if err != nil {
		return pipeline.ProductRecord{}, err
	}
	if len(nutrients) > 0 {
		if err := json.Unmarshal(nutrients, &record.Nutrients); err != nil {
			return pipeline.ProductRecord{}, fmt.Errorf("unmarshal nutrients for %s: %w", record.SKU, err)
		}
	}
	return record, nil
}
