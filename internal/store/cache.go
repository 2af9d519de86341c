package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// Cached wraps a Store with an in-memory LRU so repeated reads of hot SKUs
// (skip checks during discovery, analytics lookups) avoid the database.
// Writes go through to the backing store and refresh the cache.
type Cached struct {
	inner pipeline.Store
	cache *lru.Cache[string, pipeline.ProductRecord]
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner pipeline.Store, size int) (*Cached, error) {
	cache, err := lru.New[string, pipeline.ProductRecord](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Upsert writes through to the backing store and caches the record.
func (c *Cached) Upsert(ctx context.Context, record pipeline.ProductRecord) error {
	if err := c.inner.Upsert(ctx, record); err != nil {
		return err
	}
	c.cache.Add(record.SKU, record)
	return nil
}

// Get serves from the cache when possible, filling it on a miss.
func (c *Cached) Get(ctx context.Context, sku string) (pipeline.ProductRecord, bool, error) {
	if record, ok := c.cache.Get(sku); ok {
		return record, true, nil
	}
	record, ok, err := c.inner.Get(ctx, sku)
	if err != nil || !ok {
		return pipeline.ProductRecord{}, ok, err
	}
	c.cache.Add(sku, record)
	return record, true, nil
}

// Exists answers from the cache when the record is resident.
func (c *Cached) Exists(ctx context.Context, sku string) (bool, error) {
	if c.cache.Contains(sku) {
		return true, nil
	}
	return c.inner.Exists(ctx, sku)
}

// All always reads the backing store; listings must see every row.
func (c *Cached) All(ctx context.Context) ([]pipeline.ProductRecord, error) {
	return c.inner.All(ctx)
}

// Close closes the backing store.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
