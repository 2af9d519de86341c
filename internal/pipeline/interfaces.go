package pipeline

import (
	"context"
	"time"
)

// Session owns the shared authentication material read by concurrent fetches.
type Session interface {
	Current() (SessionState, error)
	Refresh(state SessionState)
	MarkSuspect()
}

// ProxySelector supplies an outbound egress per attempt and consumes
// outcome reports to drive endpoint health.
type ProxySelector interface {
	Acquire() ProxyEndpoint
	Report(endpoint ProxyEndpoint, outcome ProxyOutcome)
}

// Fetcher fetches one product and returns the parsed record.
type Fetcher interface {
	Fetch(ctx context.Context, item WorkItem) (ProductRecord, error)
}

// Frontier produces the deduplicated work list derived from the sitemap.
type Frontier interface {
	Load(ctx context.Context) ([]WorkItem, error)
}

// RetryQueue is the durable record of failed work items.
type RetryQueue interface {
	Enqueue(ctx context.Context, item WorkItem, kind ErrorKind, lastError string) (RetryEntry, error)
	MarkTerminal(ctx context.Context, item WorkItem, kind ErrorKind, lastError string) error
	Due(ctx context.Context, now time.Time) ([]RetryEntry, error)
	Remove(ctx context.Context, sku string) error
	Terminal(ctx context.Context) ([]RetryEntry, error)
	Depth(ctx context.Context) (int, error)
	NextEligible(ctx context.Context) (time.Time, bool, error)
}

// Store persists one record per SKU with idempotent upsert semantics.
// All is the query surface the analytics collaborator consumes.
type Store interface {
	Upsert(ctx context.Context, record ProductRecord) error
	Get(ctx context.Context, sku string) (ProductRecord, bool, error)
	Exists(ctx context.Context, sku string) (bool, error)
	All(ctx context.Context) ([]ProductRecord, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
