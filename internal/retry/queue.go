// Package retry persists failed work items so an interrupted run resumes
// exactly where it left off.
package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/metrics"
	"github.com/plusfeed/harvester/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS retry_entries (
	sku           TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	lastmod       TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	next_eligible INTEGER NOT NULL,
	last_error    TEXT NOT NULL,
	terminal      INTEGER NOT NULL DEFAULT 0
)`

// Queue is the durable retry queue. Every mutation is a committed write;
// a single-writer mutex serializes concurrent worker failures.
type Queue struct {
	mu     sync.Mutex
	db     *sql.DB
	policy pipeline.BackoffPolicy
	clock  pipeline.Clock
	logger *zap.Logger
}

// New prepares the schema and returns a Queue backed by db.
func New(db *sql.DB, policy pipeline.BackoffPolicy, clock pipeline.Clock, logger *zap.Logger) (*Queue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create retry schema: %w", err)
	}
	q := &Queue{db: db, policy: policy, clock: clock, logger: logger}
	q.publishDepth(context.Background())
	return q, nil
}

// Enqueue records a failure. A SKU already queued is updated in place
// (attempt count incremented, next-eligible time recomputed) — never
// duplicated. Once attempts pass the budget the entry turns terminal and
// stays enumerable for manual follow-up.
func (q *Queue) Enqueue(
	ctx context.Context,
	item pipeline.WorkItem,
	kind pipeline.ErrorKind,
	lastError string,
) (pipeline.RetryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempts := 1
	var prior int
	err := q.db.QueryRowContext(ctx,
		`SELECT attempts FROM retry_entries WHERE sku = ?`, item.SKU,
	).Scan(&prior)
	switch {
	case err == nil:
		attempts = prior + 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		return pipeline.RetryEntry{}, fmt.Errorf("read retry entry: %w", err)
	}

	entry := pipeline.RetryEntry{
		Item:      item,
		Kind:      kind,
		Attempts:  attempts,
		LastError: lastError,
	}
	if q.policy.Exhausted(attempts) {
		entry.Terminal = true
		entry.Kind = pipeline.KindExhausted
		entry.NextEligible = q.clock.Now()
		q.logger.Error("retry budget exhausted",
			zap.String("sku", item.SKU),
			zap.Int("attempts", attempts),
			zap.String("last_error", lastError),
		)
	} else {
		entry.NextEligible = q.clock.Now().Add(q.policy.Delay(attempts))
	}

	if err := q.write(ctx, entry); err != nil {
		return pipeline.RetryEntry{}, err
	}
	q.publishDepth(ctx)
	return entry, nil
}

// MarkTerminal records a failure that must never be replayed (structural
// errors). The entry is kept for operator inspection.
func (q *Queue) MarkTerminal(
	ctx context.Context,
	item pipeline.WorkItem,
	kind pipeline.ErrorKind,
	lastError string,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := pipeline.RetryEntry{
		Item:         item,
		Kind:         kind,
		Attempts:     1,
		NextEligible: q.clock.Now(),
		LastError:    lastError,
		Terminal:     true,
	}
	if err := q.write(ctx, entry); err != nil {
		return err
	}
	q.publishDepth(ctx)
	return nil
}

// Due returns non-terminal entries whose next-eligible time has passed,
// soonest first.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]pipeline.RetryEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT sku, url, lastmod, kind, attempts, next_eligible, last_error, terminal
FROM retry_entries
WHERE terminal = 0 AND next_eligible <= ?
ORDER BY next_eligible`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Remove deletes the live entry for sku, typically after a success.
func (q *Queue) Remove(ctx context.Context, sku string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, `DELETE FROM retry_entries WHERE sku = ?`, sku); err != nil {
		return fmt.Errorf("remove retry entry: %w", err)
	}
	q.publishDepth(ctx)
	return nil
}

// Terminal enumerates permanently failed items for manual follow-up.
func (q *Queue) Terminal(ctx context.Context) ([]pipeline.RetryEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT sku, url, lastmod, kind, attempts, next_eligible, last_error, terminal
FROM retry_entries
WHERE terminal = 1
ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("query terminal entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Depth counts entries still pending retry.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_entries WHERE terminal = 0`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retry entries: %w", err)
	}
	return n, nil
}

// NextEligible reports the soonest pending retry time, if any.
func (q *Queue) NextEligible(ctx context.Context) (time.Time, bool, error) {
	var ns sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MIN(next_eligible) FROM retry_entries WHERE terminal = 0`,
	).Scan(&ns)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query next eligible: %w", err)
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

func (q *Queue) write(ctx context.Context, entry pipeline.RetryEntry) error {
	terminal := 0
	if entry.Terminal {
		terminal = 1
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO retry_entries (sku, url, lastmod, kind, attempts, next_eligible, last_error, terminal)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sku) DO UPDATE SET
	url = excluded.url,
	kind = excluded.kind,
	attempts = excluded.attempts,
	next_eligible = excluded.next_eligible,
	last_error = excluded.last_error,
	terminal = excluded.terminal`,
		entry.Item.SKU,
		entry.Item.URL,
		entry.Item.LastMod,
		string(entry.Kind),
		entry.Attempts,
		entry.NextEligible.UnixNano(),
		entry.LastError,
		terminal,
	)
	if err != nil {
		return fmt.Errorf("write retry entry: %w", err)
	}
	return nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if depth, err := q.Depth(ctx); err == nil {
		metrics.SetRetryQueueDepth(depth)
	}
}

func scanEntries(rows *sql.Rows) ([]pipeline.RetryEntry, error) {
	var entries []pipeline.RetryEntry
	for rows.Next() {
		var (
			entry    pipeline.RetryEntry
			kind     string
			eligible int64
			terminal int
		)
		if err := rows.Scan(
			&entry.Item.SKU,
			&entry.Item.URL,
			&entry.Item.LastMod,
			&kind,
			&entry.Attempts,
			&eligible,
			&entry.LastError,
			&terminal,
		); err != nil {
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		entry.Kind = pipeline.ErrorKind(kind)
		entry.NextEligible = time.Unix(0, eligible).UTC()
		entry.Terminal = terminal == 1
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry entries: %w", err)
	}
	return entries, nil
}
