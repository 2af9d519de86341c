package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/clock/system"
	"github.com/plusfeed/harvester/internal/pipeline"
	"github.com/plusfeed/harvester/internal/retry"
	"github.com/plusfeed/harvester/internal/store"
)

type staticFrontier struct {
	items []pipeline.WorkItem
}

func (f *staticFrontier) Load(context.Context) ([]pipeline.WorkItem, error) {
	return f.items, nil
}

// scriptedFetcher fails each SKU the scripted number of times with the
// scripted error, then succeeds.
type scriptedFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	errFor   map[string]error
	calls    map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		failures: make(map[string]int),
		errFor:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *scriptedFetcher) failTimes(sku string, n int, err error) {
	f.failures[sku] = n
	f.errFor[sku] = err
}

func (f *scriptedFetcher) Fetch(_ context.Context, item pipeline.WorkItem) (pipeline.ProductRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[item.SKU]++
	if f.failures[item.SKU] > 0 {
		f.failures[item.SKU]--
		return pipeline.ProductRecord{}, f.errFor[item.SKU]
	}
	return pipeline.ProductRecord{
		SKU:         item.SKU,
		Name:        "product " + item.SKU,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

func (f *scriptedFetcher) callCount(sku string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sku]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type harness struct {
	store   *store.SQLite
	queue   *retry.Queue
	fetcher *scriptedFetcher
}

func newHarness(t *testing.T, policy pipeline.BackoffPolicy) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := system.New()

	db, err := store.OpenDB(filepath.Join(dir, "products.db"))
	require.NoError(t, err)
	s, err := store.NewSQLite(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qdb, err := store.OpenDB(filepath.Join(dir, "retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = qdb.Close() })
	q, err := retry.New(qdb, policy, clock, zap.NewNop())
	require.NoError(t, err)

	return &harness{store: s, queue: q, fetcher: newScriptedFetcher()}
}

func (h *harness) orchestrator(cfg Config, items ...pipeline.WorkItem) *Orchestrator {
	return New(cfg,
		&staticFrontier{items: items},
		h.fetcher,
		h.queue,
		h.store,
		system.New(),
		zap.NewNop(),
	)
}

func fastPolicy() pipeline.BackoffPolicy {
	return pipeline.BackoffPolicy{
		Base:        10 * time.Millisecond,
		Max:         time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	h.fetcher.failTimes("200", 2, pipeline.NewFetchError(pipeline.KindTransport, "200", errors.New("status 502")))

	o := h.orchestrator(Config{Concurrency: 2, MaxDrainWait: time.Second},
		pipeline.NewWorkItem("100", "", ""),
		pipeline.NewWorkItem("200", "", ""),
		pipeline.NewWorkItem("300", "", ""),
	)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())
	require.Equal(t, 3, stats.Succeeded)
	require.Equal(t, 2, stats.Retried)
	require.Zero(t, stats.PendingRetry)
	require.Equal(t, 3, h.fetcher.callCount("200"))

	ctx := context.Background()
	all, err := h.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "successful retry must clear its queue entry")
}

func TestRunSkipsExistingProducts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, pipeline.ProductRecord{
		SKU: "100", Name: "already stored", ExtractedAt: time.Now().UTC(),
	}))

	o := h.orchestrator(Config{},
		pipeline.NewWorkItem("100", "", ""),
		pipeline.NewWorkItem("200", "", ""),
	)

	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 1, stats.Succeeded)
	require.Zero(t, h.fetcher.callCount("100"))
}

func TestRunForceRefreshRefetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, pipeline.ProductRecord{
		SKU: "100", Name: "stale", ExtractedAt: time.Now().UTC(),
	}))

	o := h.orchestrator(Config{ForceRefresh: true}, pipeline.NewWorkItem("100", "", ""))

	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)
	require.Zero(t, stats.Skipped)
	require.Equal(t, 1, h.fetcher.callCount("100"))

	got, ok, err := h.store.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "product 100", got.Name)
}

func TestRunHaltsOnSessionExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	h.fetcher.failTimes("100", 1, pipeline.ErrSessionExpired)

	o := h.orchestrator(Config{Concurrency: 1, BatchSize: 1},
		pipeline.NewWorkItem("100", "", ""),
		pipeline.NewWorkItem("200", "", ""),
		pipeline.NewWorkItem("300", "", ""),
	)

	ctx := context.Background()
	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateHalted, o.State())
	require.Zero(t, stats.Succeeded)
	require.Equal(t, 1, h.fetcher.totalCalls(), "no new work after the halt")

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth, "expired session must not enqueue retries")
}

func TestRunMarksStructuralFailuresTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	h.fetcher.failTimes("100", 5,
		pipeline.NewFetchError(pipeline.KindStructural, "100", errors.New("missing data envelope")))

	o := h.orchestrator(Config{}, pipeline.NewWorkItem("100", "", ""))

	ctx := context.Background()
	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())
	require.Equal(t, 1, stats.Terminal)
	require.Equal(t, 1, h.fetcher.callCount("100"), "structural failures are never replayed")

	terminal, err := h.queue.Terminal(ctx)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	require.Equal(t, pipeline.KindStructural, terminal[0].Kind)
}

func TestRunLeavesDistantRetriesPending(t *testing.T) {
	t.Parallel()

	slow := pipeline.BackoffPolicy{
		Base:        time.Hour,
		Max:         2 * time.Hour,
		Multiplier:  2,
		MaxAttempts: 3,
	}
	h := newHarness(t, slow)
	h.fetcher.failTimes("100", 1,
		pipeline.NewFetchError(pipeline.KindTransport, "100", errors.New("timeout")))

	o := h.orchestrator(Config{MaxDrainWait: 50 * time.Millisecond},
		pipeline.NewWorkItem("100", "", ""))

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())
	require.Equal(t, 1, stats.Retried)
	require.Equal(t, 1, stats.PendingRetry, "far-future retries stay queued for the next run")
}

func TestRunRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	h.fetcher.failTimes("100", 10,
		pipeline.NewFetchError(pipeline.KindTransport, "100", errors.New("status 503")))

	o := h.orchestrator(Config{MaxDrainWait: time.Second}, pipeline.NewWorkItem("100", "", ""))

	ctx := context.Background()
	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())
	require.Equal(t, 1, stats.Terminal)
	require.Equal(t, 4, h.fetcher.callCount("100"), "initial attempt plus three replays")

	terminal, err := h.queue.Terminal(ctx)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	require.Equal(t, pipeline.KindExhausted, terminal[0].Kind)
}

func TestDispatchBatchReplaysDueRetries(t *testing.T) {
	t.Parallel()

	// A zero base makes the entry due the moment it is enqueued.
	h := newHarness(t, pipeline.BackoffPolicy{Base: 0, Max: time.Second, Multiplier: 2, MaxAttempts: 3})
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, pipeline.NewWorkItem("500", "", ""), pipeline.KindTransport, "timeout")
	require.NoError(t, err)

	o := h.orchestrator(Config{MaxDrainWait: time.Second})
	o.DispatchBatch(ctx, []pipeline.WorkItem{pipeline.NewWorkItem("100", "", "")})

	require.Equal(t, 1, h.fetcher.callCount("100"))
	require.Equal(t, 1, h.fetcher.callCount("500"), "due entry must ride the dispatch phase")

	_, ok, err := h.store.Get(ctx, "500")
	require.NoError(t, err)
	require.True(t, ok)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDrainRetriesOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, pipeline.NewWorkItem("100", "", ""), pipeline.KindTransport, "timeout")
	require.NoError(t, err)

	o := h.orchestrator(Config{MaxDrainWait: time.Second})
	stats := o.DrainRetries(ctx)

	require.Equal(t, StateDone, o.State())
	require.Equal(t, 1, stats.Succeeded)
	require.Zero(t, stats.PendingRetry)
	require.Equal(t, 1, h.fetcher.callCount("100"))

	_, ok, err := h.store.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
}

// cancellingFetcher cancels the run mid-fetch and fails with the context
// error, mimicking an interrupted run.
type cancellingFetcher struct {
	cancel context.CancelFunc
}

func (f *cancellingFetcher) Fetch(ctx context.Context, item pipeline.WorkItem) (pipeline.ProductRecord, error) {
	f.cancel()
	return pipeline.ProductRecord{}, fmt.Errorf("fetch %s: %w", item.SKU, ctx.Err())
}

func TestRunCancellationDoesNotChargeRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := New(Config{Concurrency: 1, BatchSize: 1, MaxDrainWait: time.Second},
		&staticFrontier{items: []pipeline.WorkItem{pipeline.NewWorkItem("100", "", "")}},
		&cancellingFetcher{cancel: cancel},
		h.queue,
		h.store,
		system.New(),
		zap.NewNop(),
	)

	stats, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stats.Retried)
	require.Zero(t, stats.Terminal)

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth, "an interrupted fetch must not enter the retry queue")
}

func TestRunResumesFromDurableQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastPolicy())
	ctx := context.Background()

	// A previous run left SKU 100 queued.
	_, err := h.queue.Enqueue(ctx, pipeline.NewWorkItem("100", "", ""), pipeline.KindTransport, "timeout")
	require.NoError(t, err)

	o := h.orchestrator(Config{MaxDrainWait: time.Second})

	stats, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)
	require.Zero(t, stats.PendingRetry)

	_, ok, err := h.store.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
}
