// Package orchestrator drives a harvest run from discovery through retry
// drain, fanning fetches out to a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// State is the phase a run is currently in. Transitions only move forward;
// Halted and Done are final.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateDispatching
	StateDraining
	StateHalted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateHalted:
		return "halted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config tunes a harvest run.
type Config struct {
	// Concurrency bounds the number of in-flight fetches.
	Concurrency int
	// BatchSize is how many items are dispatched before the run re-checks
	// for a halt condition.
	BatchSize int
	// ForceRefresh re-fetches SKUs that are already stored.
	ForceRefresh bool
	// MaxDrainWait caps how long the drain phase sleeps for a not yet
	// eligible retry before ending the run with entries pending.
	MaxDrainWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxDrainWait <= 0 {
		c.MaxDrainWait = 30 * time.Second
	}
	return c
}

// Orchestrator owns one run of the pipeline. It is not reusable; build a
// fresh one per run.
type Orchestrator struct {
	cfg      Config
	runID    string
	frontier pipeline.Frontier
	fetcher  pipeline.Fetcher
	queue    pipeline.RetryQueue
	store    pipeline.Store
	clock    pipeline.Clock
	logger   *zap.Logger

	state  atomic.Int32
	halted atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
	stats    pipeline.Stats
}

// New wires an Orchestrator over the pipeline collaborators.
func New(
	cfg Config,
	frontier pipeline.Frontier,
	fetcher pipeline.Fetcher,
	queue pipeline.RetryQueue,
	store pipeline.Store,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		runID:    runID,
		frontier: frontier,
		fetcher:  fetcher,
		queue:    queue,
		store:    store,
		clock:    clock,
		logger:   logger.With(zap.String("run_id", runID)),
		inflight: make(map[string]struct{}),
	}
}

// RunID identifies this run in logs and stats.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current phase.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Stats returns a snapshot of the run counters.
func (o *Orchestrator) Stats() pipeline.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run executes one full harvest: discover the frontier, dispatch it, then
// drain the retry queue. It returns the final stats; the run ends Halted
// when the session expires and Done otherwise.
func (o *Orchestrator) Run(ctx context.Context) (pipeline.Stats, error) {
	items, err := o.Discover(ctx)
	if err != nil {
		o.state.Store(int32(StateHalted))
		return o.Stats(), err
	}

	o.DispatchBatch(ctx, items)

	if !o.halted.Load() && ctx.Err() == nil {
		o.state.Store(int32(StateDraining))
		o.drain(ctx)
	}

	stats := o.finish(ctx)
	o.logger.Info("run finished",
		zap.String("state", o.State().String()),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("retried", stats.Retried),
		zap.Int("terminal", stats.Terminal),
		zap.Int("pending_retry", stats.PendingRetry),
	)
	return stats, ctx.Err()
}

// Discover loads the work list from the frontier.
func (o *Orchestrator) Discover(ctx context.Context) ([]pipeline.WorkItem, error) {
	o.state.Store(int32(StateDiscovering))
	items, err := o.frontier.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load frontier: %w", err)
	}
	o.logger.Info("frontier loaded", zap.Int("items", len(items)))
	return items, nil
}

// DispatchBatch fetches the given items through the worker pool. Retry
// entries that are already due ride along in the same phase instead of
// waiting for the drain.
func (o *Orchestrator) DispatchBatch(ctx context.Context, items []pipeline.WorkItem) {
	o.state.Store(int32(StateDispatching))
	o.dispatch(ctx, items, false)
	_, _ = o.dispatchDue(ctx)
}

// DrainRetries replays due retry entries without a discovery pass and
// returns the final stats. This is the retry-only mode.
func (o *Orchestrator) DrainRetries(ctx context.Context) pipeline.Stats {
	o.state.Store(int32(StateDraining))
	o.drain(ctx)
	return o.finish(ctx)
}

// dispatch runs items through the worker pool in batches, stopping between
// batches once a halt is flagged. In-flight fetches always complete.
func (o *Orchestrator) dispatch(ctx context.Context, items []pipeline.WorkItem, fromRetry bool) {
	for start := 0; start < len(items); start += o.cfg.BatchSize {
		if o.halted.Load() || ctx.Err() != nil {
			return
		}
		end := start + o.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		o.runBatch(ctx, items[start:end], fromRetry)
	}
}

func (o *Orchestrator) runBatch(ctx context.Context, batch []pipeline.WorkItem, fromRetry bool) {
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, item := range batch {
		if o.halted.Load() || ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(it pipeline.WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()
			o.process(ctx, it, fromRetry)
		}(item)
	}
	wg.Wait()
}

// drain replays due retry entries until the queue is empty, the run halts,
// or the next entry is further away than MaxDrainWait.
func (o *Orchestrator) drain(ctx context.Context) {
	for !o.halted.Load() && ctx.Err() == nil {
		depth, err := o.queue.Depth(ctx)
		if err != nil {
			o.logger.Error("read retry depth", zap.Error(err))
			return
		}
		if depth == 0 {
			return
		}

		dispatched, err := o.dispatchDue(ctx)
		if err != nil {
			return
		}
		if dispatched > 0 {
			continue
		}

		next, ok, err := o.queue.NextEligible(ctx)
		if err != nil || !ok {
			return
		}
		wait := next.Sub(o.clock.Now())
		if wait > o.cfg.MaxDrainWait {
			o.logger.Info("leaving retries pending",
				zap.Int("depth", depth),
				zap.Duration("next_in", wait),
			)
			return
		}
		pipeline.Pause(ctx, wait)
	}
}

// dispatchDue replays every retry entry whose backoff has elapsed and
// reports how many were dispatched.
func (o *Orchestrator) dispatchDue(ctx context.Context) (int, error) {
	due, err := o.queue.Due(ctx, o.clock.Now())
	if err != nil {
		o.logger.Error("read due retries", zap.Error(err))
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	items := make([]pipeline.WorkItem, 0, len(due))
	for _, entry := range due {
		items = append(items, entry.Item)
	}
	o.logger.Info("replaying due retries", zap.Int("due", len(items)))
	o.dispatch(ctx, items, true)
	return len(due), nil
}

// process fetches one item and settles the result against the store and
// the retry queue.
func (o *Orchestrator) process(ctx context.Context, item pipeline.WorkItem, fromRetry bool) {
	if !o.claim(item.SKU) {
		return
	}
	defer o.release(item.SKU)

	if !fromRetry && !o.cfg.ForceRefresh {
		exists, err := o.store.Exists(ctx, item.SKU)
		if err != nil {
			o.logger.Error("skip check failed", zap.String("sku", item.SKU), zap.Error(err))
		} else if exists {
			o.bump(func(s *pipeline.Stats) { s.Skipped++ })
			return
		}
	}

	record, err := o.fetcher.Fetch(ctx, item)
	if err != nil {
		o.settleFailure(ctx, item, err)
		return
	}

	if err := o.store.Upsert(ctx, record); err != nil {
		o.logger.Error("store write failed", zap.String("sku", item.SKU), zap.Error(err))
		o.enqueue(ctx, item, pipeline.KindTransport, err.Error())
		return
	}
	if err := o.queue.Remove(ctx, item.SKU); err != nil {
		o.logger.Error("clear retry entry failed", zap.String("sku", item.SKU), zap.Error(err))
	}
	o.bump(func(s *pipeline.Stats) { s.Succeeded++ })
	o.logger.Debug("product stored", zap.String("sku", item.SKU))
}

func (o *Orchestrator) settleFailure(ctx context.Context, item pipeline.WorkItem, err error) {
	if ctx.Err() != nil {
		// A cancelled run is not a fetch failure; the item keeps its
		// retry budget for the next run.
		o.logger.Debug("run cancelled, failure not recorded", zap.String("sku", item.SKU))
		return
	}
	if errors.Is(err, pipeline.ErrSessionExpired) {
		// No enqueue: the item is re-discovered from the sitemap on the
		// next run once credentials are refreshed.
		if o.halted.CompareAndSwap(false, true) {
			o.state.Store(int32(StateHalted))
			o.logger.Warn("session expired, halting run", zap.String("sku", item.SKU))
		}
		return
	}

	kind := pipeline.KindOf(err)
	if !kind.Retryable() {
		if mtErr := o.queue.MarkTerminal(ctx, item, kind, err.Error()); mtErr != nil {
			o.logger.Error("mark terminal failed", zap.String("sku", item.SKU), zap.Error(mtErr))
		}
		o.bump(func(s *pipeline.Stats) { s.Terminal++ })
		o.logger.Warn("permanent failure",
			zap.String("sku", item.SKU),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	o.enqueue(ctx, item, kind, err.Error())
}

func (o *Orchestrator) enqueue(ctx context.Context, item pipeline.WorkItem, kind pipeline.ErrorKind, lastError string) {
	entry, err := o.queue.Enqueue(ctx, item, kind, lastError)
	if err != nil {
		o.logger.Error("enqueue retry failed", zap.String("sku", item.SKU), zap.Error(err))
		return
	}
	if entry.Terminal {
		o.bump(func(s *pipeline.Stats) { s.Terminal++ })
		return
	}
	o.bump(func(s *pipeline.Stats) { s.Retried++ })
	o.logger.Debug("retry scheduled",
		zap.String("sku", item.SKU),
		zap.Int("attempts", entry.Attempts),
		zap.Time("next_eligible", entry.NextEligible),
	)
}

// claim marks sku in flight so the same product is never fetched twice
// concurrently.
func (o *Orchestrator) claim(sku string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sku]; busy {
		return false
	}
	o.inflight[sku] = struct{}{}
	return true
}

func (o *Orchestrator) release(sku string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sku)
}

func (o *Orchestrator) bump(fn func(*pipeline.Stats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.stats)
}

func (o *Orchestrator) finish(ctx context.Context) pipeline.Stats {
	if depth, err := o.queue.Depth(ctx); err == nil {
		o.bump(func(s *pipeline.Stats) { s.PendingRetry = depth })
	} else {
		o.logger.Error("read retry depth", zap.Error(err))
	}
	if !o.halted.Load() {
		o.state.Store(int32(StateDone))
	}
	return o.Stats()
}
