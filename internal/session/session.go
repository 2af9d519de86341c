// Package session owns the authentication material (cookies, CSRF token)
// shared by all concurrent fetches.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// Config controls suspicion tracking and snapshot persistence.
type Config struct {
	// SuspicionThreshold is the number of authorization failures after
	// which Current reports pipeline.ErrSessionExpired. The server never
	// announces expiry, so invalidity is inferred.
	SuspicionThreshold int
	// SnapshotPath, when set, persists refreshed credentials to disk so a
	// later run starts from the last known-good state.
	SnapshotPath string
}

const defaultSuspicionThreshold = 3

// Context guards the shared SessionState. Reads are lock-free snapshot
// loads; mutation happens only through Refresh (atomic swap).
type Context struct {
	state     atomic.Pointer[pipeline.SessionState]
	suspicion atomic.Int64
	threshold int64

	snapshotMu   sync.Mutex
	snapshotPath string
	logger       *zap.Logger
}

// New builds a Context holding initial. When initial carries no cookies and
// a snapshot exists on disk, the snapshot is used instead.
func New(initial pipeline.SessionState, cfg Config, logger *zap.Logger) *Context {
	threshold := cfg.SuspicionThreshold
	if threshold <= 0 {
		threshold = defaultSuspicionThreshold
	}
	c := &Context{
		threshold:    int64(threshold),
		snapshotPath: cfg.SnapshotPath,
		logger:       logger,
	}
	if len(initial.Cookies) == 0 && cfg.SnapshotPath != "" {
		if snap, err := loadSnapshot(cfg.SnapshotPath); err == nil {
			logger.Info("loaded session snapshot",
				zap.String("path", cfg.SnapshotPath),
				zap.Int("cookies", len(snap.Cookies)),
			)
			if initial.CSRFToken != "" {
				snap.CSRFToken = initial.CSRFToken
			}
			initial = snap
		}
	}
	state := initial.Clone()
	c.state.Store(&state)
	return c
}

// Current returns the live SessionState, or pipeline.ErrSessionExpired once
// the suspicion threshold has been crossed. Callers must treat the returned
// state as read-only.
func (c *Context) Current() (pipeline.SessionState, error) {
	if c.suspicion.Load() >= c.threshold {
		return pipeline.SessionState{}, pipeline.ErrSessionExpired
	}
	return *c.state.Load(), nil
}

// Refresh installs externally provisioned credentials and clears suspicion.
// No fetch ever observes a half-written state: the swap is a single pointer
// store.
func (c *Context) Refresh(state pipeline.SessionState) {
	next := state.Clone()
	c.state.Store(&next)
	c.suspicion.Store(0)
	c.logger.Info("session refreshed", zap.Int("cookies", len(next.Cookies)))
	if c.snapshotPath != "" {
		if err := c.saveSnapshot(next); err != nil {
			c.logger.Warn("persist session snapshot failed", zap.Error(err))
		}
	}
}

// MarkSuspect records one authorization failure. Fetches call this instead
// of mutating the state themselves.
func (c *Context) MarkSuspect() {
	n := c.suspicion.Add(1)
	if n == c.threshold {
		c.logger.Warn("session suspicion threshold reached, halting dispatch",
			zap.Int64("failures", n),
		)
	}
}

// Suspicion exposes the current failure count for diagnostics.
func (c *Context) Suspicion() int {
	return int(c.suspicion.Load())
}

func (c *Context) saveSnapshot(state pipeline.SessionState) error {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.snapshotPath), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(c.snapshotPath, payload, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func loadSnapshot(path string) (pipeline.SessionState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return pipeline.SessionState{}, fmt.Errorf("read snapshot: %w", err)
	}
	var state pipeline.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return pipeline.SessionState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}
