// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/clock/system"
	"github.com/plusfeed/harvester/internal/config"
	"github.com/plusfeed/harvester/internal/fetch"
	"github.com/plusfeed/harvester/internal/frontier"
	"github.com/plusfeed/harvester/internal/logging"
	"github.com/plusfeed/harvester/internal/metrics"
	"github.com/plusfeed/harvester/internal/orchestrator"
	"github.com/plusfeed/harvester/internal/pipeline"
	"github.com/plusfeed/harvester/internal/proxy"
	"github.com/plusfeed/harvester/internal/retry"
	"github.com/plusfeed/harvester/internal/session"
	"github.com/plusfeed/harvester/internal/store"
)

// App holds the shared, long-lived services. It is built once per command
// invocation and closed on exit.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    *system.Clock
	session  *session.Context
	proxies  *proxy.Pool
	fetcher  *fetch.Client
	frontier *frontier.Frontier
	queue    *retry.Queue
	store    pipeline.Store

	queueDB *sql.DB
}

// New builds an App from the config file at cfgPath (empty means defaults
// and environment only). Options override loaded values, letting flags win
// over file and environment.
func New(ctx context.Context, cfgPath string, opts ...config.Option) (*App, error) {
	cfg, err := config.Load(cfgPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	for _, path := range []string{
		a.cfg.Sitemap.CachePath,
		a.cfg.Session.SnapshotPath,
		a.cfg.Retry.DBPath,
		a.cfg.Store.Path,
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create data dir for %s: %w", path, err)
		}
	}

	a.session = session.New(
		pipeline.SessionState{
			Cookies:   a.cfg.Session.Cookies,
			CSRFToken: a.cfg.Session.CSRFToken,
		},
		session.Config{
			SuspicionThreshold: a.cfg.Session.SuspicionThreshold,
			SnapshotPath:       a.cfg.Session.SnapshotPath,
		},
		a.logger.Named("session"),
	)

	endpoints, err := a.cfg.ProxyEndpoints()
	if err != nil {
		return err
	}
	a.proxies = proxy.New(proxy.Config{
		Endpoints:        endpoints,
		SuspectThreshold: a.cfg.Proxy.SuspectThreshold,
		DeadCooldown:     a.cfg.DeadCooldown(),
	}, a.clock, a.logger.Named("proxy"))

	a.fetcher = fetch.NewClient(fetch.Config{
		APIURL:        a.cfg.Fetch.APIURL,
		Origin:        a.cfg.Fetch.Origin,
		Locale:        a.cfg.Fetch.Locale,
		UserAgent:     a.cfg.Fetch.UserAgent,
		Timeout:       a.cfg.FetchTimeout(),
		CourtesyDelay: a.cfg.CourtesyDelay(),
	}, a.session, a.proxies, a.clock, a.logger.Named("fetch"))

	a.frontier = frontier.New(frontier.Config{
		SitemapURL:   a.cfg.Sitemap.URL,
		CachePath:    a.cfg.Sitemap.CachePath,
		UserAgent:    a.cfg.Fetch.UserAgent,
		Timeout:      a.cfg.SitemapTimeout(),
		ForceRefresh: a.cfg.Run.ForceRefresh,
		Limit:        a.cfg.Sitemap.Limit,
		Skip:         a.cfg.Sitemap.Skip,
	}, a.proxies, a.logger.Named("frontier"))

	queueDB, err := store.OpenDB(a.cfg.Retry.DBPath)
	if err != nil {
		return err
	}
	a.queueDB = queueDB
	a.queue, err = retry.New(queueDB, a.cfg.BackoffPolicy(), a.clock, a.logger.Named("retry"))
	if err != nil {
		return err
	}

	a.store, err = a.buildStore(ctx)
	return err
}

func (a *App) buildStore(ctx context.Context) (pipeline.Store, error) {
	var backing pipeline.Store
	switch a.cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		backing = pg
	default:
		db, err := store.OpenDB(a.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		sq, err := store.NewSQLite(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		backing = sq
	}
	if a.cfg.Store.CacheSize > 0 {
		return store.NewCached(backing, a.cfg.Store.CacheSize)
	}
	return backing, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Session returns the shared session context.
func (a *App) Session() *session.Context { return a.session }

// Frontier returns the sitemap frontier.
func (a *App) Frontier() *frontier.Frontier { return a.frontier }

// Fetcher returns the product API client.
func (a *App) Fetcher() pipeline.Fetcher { return a.fetcher }

// Queue returns the durable retry queue.
func (a *App) Queue() *retry.Queue { return a.queue }

// Store returns the product store.
func (a *App) Store() pipeline.Store { return a.store }

// Clock returns the wall clock.
func (a *App) Clock() pipeline.Clock { return a.clock }

// Orchestrator builds a fresh run over the shared services.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(
		orchestrator.Config{
			Concurrency:  a.cfg.Run.Concurrency,
			BatchSize:    a.cfg.Run.BatchSize,
			ForceRefresh: a.cfg.Run.ForceRefresh,
			MaxDrainWait: a.cfg.MaxDrainWait(),
		},
		a.frontier,
		a.fetcher,
		a.queue,
		a.store,
		a.clock,
		a.logger.Named("orchestrator"),
	)
}

// Close releases database handles and flushes the logger.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
	if a.queueDB != nil {
		if err := a.queueDB.Close(); err != nil {
			a.logger.Warn("close retry db", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
