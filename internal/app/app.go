// Package app wires configuration, storage, connectors and services into
// a runnable audit daemon.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"revaudit/internal/config"
	"revaudit/internal/config/loader"
	"revaudit/internal/connector"
	"revaudit/internal/logger"
	"revaudit/internal/scheduler"
	"revaudit/internal/store/runstore"
	audithttp "revaudit/internal/transport/http"
)

// App holds the assembled daemon.
type App struct {
	cfg     *config.Config
	clients *loader.Registry
	store   *runstore.Store
	cache   *connector.BatchCache
	svc     *scheduler.Service
	http    *audithttp.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	clients, err := loader.NewRegistry(cfg.App.ClientsPath)
	if err != nil {
		return nil, fmt.Errorf("loading clients: %w", err)
	}
	store, err := runstore.NewStore(cfg.Store.RunDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	cache, err := connector.NewBatchCache(cfg.Store.CacheDBPath, time.Duration(cfg.Store.CacheTTLMin)*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("opening batch cache: %w", err)
	}

	files := connector.NewFileSource(cfg.Connector.Root)
	limited := connector.NewRateLimitedSource(files, files, cfg.Connector.RateLimitPerMin, cfg.Connector.Burst)
	cached := connector.NewCachingSource(limited, limited, cache)

	svc, err := scheduler.NewService(scheduler.ServiceConfig{
		Store:     store,
		Backend:   cached,
		Analytics: cached,
		Clients:   clients,
		Recon:     cfg.Recon,
		Scheduler: cfg.Scheduler,
	})
	if err != nil {
		return nil, err
	}
	server, err := audithttp.NewServer(audithttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Service: svc,
		Store:   store,
		Clients: clients,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		clients: clients,
		store:   store,
		cache:   cache,
		svc:     svc,
		http:    server,
	}, nil
}

// Run starts the HTTP API, the cron scheduler and the clients-file
// watcher, blocking until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	a.svc.SetContext(ctx)
	logger.Infof("✓ audit daemon up (env=%s, http=%s, clients=%d)",
		a.cfg.App.Env, a.cfg.App.HTTPAddr, len(a.clients.Active()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := a.svc.RunScheduler(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("scheduler error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := a.clients.Watch(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("clients watcher error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func (a *App) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
