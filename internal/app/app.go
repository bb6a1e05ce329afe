// Package app wires the bridge together: durable stores, credential
// registry, quota tracking, the request orchestrator and the local HTTP
// server, supervised as one lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/polybridge/internal/account"
	"github.com/florianilch/polybridge/internal/config"
	"github.com/florianilch/polybridge/internal/orchestrator"
	"github.com/florianilch/polybridge/internal/persist"
	"github.com/florianilch/polybridge/internal/quota"
	"github.com/florianilch/polybridge/internal/secret"
	"github.com/florianilch/polybridge/internal/server"
)

// App owns every long-lived component and their startup/shutdown order.
type App struct {
	cfg    config.Config
	store  *persist.SQLiteStore
	server *server.Server
	orch   *orchestrator.Orchestrator
	health *Health
}

// New builds the full component graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := persist.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	quotas, err := quota.NewStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading quota state: %w", err)
	}
	registry, err := account.NewRegistry(ctx, store, secret.NewKeyringStore(), quotas)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading account registry: %w", err)
	}

	providers := make([]orchestrator.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, orchestrator.Provider{
			Name:              p.Name,
			Dialect:           p.Dialect,
			BaseURL:           p.BaseURL,
			RequestsPerSecond: p.RequestsPerSecond,
		})
	}

	orch := orchestrator.New(providers, registry, quotas, registry.Secrets())
	health := NewHealth()
	srv := server.New(orch, registry, quotas, health, server.Options{
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})

	return &App{
		cfg:    cfg,
		store:  store,
		server: srv,
		orch:   orch,
		health: health,
	}, nil
}

// Start runs all services and blocks until shutdown is triggered by signal
// or by the first runtime error.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting http server", "addr", a.cfg.Server.ListenAddr())
	serverErrCh, err := a.server.Start(gCtx, a.cfg.Server.ListenAddr())
	if err != nil {
		a.store.Close()
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	// Registry changes invalidate cached upstream clients.
	g.Go(func() error {
		if err := a.orch.Watch(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("orchestrator watch: %w", err)
		}
		return nil
	})

	a.health.SetReady(true)
	runtimeErr := g.Wait()
	a.health.SetReady(false)

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
