package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finmodel/pkg/config"
	"finmodel/pkg/core/action"
	"finmodel/pkg/core/engine"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/store"
	"finmodel/pkg/core/template"
)

// repository is what the CLI needs from a store backend.
type repository interface {
	template.Loader
	provider.DriverSource
	provider.OpeningBalanceSource
	store.ActionCatalog
	store.ResultSink
	SaveTemplate(ctx context.Context, t *template.Template) error
	SetDriver(ctx context.Context, key provider.Key, code string, value float64) error
	SetOpening(ctx context.Context, entity, scenario, code string, value float64) error
	Import(ctx context.Context, t *template.Template, actions []action.ManagementAction, bindings []action.Binding) error
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    repository
	metrics *orchestrator.Metrics
	closers []func()
}

func newApp(ctx context.Context, g *globalFlags) (*app, error) {
	var envFiles []string
	if g.envFile != "" {
		envFiles = append(envFiles, g.envFile)
	}
	cfg, err := config.Load(g.configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Metrics.Enabled {
		a.serveMetrics()
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case config.DriverSQLite:
		r, err := store.OpenSQLite(ctx, a.cfg.Database.Path, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = r.Close() })
		if err := r.Migrate(); err != nil {
			return err
		}
		a.repo = r
	case config.DriverPostgres:
		if err := store.InitDB(ctx, a.cfg.Database.URL); err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		r, err := store.NewPostgresRepo(nil)
		if err != nil {
			return err
		}
		if err := r.EnsureSchema(ctx); err != nil {
			return err
		}
		a.repo = r
	}
	return nil
}

func (a *app) serveMetrics() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = orchestrator.NewMetrics(reg)

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", srv.Addr)
	a.closers = append(a.closers, func() { _ = srv.Close() })
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loader serves templates from the database first, then the templates dir.
func (a *app) loader() template.Loader {
	var primary template.Loader
	if a.repo != nil {
		primary = a.repo
	}
	return store.NewHybridLoader(primary, template.NewFileLoader(a.cfg.Templates.Dir), a.logger)
}

func (a *app) orchestrator(drivers provider.DriverSource) *orchestrator.Orchestrator {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithFailFast(a.cfg.Engine.FailFast),
		orchestrator.WithCache(orchestrator.NewTemplateCache(a.cfg.Engine.CacheTTL)),
	}
	if a.repo != nil {
		opts = append(opts, orchestrator.WithOpening(a.repo))
	}
	if a.metrics != nil {
		opts = append(opts, orchestrator.WithMetrics(a.metrics))
	}
	return orchestrator.New(engine.New(engine.WithLogger(a.logger)), drivers, opts...)
}

// layered asks each source in turn until one has a value.
func layered(sources ...provider.DriverSource) provider.DriverSource {
	return provider.DriverSourceFunc(func(ctx context.Context, code string, key provider.Key) (float64, bool, error) {
		for _, s := range sources {
			if s == nil {
				continue
			}
			v, ok, err := s.Driver(ctx, code, key)
			if err != nil || ok {
				return v, ok, err
			}
		}
		return 0, false, nil
	})
}
