// Package app wires the delegation engine to its configuration, executor and
// event sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nidhogg/nuka-delegate/internal/agent"
	"github.com/nidhogg/nuka-delegate/internal/api"
	"github.com/nidhogg/nuka-delegate/internal/config"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/metrics"
	"github.com/nidhogg/nuka-delegate/internal/orchestrator"
	"github.com/nidhogg/nuka-delegate/internal/provider"
	"github.com/nidhogg/nuka-delegate/internal/store"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Provider delegation.ConfigurationProvider
	Executor *agent.Executor
	Engine   *delegation.Engine
	Metrics  *metrics.Collector
	Bus      *orchestrator.MessageBus
	Store    *store.Store
	Router   *provider.Router

	logger *zap.Logger
}

// Options for New.
type Options struct {
	// Runner executes agents. Without one, agents run on the configured
	// LLM providers; with neither, executions fail with agent.ErrNoRunner.
	Runner agent.Runner
	// MigrationsDir holds the PostgreSQL migrations.
	MigrationsDir string
}

// New builds the application from cfg. Redis and PostgreSQL are optional:
// when unreachable the app runs without the corresponding sink.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AgentsFile == "" {
		return nil, errors.New("agents_file is required")
	}
	if opts.MigrationsDir == "" {
		opts.MigrationsDir = "migrations"
	}

	provider, err := config.NewFileProvider(cfg.AgentsFile, logger)
	if err != nil {
		return nil, err
	}
	// fail fast on an unusable agents document
	if _, err := provider.LoadConfiguration(ctx); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	a := &App{
		Config:   cfg,
		Provider: provider,
		Metrics:  metrics.NewCollector(cfg.Metrics.Namespace, logger),
		logger:   logger,
	}

	engineOpts := cfg.Delegation.Options()
	engineOpts.OnCleanup = a.Metrics.RecordCleanup

	runner := opts.Runner
	if runner == nil && len(cfg.LLM.Providers) > 0 {
		router, err := newRouter(cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
		a.Router = router
		runner = agent.NewLLMRunner(router, logger)
	}

	a.Executor = agent.NewExecutor(runner, logger)
	a.Engine = delegation.New(provider, a.Executor, engineOpts, logger)
	agent.RegisterDelegationTools(a.Executor, a.Engine)
	a.Engine.AddSink(a.Metrics)

	if cfg.Database.Redis.URL != "" {
		bus, err := orchestrator.NewMessageBus(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			a.Bus = bus
			a.Engine.AddSink(bus)
			logger.Info("Event stream enabled", zap.String("stream", bus.Stream()))
		}
	}

	if cfg.Database.Postgres.DSN != "" {
		ps, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without history", zap.Error(err))
		} else {
			if err := ps.Migrate(ctx, opts.MigrationsDir); err != nil {
				ps.Close()
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.Store = ps
			a.Engine.AddSink(ps)
		}
	}

	return a, nil
}

func newRouter(cfg config.LLMConfig, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			return nil, err
		}
		router.Register(p)
	}
	if cfg.Default != "" {
		if _, ok := router.GetProvider(cfg.Default); !ok {
			return nil, fmt.Errorf("default provider %q is not configured", cfg.Default)
		}
		router.SetDefault(cfg.Default)
	}
	for name, b := range cfg.Bindings {
		if _, ok := router.GetProvider(b.Provider); !ok {
			return nil, fmt.Errorf("agent %s: provider %q is not configured", name, b.Provider)
		}
		router.Bind(name, b.Provider)
		router.SetFallbacks(name, b.Fallbacks)
	}
	return router, nil
}

// Handler returns the operations HTTP API over the wired components.
func (a *App) Handler() http.Handler {
	return api.NewHandler(a.Engine, a.Executor, a.Provider, a.Metrics.Registry(), a.logger).Router()
}

// Run drives the periodic cleanup until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.logger.Info("delegation engine running",
		zap.Duration("timeout", a.Engine.Options().Timeout),
		zap.Duration("cleanup_interval", a.Engine.Options().CleanupInterval))
	a.Engine.Run(ctx)
}

// Close cancels outstanding delegations and releases connections.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Shutdown()
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
