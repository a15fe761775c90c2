// Package app assembles the investigation engine from configuration and
// runs it as a set of lifecycle modules.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/stake-plus/govwatch/src/agents"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/api"
	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/config"
	"github.com/stake-plus/govwatch/src/data"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/orchestrator"
	"github.com/stake-plus/govwatch/src/telemetry"
	"github.com/stake-plus/govwatch/src/webclient"
)

// Options carries process-level resources into Build.
type Options struct {
	// DB is an open connection; when nil and a DSN is configured, Build connects.
	DB     *gorm.DB
	Logger *slog.Logger
	// Registry receives the engine metrics; nil creates a private registry.
	Registry *prometheus.Registry
	// Providers replace the configured providers when set.
	Providers []federation.Provider
}

// App is a wired engine.
type App struct {
	Config   config.Config
	Service  *orchestrator.Service
	Pool     *agents.Pool
	Gateway  *federation.Gateway
	Graph    *graph.Graph
	Registry *prometheus.Registry
	Handler  http.Handler

	manager *Manager
	http    *httpModule
}

// Build wires every component described by cfg. Nothing listens until Start.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := logging.OrDiscard(opts.Logger)
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := telemetry.NewMetrics(reg)
	manager := NewManager(logger)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, breaker.WithMetrics(metrics))

	var cache federation.Cache
	if cfg.Storage.RedisURL != "" {
		client, err := federation.ConnectRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			logger.Warn("app: redis unavailable, response cache disabled", "error", err)
		} else {
			cache = federation.NewRedisCache(client, "govwatch:federation:")
			_ = manager.Add(&closerModule{name: "redis", close: client.Close})
		}
	}

	gateway := federation.NewGateway(federation.Options{
		Breakers:    breakers,
		Cache:       cache,
		CacheTTL:    cfg.Storage.CacheTTL,
		CallTimeout: cfg.Federation.CallTimeout,
		Logger:      logger.With("component", "federation"),
		Metrics:     metrics,
	})
	if opts.Providers != nil {
		for _, p := range opts.Providers {
			gateway.Register(p, 0, 0)
		}
	} else if err := registerProviders(gateway, breakers, cfg, logger); err != nil {
		return nil, err
	}

	pool, err := agents.NewPool(cfg.Agents, agents.RuntimeDeps{
		Gateway: gateway,
		Engine:  anomaly.NewEngine(cfg.Anomaly),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg.Storage, opts.DB, manager, logger)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	executor := orchestrator.NewExecutor(pool, &agents.Reflector{
		Delay:   cfg.Agents.ReflectionDelay,
		Logger:  logger.With("component", "reflector"),
		Metrics: metrics,
	}, orchestrator.ExecutorConfig{
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		StepTimeout:    cfg.Orchestrator.StepTimeout,
	}, logger.With("component", "executor"), metrics)
	service, err := orchestrator.NewService(orchestrator.ServiceOptions{
		Planner:              orchestrator.NewPlanner(pool),
		Executor:             executor,
		Store:                store,
		Graph:                g,
		InvestigationTimeout: cfg.Orchestrator.InvestigationTimeout,
		Logger:               logger.With("component", "orchestrator"),
		Metrics:              metrics,
	})
	if err != nil {
		return nil, err
	}
	_ = manager.Add(&engineModule{service: service, pool: pool, logger: logger})

	handler := api.New(api.Options{
		Service:        service,
		Agents:         pool,
		Breakers:       breakers,
		Gatherer:       reg,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.HTTP.RateLimit),
		Burst:          cfg.HTTP.Burst,
		Logger:         logger.With("component", "api"),
	})

	return &App{
		Config:   cfg,
		Service:  service,
		Pool:     pool,
		Gateway:  gateway,
		Graph:    g,
		Registry: reg,
		Handler:  handler,
		manager:  manager,
	}, nil
}

// EnableHTTP adds the API listener to the started modules.
func (a *App) EnableHTTP(logger *slog.Logger) error {
	a.http = &httpModule{
		srv: &http.Server{
			Addr:         a.Config.HTTP.Addr,
			Handler:      a.Handler,
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		},
		logger: logging.OrDiscard(logger),
	}
	return a.manager.Add(a.http)
}

// Addr is the bound API address once started with HTTP enabled.
func (a *App) Addr() string {
	if a.http == nil || a.http.addr == nil {
		return ""
	}
	return a.http.addr.String()
}

// Start starts every module.
func (a *App) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops modules in reverse order: the listener first, then running
// investigations and agents, then connections.
func (a *App) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func registerProviders(gw *federation.Gateway, breakers *breaker.Registry, cfg config.Config, logger *slog.Logger) error {
	client := webclient.NewDefault(cfg.Federation.HTTPTimeout)
	for _, p := range cfg.Federation.Providers {
		if p.Breaker.FailureThreshold > 0 || p.Breaker.Cooldown > 0 {
			breakers.Register(p.Name, breaker.Config{
				FailureThreshold: p.Breaker.FailureThreshold,
				Cooldown:         p.Breaker.Cooldown,
			})
		}

		var provider federation.Provider
		switch p.Type {
		case config.ProviderHTTP:
			headers := maps.Clone(p.Headers)
			if key := p.APIKey(); key != "" && p.APIKeyHeader != "" {
				if headers == nil {
					headers = map[string]string{}
				}
				headers[p.APIKeyHeader] = key
			} else if p.APIKeyEnv != "" {
				logger.Warn("app: provider api key not set", "provider", p.Name, "env", p.APIKeyEnv)
			}
			provider = federation.NewHTTPProvider(federation.HTTPConfig{
				Name:       p.Name,
				BaseURL:    p.BaseURL,
				Datasets:   p.Datasets,
				Headers:    headers,
				ParamNames: p.ParamNames,
				Retries:    p.Retries,
			}, client, logger.With("provider", p.Name))
		case config.ProviderFile:
			provider = federation.NewFileProvider(p.Name, p.Dir)
		default:
			return fmt.Errorf("app: provider %q has unknown type %q", p.Name, p.Type)
		}
		gw.Register(provider, rate.Limit(p.RateLimit), p.Burst)
	}
	logger.Info("app: providers registered", "providers", gw.Providers())
	return nil
}

func buildStore(cfg config.StorageConfig, db *gorm.DB, manager *Manager, logger *slog.Logger) (orchestrator.Store, error) {
	if db == nil && cfg.MySQLDSN != "" {
		conn, err := data.ConnectMySQL(cfg.MySQLDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		_ = manager.Add(&closerModule{name: "mysql", close: sqlDB.Close})
		db = conn
	}
	if db == nil {
		logger.Info("app: investigations kept in memory")
		return orchestrator.NewMemoryStore(), nil
	}
	if err := data.Migrate(db); err != nil {
		return nil, fmt.Errorf("app: migrate: %w", err)
	}
	return data.NewGormStore(db), nil
}
