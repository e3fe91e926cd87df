package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/storegw/internal/audit"
	"github.com/vyrodovalexey/storegw/internal/auth"
	"github.com/vyrodovalexey/storegw/internal/cache"
	"github.com/vyrodovalexey/storegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/gateway"
	"github.com/vyrodovalexey/storegw/internal/health"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/proxy"
	"github.com/vyrodovalexey/storegw/internal/ratelimit"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
	"github.com/vyrodovalexey/storegw/internal/server"
	"github.com/vyrodovalexey/storegw/internal/store"
)

// drainDelay keeps the listeners open after readiness fails on shutdown.
const drainDelay = 2 * time.Second

// application holds all application components.
type application struct {
	config    *config.GatewayConfig
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	registry  *registry.Client
	breakers  *circuitbreaker.Registry
	forwarder *proxy.Forwarder
	gateway   *gateway.Gateway
	health    *health.Handler
	server    *server.Server

	// closers run in reverse order on shutdown.
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newApplication builds every component from cfg. Stores that cannot be
// reached at startup are logged and left to degrade at request time.
func newApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (app *application, err error) {
	app = &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(cfg.Metrics.Namespace),
	}
	defer func() {
		if err != nil {
			app.closeAll()
			app = nil
		}
	}()

	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	app.tracer, err = observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return app, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt, err := router.New(cfg.Routes)
	if err != nil {
		return app, err
	}

	if err := app.initRegistry(rt); err != nil {
		return app, err
	}

	app.breakers = circuitbreaker.NewRegistry(circuitbreaker.FromConfig(cfg.CircuitBreaker), logger.Named("circuitbreaker").Zap())

	var validator *auth.Validator
	if cfg.Auth.JWT != nil {
		validator, err = auth.NewValidator(ctx, *cfg.Auth.JWT, auth.WithLogger(logger.Named("auth")))
		if err != nil {
			return app, fmt.Errorf("failed to initialize token validator: %w", err)
		}
	}

	app.health = health.NewHandler(logger.Named("health").Zap())
	app.health.SetVersion(version)
	app.health.AddCheck(health.RegistryReadyCheck(app.registry))
	app.health.AddCheck(health.RegistryFreshnessCheck(app.registry))

	limiter, err := app.initLimiter(ctx)
	if err != nil {
		return app, err
	}
	responseCache, err := app.initCache(ctx)
	if err != nil {
		return app, err
	}

	app.forwarder = proxy.NewForwarder(cfg.Proxy, proxy.WithLogger(logger.Named("proxy")))
	app.closers = append(app.closers, closerFunc(func() error {
		app.forwarder.CloseIdleConnections()
		return nil
	}))

	components := gateway.Components{
		Router:    rt,
		Registry:  app.registry,
		Breakers:  app.breakers,
		Limiter:   limiter,
		Cache:     responseCache,
		Forwarder: app.forwarder,
		Metrics:   app.metrics,
		Logger:    logger,
	}
	if validator != nil {
		components.Validator = validator
	}

	app.gateway, err = gateway.New(cfg, components)
	if err != nil {
		return app, err
	}

	engineOpts := server.EngineOptions{
		Logger:      logger.Named("http").Zap(),
		ServiceName: cfg.Tracing.ServiceName,
	}
	gatewayEngine := server.NewGatewayEngine(app.gateway, engineOpts)

	var adminHandler http.Handler
	if cfg.Admin.IsEnabled() {
		auditLogger, err := app.initAudit()
		if err != nil {
			return app, err
		}
		adminHandler = server.NewAdminEngine(server.Admin{
			Health:   app.health,
			Metrics:  app.metrics,
			Router:   rt,
			Registry: app.registry,
			Breakers: app.breakers,
			Cache:    responseCache,
			Audit:    auditLogger,
			Logger:   logger.Named("admin"),
		}, engineOpts)
	}

	srvCfg := server.Config{
		Gateway: server.ListenerConfig{
			Name:         "gateway",
			Address:      cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
			WriteTimeout: cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
		},
		Admin: server.ListenerConfig{
			Name:         "admin",
			Address:      cfg.Admin.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
			WriteTimeout: cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		DrainDelay:      drainDelay,
	}
	if t := cfg.Server.TLS; t != nil {
		srvCfg.Gateway.TLS, err = server.LoadTLSConfig(t.CertFile, t.KeyFile, t.MinVersion)
		if err != nil {
			return app, fmt.Errorf("failed to load gateway TLS: %w", err)
		}
	}
	app.server = server.New(srvCfg, gatewayEngine, adminHandler, app.health, logger)

	return app, nil
}

func (app *application) initRegistry(rt *router.Router) error {
	rc := app.config.Registry

	source, err := registry.NewSource(rc, app.logger.Named("registry"))
	if err != nil {
		return fmt.Errorf("failed to create registry source: %w", err)
	}
	if c, ok := source.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	app.registry = registry.NewClient(source, registry.Options{
		Services:        rt.Services(),
		RefreshInterval: rc.RefreshInterval.Duration(),
		StalenessBound:  rc.StalenessBound.Duration(),
		HeartbeatTTL:    rc.HeartbeatTTL.Duration(),
		Logger:          app.logger.Named("registry"),
		Metrics:         app.metrics,
	})
	return nil
}

// initLimiter returns nil when rate limiting is disabled.
func (app *application) initLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	rl := app.config.RateLimit
	if !rl.Enabled {
		return nil, nil
	}

	logger := app.logger.Named("ratelimit").Zap()
	local := ratelimit.NewLocalLimiter(rl.IdleTTL.Duration(), logger)

	if rl.Redis == nil {
		app.closers = append(app.closers, local)
		return local, nil
	}

	client := app.redisClient(ctx, "ratelimit", *rl.Redis)
	shared := ratelimit.NewSharedLimiter(client, rl.Redis.KeyPrefix, rl.Guard, local, logger,
		ratelimit.WithDegradedHook(app.metrics.SetRateLimitDegraded),
	)
	app.closers = append(app.closers, shared)

	app.health.AddCheck(health.DegradedCheck("ratelimit_store", health.DependencyTypeRateLimiter,
		shared.Degraded, "shared store unavailable, enforcing per-replica limits"))
	app.health.AddCheck(health.RedisHealthCheck("ratelimit_redis", client, health.WithCritical(false)))

	return shared, nil
}

// initCache returns nil when response caching is disabled.
func (app *application) initCache(ctx context.Context) (cache.Cache, error) {
	cc := app.config.Cache
	if !cc.Enabled {
		return nil, nil
	}

	var client goredis.UniversalClient
	if cc.Backend == config.CacheBackendRedis && cc.Redis != nil {
		rc := app.redisClient(ctx, "cache", *cc.Redis)
		client = rc
		app.health.AddCheck(health.RedisHealthCheck("cache_redis", rc, health.WithCritical(false)))
	}

	c, err := cache.New(cc, client, app.logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	app.closers = append(app.closers, c)
	return c, nil
}

// redisClient builds a client and waits briefly for the server. A failed
// connection is not fatal.
func (app *application) redisClient(ctx context.Context, name string, cfg config.RedisConfig) *goredis.Client {
	client := store.NewRedisClient(cfg)
	app.closers = append(app.closers, client)

	logger := app.logger.Named(name).Zap()
	if err := store.Connect(ctx, client, store.DefaultConnectRetries, logger); err != nil {
		app.logger.Warn("redis unavailable at startup, continuing degraded",
			observability.String("store", name),
			observability.String("address", cfg.Address),
			observability.Error(err),
		)
	}
	return client
}

// run serves until ctx is canceled and then releases every component.
func (app *application) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.registry.Run(runCtx)
	}()

	err := app.server.Run(runCtx)

	cancel()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.Server.ShutdownTimeout.Duration())
	defer cancel()
	if tErr := app.tracer.Shutdown(shutdownCtx); tErr != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(tErr))
	}

	return errors.Join(err, app.closeAll())
}

func (app *application) closeAll() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

// initAudit opens the audit output for admin operations. An empty output
// disables auditing.
func (app *application) initAudit() (audit.Logger, error) {
	output := app.config.Admin.AuditOutput
	if output == "" {
		return audit.NopLogger(), nil
	}

	l, err := audit.NewLogger(output,
		audit.WithLogger(app.logger.Named("audit")),
		audit.WithMetrics(audit.NewMetrics(app.config.Metrics.Namespace, nil)),
	)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, l)
	return l, nil
}
