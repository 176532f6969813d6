package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"domainhunter/internal/availability/cache"
	"domainhunter/internal/availability/checker"
	"domainhunter/internal/availability/handler"
	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
	"domainhunter/internal/availability/rdap"
	"domainhunter/internal/availability/store"
	"domainhunter/internal/platform/config"
	"domainhunter/internal/platform/httpserver"
	"domainhunter/internal/platform/logger"
	httpmetrics "domainhunter/internal/platform/metrics"
	"domainhunter/internal/platform/middleware"
	"domainhunter/internal/platform/postgres"
	platformredis "domainhunter/internal/platform/redis"
)

const warmupTimeout = 10 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Check logic lives in internal/availability.
func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	httpMetrics := httpmetrics.New(reg)

	persistent, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	tiered := cache.New(persistent,
		cache.WithPolicy(cache.Policy{
			AvailableTTL: cfg.Cache.AvailableTTL,
			TakenTTL:     cfg.Cache.TakenTTL,
		}),
		cache.WithNegativeCache(cfg.Cache.NegativeEnabled),
		cache.WithMemoryCapacity(cfg.Cache.MemoryCapacity),
		cache.WithLogger(log),
		cache.WithMetrics(m),
	)

	resolver := rdap.NewResolver(
		rdap.WithBootstrapURL(cfg.RDAP.BootstrapURL),
		rdap.WithFallbackURL(cfg.RDAP.FallbackURL),
		rdap.WithRefreshInterval(cfg.RDAP.BootstrapRefresh),
		rdap.WithResolverLogger(log),
		rdap.WithResolverMetrics(m),
	)
	warmCtx, cancelWarm := context.WithTimeout(ctx, warmupTimeout)
	if err := resolver.Refresh(warmCtx); err != nil {
		log.Warn("bootstrap warm-up failed, falling back until next refresh", "error", err)
	}
	cancelWarm()

	clientOpts := []rdap.ClientOption{rdap.WithLogger(log), rdap.WithMetrics(m)}
	if cfg.RDAP.HostRPS > 0 {
		clientOpts = append(clientOpts, rdap.WithHostRateLimit(cfg.RDAP.HostRPS, cfg.RDAP.HostBurst))
	}
	client, err := rdap.NewClient(resolver, clientOpts...)
	if err != nil {
		return fmt.Errorf("create rdap client: %w", err)
	}

	engine, err := checker.NewEngine(client,
		checker.WithCache(tiered),
		checker.WithDefaults(checker.Options{
			Concurrency:      checker.ClampConcurrency(cfg.Checker.Concurrency),
			UseCache:         true,
			Timeout:          cfg.Checker.Timeout,
			ProgressInterval: cfg.Checker.ProgressInterval,
			ProgressEvery:    cfg.Checker.ProgressEvery,
			Mode:             models.ModeProtocolOnly,
		}),
		checker.WithLogger(log),
		checker.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create check engine: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(chimw.Recoverer)
	r.Use(httpMetrics.Middleware)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.New(engine, tiered, resolver, log, m, handler.WithStreamGauge(httpMetrics)).Register(r)

	srv := httpserver.New(ctx, cfg.Server.Addr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting domainhunter", "addr", cfg.Server.Addr, "cache_backend", cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		log.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runJanitor(gctx, tiered, cfg.Cache.PurgeInterval, log)
		return nil
	})
	return g.Wait()
}

// openStore connects the configured persistent tier. The returned store is nil
// for the memory-only backend.
func openStore(ctx context.Context, cfg config.Config) (cache.Store, func(), error) {
	noop := func() {}

	switch cfg.Cache.Backend {
	case config.BackendSQLite:
		s, err := store.NewSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, closer(s), nil

	case config.BackendPostgres:
		pool, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		s, err := store.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("open postgres cache: %w", err)
		}
		return s, closer(s), nil

	case config.BackendRedis:
		rdb, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		s, err := store.NewRedis(rdb)
		if err != nil {
			return nil, noop, fmt.Errorf("open redis cache: %w", err)
		}
		return s, closer(s), nil

	default:
		return nil, noop, nil
	}
}

func closer(c store.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("cache store close failed", "error", err)
		}
	}
}

// runJanitor purges expired cache entries until ctx is done.
func runJanitor(ctx context.Context, tiered *cache.Tiered, every time.Duration, log *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tiered.PurgeExpired(ctx)
			if err != nil {
				log.Warn("cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expired cache entries purged", "count", n)
			}
		}
	}
}
