// Command offline-proxy runs the offline-first cache engine as a local
// reverse proxy in front of the health API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/client"
	"github.com/Sternrassler/offline-health-cache/pkg/config"
	"github.com/Sternrassler/offline-health-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/Sternrassler/offline-health-cache/pkg/ratelimit"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
	"github.com/Sternrassler/offline-health-cache/pkg/syncer"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("OFFLINE_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Offline proxy failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, redisClient, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	// Proxies sharing a Redis cache also share the server's rate limit budget.
	var gate syncer.Gate
	if redisClient != nil {
		defer redisClient.Close()
		gate = ratelimit.NewRedisTracker(redisClient, cfg.Storage.RedisPrefix, cfg.RateLimit)
	}

	q, err := openQueue(cfg.Storage.QueuePath, cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	engine, err := newEngine(cfg, store, q, gate)
	if err != nil {
		return err
	}
	defer engine.Close()

	srv, err := newServer(engine, cfg.Upstream.Origin, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		report, err := engine.Precache(gctx)
		if err != nil {
			logger.Warn().Err(err).Int("failed", len(report.Failed)).Msg("Shell precache incomplete")
		}
		return nil
	})

	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync coordinator: %w", err)
		}
		return nil
	})

	if cfg.Probe.URL != "" {
		prober := connectivity.NewProber(engine.Monitor(), &http.Client{}, cfg.Probe)
		g.Go(func() error {
			prober.Run(gctx)
			return nil
		})
	}

	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			sweep(gctx, engine, cfg.SweepInterval, logger)
			return nil
		})
	}

	if cfg.Routes.Watch && cfg.Routes.File != "" {
		watcher, err := config.NewRuleWatcher(cfg.Routes.File, engine.Classifier(), cfg.Routes.Debounce)
		if err != nil {
			return err
		}
		purgeDeniedOnReload(gctx, watcher, engine, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("origin", cfg.Upstream.Origin).
			Str("storage", cfg.Storage.Backend).
			Str("version", cfg.Manifest.Version).
			Msg("Starting offline proxy")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("Shutting down offline proxy")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newEngine(cfg *config.Config, store cache.Store, q *queue.Queue, gate syncer.Gate) (*client.Client, error) {
	table, err := cfg.RuleTable()
	if err != nil {
		return nil, err
	}
	classifier, err := router.NewClassifier(table)
	if err != nil {
		return nil, err
	}

	engineCfg := client.DefaultConfig(store, q, cfg.Upstream.Origin)
	engineCfg.Classifier = classifier
	engineCfg.Monitor = connectivity.NewMonitor(true)
	engineCfg.HTTPClient = &http.Client{Timeout: cfg.Upstream.Timeout}
	engineCfg.Manifest = cfg.Manifest.VersionManifest()
	engineCfg.Limits = cfg.Limits
	engineCfg.ShellURLs = cfg.Shell.URLs
	engineCfg.VaryHeaders = cfg.Upstream.VaryHeaders
	engineCfg.Strategy = cfg.Strategy
	engineCfg.Breaker = cfg.Breaker
	engineCfg.Retry = cfg.Retry
	engineCfg.Sync = cfg.Sync
	engineCfg.Precache = cfg.Shell.Precache
	engineCfg.RateLimit = cfg.RateLimit
	engineCfg.Gate = gate

	return client.New(engineCfg)
}

// openStore opens the configured cache backend. The Redis client is
// returned for the redis backend only.
func openStore(ctx context.Context, cfg config.StorageConfig) (cache.Store, *redis.Client, error) {
	switch cfg.Backend {
	case config.BackendLevelDB:
		store, err := cache.OpenLevelStore(cfg.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		return store, nil, nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return cache.NewRedisStore(redisClient).WithPrefix(cfg.RedisPrefix), redisClient, nil

	default:
		return cache.NewMemoryStore(), nil, nil
	}
}

func openQueue(path string, policy queue.Policy) (*queue.Queue, error) {
	if path == "" {
		return queue.OpenMemory(queue.WithPolicy(policy))
	}
	q, err := queue.Open(path, queue.WithPolicy(policy))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// sweep purges expired entries from the evictable namespaces.
// purgeDeniedOnReload drops cached entries that a reloaded rule table denies.
func purgeDeniedOnReload(ctx context.Context, watcher *config.RuleWatcher, engine *client.Client, logger zerolog.Logger) {
	watcher.OnReload(func(*router.Table) {
		if _, err := engine.PurgeDenied(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to purge entries of denied routes")
		}
	})
}

func sweep(ctx context.Context, engine *client.Client, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := engine.Registry().Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Namespace sweep failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Namespace sweep")
			}
		}
	}
}
