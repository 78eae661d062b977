// Command controlplane is the composition root for the sandbox
// orchestration control plane: it wires config, storage, the selected
// backend adapter, scheduler, dispatch engine, reconciler, and the public
// REST surface, then serves until an OS signal asks it to stop.
//
// Grounded on api/cmd/main.go's shape: build every collaborator up front,
// start background loops as goroutines, run the HTTP server in its own
// goroutine, and shut everything down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandboxctl/control-plane/internal/api"
	"github.com/sandboxctl/control-plane/internal/api/handlers"
	"github.com/sandboxctl/control-plane/internal/api/middleware"
	"github.com/sandboxctl/control-plane/internal/auth"
	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/backend/clusteradapter"
	"github.com/sandboxctl/control-plane/internal/backend/dockeradapter"
	"github.com/sandboxctl/control-plane/internal/cache"
	"github.com/sandboxctl/control-plane/internal/config"
	"github.com/sandboxctl/control-plane/internal/dispatch"
	"github.com/sandboxctl/control-plane/internal/events"
	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/reconcile"
	"github.com/sandboxctl/control-plane/internal/reconcile/leaderelection"
	"github.com/sandboxctl/control-plane/internal/scheduler"
	"github.com/sandboxctl/control-plane/internal/store"
	"github.com/sandboxctl/control-plane/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "controlplane: config error:", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{Endpoint: cfg.OTLPEndpoint, ServiceName: "sandboxctl-control-plane"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	if cfg.TemplateSeedPath != "" {
		data, err := os.ReadFile(cfg.TemplateSeedPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.TemplateSeedPath).Msg("failed to read template seed file")
		}
		n, err := st.Templates.SeedTemplatesFromYAML(ctx, data)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.TemplateSeedPath).Msg("failed to seed templates")
		}
		log.Info().Int("count", n).Str("path", cfg.TemplateSeedPath).Msg("seeded templates from yaml")
	}

	var port backend.Port
	switch cfg.Backend {
	case config.BackendLocal:
		port, err = dockeradapter.New(ctx, cfg.DockerHost, cfg.DockerNetwork)
	case config.BackendCluster:
		port, err = clusteradapter.New(cfg.ClusterNamespace)
	default:
		err = fmt.Errorf("unsupported CONTAINER_BACKEND %q", cfg.Backend)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build backend adapter")
	}

	tokenValidator, err := auth.NewTokenValidator(cfg.InternalAPIToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build internal token validator")
	}
	internalToken := func(string) string { return cfg.InternalAPIToken }

	activityRedis, err := cache.New(cache.Config{URL: cfg.RedisURL, Enabled: cfg.RedisURL != ""})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build activity cache")
	}
	defer activityRedis.Close()
	activityCache := cache.NewActivityCache(activityRedis)

	eventBus := events.Connect(events.Config{URL: cfg.NATSURL})

	resolver := dispatch.NewPortResolver(st.Sessions, port, cfg.ExecutorPort)
	engine := dispatch.New(st, resolver, internalToken)
	engine.SetActivityCache(activityCache)
	engine.SetEventBus(eventBus)

	sched := scheduler.New(port, engine, cfg.WorkspacePath, cfg.ControlPlaneURL, 60*time.Second, internalToken)

	var elector reconcile.Elector
	if cfg.ReconcilerLeaderBackend == config.LeaderBackendRedis {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse REDIS_URL for leader election")
		}
		leCfg := leaderelection.DefaultConfig("sandboxctl-reaper", leaderelection.BackendRedis)
		leCfg.RedisClient = redis.NewClient(redisOpts)
		el, err := leaderelection.New(leCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build redis leader elector")
		}
		elector = el
		go func() {
			if err := el.Run(ctx, nil, nil); err != nil {
				log.Error().Err(err).Msg("leader election stopped")
			}
		}()
	} else {
		leCfg := leaderelection.DefaultConfig("sandboxctl-reaper", leaderelection.BackendFile)
		if cfg.ReconcilerLockPath != "" {
			leCfg.LockFilePath = cfg.ReconcilerLockPath
		}
		el, err := leaderelection.New(leCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build file leader elector")
		}
		elector = el
		go func() {
			if err := el.Run(ctx, nil, nil); err != nil {
				log.Error().Err(err).Msg("leader election stopped")
			}
		}()
	}

	reconciler := reconcile.New(st, port, elector, reconcile.Config{
		IdleThreshold:    cfg.IdleThreshold,
		IdleDisabled:     cfg.IdleThresholdUnset,
		MaxLifetime:      cfg.MaxLifetime,
		LifetimeDisabled: cfg.MaxLifetimeUnset,
		ReapInterval:     cfg.CleanupInterval,
	})
	reconciler.SetActivityCache(activityCache)
	reconciler.SetEventBus(eventBus)

	log.Info().Msg("running startup state-sync")
	if err := reconciler.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("startup state-sync failed, continuing to serve traffic")
	}
	go func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("reaper loop stopped")
		}
	}()

	h := handlers.New(st, port, sched, engine, reconciler, cfg)
	rateLimiter := middleware.NewRateLimiter(20, 40)
	router := api.NewRouter(h, tokenValidator, rateLimiter)

	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful http shutdown failed")
	}
	log.Info().Msg("control plane stopped")
}
