package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mediafetch/backend/internal/auth"
	"github.com/mediafetch/backend/internal/bot"
	"github.com/mediafetch/backend/internal/cache"
	"github.com/mediafetch/backend/internal/config"
	"github.com/mediafetch/backend/internal/database"
	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/handlers"
	"github.com/mediafetch/backend/internal/health"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/metrics"
	"github.com/mediafetch/backend/internal/ratelimit"
	"github.com/mediafetch/backend/internal/resolver"
	"github.com/mediafetch/backend/internal/resource"
	"github.com/mediafetch/backend/internal/session"
	"github.com/mediafetch/backend/internal/storage"
	"github.com/mediafetch/backend/internal/tagger"
	"github.com/mediafetch/backend/internal/websocket"
	"github.com/mediafetch/backend/internal/ytdlp"
)

const (
	shutdownTimeout   = 30 * time.Second
	sweepInterval     = time.Minute
	janitorInterval   = 10 * time.Minute
	cleanupInterval   = 5 * time.Minute
	readHeaderTimeout = 10 * time.Second
)

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Default().WithComponent("server")
	m := metrics.Default()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		rdb = client
		log.Info(ctx, "connected to redis")
	}

	var db *database.DB
	if cfg.DatabaseURL != "" {
		conn, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()
		if err := conn.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		db = conn
		log.Info(ctx, "connected to database")
	}

	backend, err := ytdlp.New(&ytdlp.Config{
		YtdlpPath:        cfg.YtdlpPath,
		FFmpegPath:       cfg.FFmpegPath,
		MaxFilesizeBytes: cfg.MaxFileSizeBytes(),
	})
	if err != nil {
		return fmt.Errorf("media backend unavailable: %w", err)
	}

	resolverCfg := resolver.Config{Timeout: cfg.ResolveTimeout, CacheTTL: cfg.ResolveCacheTTL}
	if rdb != nil {
		resolverCfg.Cache = cache.New(rdb, "resolve")
	}
	res := resolver.New(backend, resolverCfg)

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.StorageDriver, err)
	}
	log.Info(ctx, "artifact storage ready", map[string]interface{}{"driver": store.Name()})

	tracker := resource.NewTracker()
	janitor := resource.NewJanitor(cfg.TempDir, cfg.TempMaxAge, tracker)

	var (
		snapshots    download.SnapshotStore = download.NewMemoryStore(download.DefaultRetainPerUser)
		redisStore   *download.RedisStore
		jobHistory   download.History
		botHistory   bot.History
		jobArchive   handlers.JobArchive
		healthConfig = &health.CheckerConfig{
			Redis:        rdb,
			StorageCheck: store.Ping,
			TempDir:      cfg.TempDir,
			Version:      version,
		}
	)
	if rdb != nil {
		redisStore = download.NewRedisStore(rdb, 0)
		snapshots = redisStore
	}
	if db != nil {
		history := database.NewHistory(db)
		jobHistory, botHistory, jobArchive = history, history, history
		healthConfig.DB = db.DB
	}

	orch := download.New(download.Config{
		TempDir:             cfg.TempDir,
		MaxFileSizeBytes:    cfg.MaxFileSizeBytes(),
		DownloadTimeout:     cfg.DownloadTimeout,
		UploadTimeout:       cfg.UploadTimeout,
		UploadRetry:         apperrors.UploadRetryConfig(cfg.UploadRetries),
		ProgressMinStep:     cfg.ProgressMinStep,
		ProgressMinInterval: cfg.ProgressMinInterval,
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
	}, download.Deps{
		Backend:   backend,
		Resolver:  res,
		Deliverer: store,
		Cleaner:   tracker,
		Store:     snapshots,
		History:   jobHistory,
		Tagger:    tagger.New(),
		Metrics:   m,
	})

	var (
		limiter    ratelimit.Limiter
		memLimiter *ratelimit.MemoryLimiter
	)
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.MaxDownloadsPerHour, cfg.RateLimitWindow)
	} else {
		memLimiter = ratelimit.NewMemoryLimiter(cfg.MaxDownloadsPerHour, cfg.RateLimitWindow)
		limiter = memLimiter
	}

	sessions := session.NewStore(cfg.SessionTimeout)
	hub := websocket.NewHub(m)
	authService := auth.NewService(cfg.JWTSecret)

	dispatcher := bot.New(bot.Config{
		Limits: bot.Limits{
			MaxFileSizeMB:  cfg.MaxFileSizeMB,
			MaxDownloads:   cfg.MaxDownloadsPerHour,
			Window:         cfg.RateLimitWindow,
			SessionTimeout: cfg.SessionTimeout,
		},
	}, bot.Deps{
		Limiter:   limiter,
		Sessions:  sessions,
		Resolver:  res,
		Jobs:      orch,
		Transport: hub,
		History:   botHistory,
		Metrics:   m,
	})

	platforms := res.Registry().Platforms()
	names := make([]string, 0, len(platforms))
	for _, p := range platforms {
		names = append(names, string(p))
	}

	routerCfg := handlers.RouterConfig{
		Auth:           authService,
		Events:         dispatcher,
		Jobs:           orch,
		Archive:        jobArchive,
		Limiter:        limiter,
		Platforms:      names,
		MaxFileSizeMB:  cfg.MaxFileSizeMB,
		AllowedOrigins: cfg.AllowedOrigins,
		WebSocket:      http.HandlerFunc(websocket.NewHandler(ctx, hub, authService, dispatcher, cfg.AllowedOrigins).ServeWS),
		Health:         health.NewHandler(health.NewChecker(healthConfig)),
		Metrics:        m,
	}
	if local, ok := store.(*storage.LocalStore); ok {
		routerCfg.Files = local.Handler()
		routerCfg.FilesPath = storage.LocalRoute
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handlers.NewRouter(routerCfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Subscribe before serving so no terminal snapshot is missed
	outcomes := orch.Subscribe("")
	defer outcomes.Close()

	jobFeed := orch.Subscribe("")
	var redisFeed *download.ProgressSubscription
	if redisStore != nil {
		jobFeed.Close()
		if redisFeed, err = redisStore.SubscribeAll(ctx); err != nil {
			return err
		}
		defer redisFeed.Close()
	} else {
		defer jobFeed.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "server starting", map[string]interface{}{"addr": cfg.ServerAddr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WarnErr(shutdownCtx, "http shutdown incomplete", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.WarnErr(shutdownCtx, "jobs still running at shutdown", err)
		}
		return nil
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		dispatcher.Run(gctx, outcomes.C())
		return nil
	})

	g.Go(func() error {
		if redisFeed != nil {
			hub.ForwardJobs(gctx, redisFeed.Channel())
		} else {
			hub.ForwardJobs(gctx, jobFeed.C())
		}
		return nil
	})

	g.Go(func() error {
		sessions.Sweeper(gctx, sweepInterval, func(expired []session.Session) {
			dispatcher.ExpireSessions(gctx, expired)
		})
		return nil
	})

	g.Go(func() error {
		janitor.Run(gctx, janitorInterval)
		return nil
	})

	if memLimiter != nil {
		g.Go(func() error {
			memLimiter.RunCleanup(gctx, cleanupInterval)
			return nil
		})
	}

	return g.Wait()
}
