package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/imageforge/internal/app/migrate"
	"github.com/splax/imageforge/internal/artifact"
	"github.com/splax/imageforge/internal/docker"
	httpx "github.com/splax/imageforge/internal/http"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/repository"
	"github.com/splax/imageforge/internal/repository/memory"
	"github.com/splax/imageforge/internal/repository/postgres"
	"github.com/splax/imageforge/internal/service/build"
	"github.com/splax/imageforge/internal/workspace"
	"github.com/splax/imageforge/internal/ws"
	"github.com/splax/imageforge/pkg/config"
	"github.com/splax/imageforge/pkg/events"
	"github.com/splax/imageforge/pkg/logger"
)

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		builds     repository.BuildRepository
		quotaStore quota.Store
		backend    artifact.Backend
		dbHealth   func(context.Context) error
	)
	if cfg.DevMode() {
		log.Warn("DATABASE_URL not set; using in-memory stores")
		builds = memory.NewBuildRepository()
		quotaStore = quota.NewMemoryStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if err := applyMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		repo := postgres.New(pool)
		builds = repo
		quotaStore = repo
		dbHealth = pool.Ping
	}

	if cfg.StorageEndpoint == "" {
		log.Warn("STORAGE_ENDPOINT not set; artifacts are kept in memory")
		backend = artifact.NewMemoryBackend()
	} else {
		minioBackend, err := artifact.NewMinioBackend(artifact.MinioConfig{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			Region:    cfg.StorageRegion,
			UseSSL:    cfg.StorageUseSSL,
		})
		if err != nil {
			log.Error("object storage init failed", "error", err)
			os.Exit(1)
		}
		if err := minioBackend.EnsureBucket(ctx); err != nil {
			log.Error("object storage bucket unavailable", "error", err, "bucket", cfg.StorageBucket)
			os.Exit(1)
		}
		backend = minioBackend
	}

	engine, err := docker.NewEngine(cfg.DockerHost, docker.Credentials{
		Registry: cfg.Registry,
		Username: cfg.RegistryUsername,
		Password: cfg.RegistryPassword,
	}, log)
	if err != nil {
		log.Error("failed to configure docker engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Warn("docker engine not reachable yet", "error", err)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	var sink events.Sink = events.Discard{}
	if cfg.EventsURL != "" {
		emitter, err := events.NewEmitter(cfg.EventsURL, cfg.EventsToken, nil)
		if err != nil {
			log.Error("event emitter init failed", "error", err)
			os.Exit(1)
		}
		sink = emitter
	}

	hub := ws.NewHub(cfg.LogHistoryBytes)
	defer hub.Stop()

	buildSvc := build.New(build.Dependencies{
		Builds:    builds,
		Quota:     quota.NewGatekeeper(quotaStore, log),
		Images:    engine,
		Artifacts: artifact.NewStore(backend, log),
		Logs:      hub,
		Events:    sink,
		Workspace: workspaceManager,
		Metrics:   build.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    log,
	}, build.Config{
		Registry:   cfg.Registry,
		Namespace:  cfg.ImageNamespace,
		GitTimeout: cfg.GitTimeout,
	})

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.New(httpx.Options{
		Logger:    log,
		Builds:    buildSvc,
		Hub:       hub,
		Limiter:   limiter,
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.RateLimitPerMinute,
		DBHealth:  dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr, "dev_mode", cfg.DevMode())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := buildSvc.Shutdown(shutdownCtx); err != nil {
			log.Error("builds did not stop in time", "error", err)
		}
		log.Info("builder server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, log *slog.Logger) error {
	runner, err := migrate.New(pool, dir, log)
	if err != nil {
		return err
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	return runner.Ensure(ctx)
}
