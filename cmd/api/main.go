package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timomeintjes-cmd/oreus-api/internal/app/migrate"
	"github.com/timomeintjes-cmd/oreus-api/internal/events"
	"github.com/timomeintjes-cmd/oreus-api/internal/filestore"
	httpx "github.com/timomeintjes-cmd/oreus-api/internal/http"
	"github.com/timomeintjes-cmd/oreus-api/internal/ports"
	"github.com/timomeintjes-cmd/oreus-api/internal/registry"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository/postgres"
	"github.com/timomeintjes-cmd/oreus-api/internal/scaffold"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/deploy"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/devserver"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/project"
	"github.com/timomeintjes-cmd/oreus-api/internal/supervisor"
	"github.com/timomeintjes-cmd/oreus-api/internal/ws"
	"github.com/timomeintjes-cmd/oreus-api/pkg/config"
	"github.com/timomeintjes-cmd/oreus-api/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	store, err := filestore.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	allocator, err := ports.NewAllocator(cfg.DevPortRangeStart, cfg.DevPortRangeEnd)
	if err != nil {
		log.Error("invalid dev port range", "error", err)
		os.Exit(1)
	}

	docker, err := registry.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer docker.Close()

	var publisher *events.Publisher
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		publisher, err = events.Connect(url, log)
		if err != nil {
			log.Warn("event publisher unavailable", "error", err)
		} else {
			defer publisher.Close()
		}
	}

	sup := supervisor.New(log, supervisor.Config{
		ReadinessAttempts: cfg.ReadinessAttempts,
		ReadinessInterval: cfg.ReadinessInterval,
		OutputBufferLines: cfg.OutputBufferLines,
	})

	logHub := ws.NewHub()

	devServerSvc := devserver.New(repo, repo, allocator, sup, logHub, publisher, log, devserver.Config{
		StopGraceTimeout: cfg.StopGraceTimeout,
	})

	probe := func(ctx context.Context, url string) error {
		return registry.CheckHealth(ctx, http.DefaultClient, url)
	}
	deploySvc := deploy.New(repo, repo, docker, docker, docker, probe, publisher, log, deploy.Config{
		RegistryURL:        cfg.RegistryURL,
		PushMaxAttempts:    cfg.PushMaxAttempts,
		PushBackoffBase:    cfg.PushBackoffBase,
		VerifyTimeout:      cfg.VerifyTimeout,
		VerifyInterval:     cfg.VerifyInterval,
		DeployStageTimeout: cfg.DeployStageTimeout,
	})

	projectSvc := project.New(repo, repo, store, scaffold.New(cfg.TemplateDir), devServerSvc, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	health := map[string]func(context.Context) error{
		"database": pool.Ping,
		"docker":   docker.Ping,
	}
	if publisher != nil {
		health["nats"] = func(context.Context) error {
			if !publisher.Healthy() {
				return errors.New("nats connection down")
			}
			return nil
		}
	}

	router := httpx.NewRouter(log, projectSvc, devServerSvc, deploySvc, store, logHub, limiter, health)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
