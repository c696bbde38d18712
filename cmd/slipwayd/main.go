package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slipway-sh/slipway/internal/delivery"
	"github.com/slipway-sh/slipway/internal/docker"
	httpx "github.com/slipway-sh/slipway/internal/http"
	"github.com/slipway-sh/slipway/internal/migrate"
	"github.com/slipway-sh/slipway/internal/notify"
	"github.com/slipway-sh/slipway/internal/registry"
	"github.com/slipway-sh/slipway/internal/release"
	"github.com/slipway-sh/slipway/internal/release/dockerlocal"
	"github.com/slipway-sh/slipway/internal/release/kubernetes"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/store/postgres"
	"github.com/slipway-sh/slipway/internal/workspace"
	"github.com/slipway-sh/slipway/internal/ws"
	"github.com/slipway-sh/slipway/pkg/config"
	"github.com/slipway-sh/slipway/pkg/logger"
)

const workspaceMaxAge = 24 * time.Hour

func main() {
	oneshotCommit := flag.String("oneshot", "", "Run the pipeline once for the given commit, then exit")
	oneshotBranch := flag.String("branch", "", "Branch recorded for a oneshot run")
	flag.Parse()

	cfg := config.LoadServerConfig()
	log := logger.New("slipwayd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	if _, err := workspaceManager.Sweep(workspaceMaxAge); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	}

	fetcher, err := source.NewFetcher(cfg.RepoURL)
	if err != nil {
		log.Error("source fetcher init failed", "error", err)
		os.Exit(1)
	}

	authenticator, err := registry.New(cfg.RegistryTokenURL, cfg.RegistryKeyID, cfg.RegistryKeySecret, nil)
	if err != nil {
		log.Error("registry authenticator init failed", "error", err)
		os.Exit(1)
	}

	target, err := releaseTarget(cfg, dockerClient, log)
	if err != nil {
		log.Error("release target init failed", "error", err, "target", cfg.ReleaseTarget)
		os.Exit(1)
	}

	hub := ws.NewHub(log)
	defer hub.Shutdown()

	notifier := notify.New(cfg.NotifyURL, nil)

	deliverySvc, err := delivery.New(delivery.Config{
		Registry:         cfg.Registry,
		ImageRepo:        cfg.ImageRepo,
		DockerfilePath:   cfg.DockerfilePath,
		DescriptorPath:   cfg.DescriptorPath,
		GitTimeout:       cfg.GitTimeout,
		BuildTimeout:     cfg.BuildTimeout,
		PushTimeout:      cfg.PushTimeout,
		StabilityTimeout: cfg.StabilityTimeout,
	}, repo, hub, notifier, workspaceManager, fetcher, dockerClient, authenticator, target, log)
	if err != nil {
		log.Error("delivery service init failed", "error", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*oneshotCommit) != "" {
		runOneshot(ctx, log, deliverySvc, strings.TrimSpace(*oneshotCommit), strings.TrimSpace(*oneshotBranch))
		return
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	checks := map[string]httpx.HealthCheck{
		"database": pool.Ping,
		"docker":   dockerClient.Ping,
	}

	router := httpx.NewRouter(log, repo, deliverySvc, hub, limiter, cfg.OperatorToken, cfg.WebhookSecret, cfg.DeployBranch, checks)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("slipwayd starting", "addr", cfg.Addr, "deploy_branch", cfg.DeployBranch, "release_target", cfg.ReleaseTarget)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("slipwayd stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func releaseTarget(cfg config.ServerConfig, dockerClient *docker.Client, log *slog.Logger) (release.Target, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ReleaseTarget)) {
	case "kubernetes", "":
		return kubernetes.New(cfg.KubeNamespace, log)
	case "docker":
		return dockerlocal.New(dockerClient, log), nil
	default:
		return nil, fmt.Errorf("unknown release target %q", cfg.ReleaseTarget)
	}
}

func runOneshot(ctx context.Context, log *slog.Logger, svc *delivery.Service, commit, branch string) {
	r, err := svc.RunOnce(ctx, delivery.TriggerRequest{
		Commit:      commit,
		Branch:      branch,
		TriggeredBy: "oneshot",
	})
	if err != nil {
		stage := ""
		if r != nil {
			stage = r.Stage
		}
		log.Error("oneshot run failed", "stage", stage, "error", err)
		os.Exit(1)
	}
	log.Info("oneshot run succeeded", "run_id", r.ID, "tag", r.Tag, "image_ref", r.ImageRef)
}
