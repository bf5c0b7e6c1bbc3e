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

	"github.com/nanoscale/nanoscale/internal/app/migrate"
	"github.com/nanoscale/nanoscale/internal/executor"
	httpx "github.com/nanoscale/nanoscale/internal/http"
	"github.com/nanoscale/nanoscale/internal/lease"
	"github.com/nanoscale/nanoscale/internal/repository/postgres"
	"github.com/nanoscale/nanoscale/internal/service/auth"
	clustersvc "github.com/nanoscale/nanoscale/internal/service/cluster"
	"github.com/nanoscale/nanoscale/internal/service/inactivity"
	"github.com/nanoscale/nanoscale/internal/service/jointoken"
	"github.com/nanoscale/nanoscale/internal/service/project"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/internal/service/secrets"
	"github.com/nanoscale/nanoscale/internal/service/webhook"
	"github.com/nanoscale/nanoscale/internal/ws"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/config"
	"github.com/nanoscale/nanoscale/pkg/logger"
)

func main() {
	config.LoadEnv()
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(os.Getenv("NANOSCALE_LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	store, err := secrets.New(cfg.SecretEncryptionKey)
	if err != nil {
		log.Error("secret store unavailable", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool)

	issuer := jointoken.NewIssuer(cfg.JoinTokenTTL, log)
	go issuer.Run(ctx, cfg.JoinTokenSweepEvery)

	clusterSvc := clustersvc.New(repo, issuer, store, log)
	go clusterSvc.RunLiveness(ctx, cfg.LivenessSweepEvery, cfg.LivenessWindow)

	leases, err := newLeaseTable(ctx, cfg, log)
	if err != nil {
		log.Error("redeploy lock backend unavailable", "error", err)
		os.Exit(1)
	}

	exec := executor.NewWorkerExecutor(repo, repo, store, executor.Options{
		Scheme:         cfg.WorkerScheme,
		Port:           cfg.WorkerPort,
		DeployTimeout:  cfg.WorkerDeployTimeout,
		RequestTimeout: cfg.WorkerRequestTimeout,
	}, log)

	hub := ws.NewHub(log)
	coordinator := redeploy.New(leases, exec, repo, repo, hub, log, redeploy.Options{
		Debounce: cfg.RedeployDebounce,
		LeaseTTL: cfg.RedeployLeaseTTL,
	})

	webhookSvc := webhook.New(repo, repo, coordinator, store, webhook.Options{
		GlobalSecret: cfg.GitHubWebhookSecret,
		ClaimTimeout: cfg.DeliveryClaimTimeout,
	}, log)
	projectSvc := project.New(repo, repo, repo, repo, coordinator, exec, store, log)
	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.AccessTokenTTL)

	if cfg.InactivityEnabled {
		monitor := inactivity.New(repo, exec, coordinator, log, cfg.InactivityInterval, cfg.InactivityThreshold)
		go monitor.Run(ctx)
	} else {
		log.Info("inactivity monitor disabled")
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	verifier := cluster.NewVerifier(secrets.NewServerSecrets(repo, store), cfg.SignatureMaxSkew, log)

	router := httpx.NewRouter(log, httpx.Dependencies{
		Auth:     authSvc,
		Tokens:   issuer,
		Cluster:  clusterSvc,
		Projects: projectSvc,
		Webhooks: webhookSvc,
		Hub:      hub,
		Verifier: verifier,
		Limiter:  limiter,
		DBHealth: pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancelDrain()
		if err := coordinator.Shutdown(drainCtx); err != nil {
			log.Warn("redeploys still running at shutdown", "error", err)
		}
		hub.Close()
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// newLeaseTable returns the Redis lease table when configured so replicas
// share project locks, and the process-local table otherwise. A configured
// but unreachable Redis is an error.
func newLeaseTable(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (lease.Table, error) {
	addr := strings.TrimSpace(cfg.RedeployLockRedisAddr)
	if addr == "" {
		log.Info("using in-process redeploy locks")
		return lease.NewMemory(), nil
	}
	table, err := lease.NewRedis(ctx, addr, cfg.RedeployLockRedisPass, cfg.RedeployLockRedisDB, log)
	if err != nil {
		return nil, err
	}
	return table, nil
}
