package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/devport/internal/app/bootstrap"
	"github.com/splax/devport/internal/app/migrate"
	httpx "github.com/splax/devport/internal/http"
	"github.com/splax/devport/internal/metrics"
	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/reconcile"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/repository/postgres"
	"github.com/splax/devport/internal/service/deploy"
	"github.com/splax/devport/internal/ws"
	"github.com/splax/devport/pkg/config"
	"github.com/splax/devport/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

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

	redisClient, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log)
	jobs, err := bootstrap.NewQueue(redisClient, cfg.Queue, sink, log)
	if err != nil {
		log.Error("failed to configure queue", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	logHub := ws.NewHub()
	defer logHub.Close()
	logRelay, err := relay.New(redisClient, logHub, relay.Options{HistoryLimit: cfg.LogHistoryLimit, Logger: log})
	if err != nil {
		log.Error("failed to configure log relay", "error", err)
		os.Exit(1)
	}
	if err := logRelay.Start(ctx); err != nil {
		log.Error("failed to start log relay", "error", err)
		os.Exit(1)
	}

	deploySvc := deploy.New(repo, repo, jobs, log, cfg.BaseDomain)

	reconciler := reconcile.New(repo, repo, logRelay, sink, log, reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		DeploymentTTL: cfg.DeploymentTTL,
	})
	go reconciler.Run(ctx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if !cfg.EmbedWorker {
			return
		}
		if err := runEmbeddedWorker(ctx, repo, jobs, logRelay, sink, log); err != nil {
			log.Error("embedded worker stopped with error", "error", err)
		}
	}()

	limiter, err := httpx.NewRedisRateLimiter(ctx, redisClient, log)
	if err != nil {
		log.Warn("redis rate limiter unavailable, using in-process limiter", "error", err)
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, deploySvc, logRelay, jobs, limiter, httpx.Options{
		DefaultOwnerID:  cfg.DefaultOwnerID,
		DeployRateLimit: cfg.DeployRateLimit,
		DBHealth:        pool.Ping,
		RedisHealth:     func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "embedded_worker", cfg.EmbedWorker)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-workerDone
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func runEmbeddedWorker(ctx context.Context, repo *postgres.Repository, jobs *queue.Queue, logRelay *relay.Relay, sink metrics.Sink, log *slog.Logger) error {
	wcfg := config.LoadWorkerConfig()
	provisioner, closeProvisioner, err := bootstrap.NewProvisioner(ctx, wcfg.Provisioner, log)
	if err != nil {
		return err
	}
	defer closeProvisioner()
	pool, err := bootstrap.NewWorkerPool(wcfg, bootstrap.WorkerPoolDeps{
		Deployments: repo,
		Queue:       jobs,
		Relay:       logRelay,
		Provisioner: provisioner,
		Metrics:     sink,
		Logger:      log.With("role", "worker"),
	})
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}
