package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/devport/internal/app/bootstrap"
	"github.com/splax/devport/internal/metrics"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/repository/postgres"
	"github.com/splax/devport/pkg/config"
	"github.com/splax/devport/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

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

	redisClient, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(registry, log)

	jobs, err := bootstrap.NewQueue(redisClient, cfg.Queue, sink, log)
	if err != nil {
		log.Error("failed to configure queue", "error", err)
		os.Exit(1)
	}
	logRelay, err := relay.New(redisClient, nil, relay.Options{HistoryLimit: cfg.LogHistoryLimit, Logger: log})
	if err != nil {
		log.Error("failed to configure log relay", "error", err)
		os.Exit(1)
	}

	provisioner, closeProvisioner, err := bootstrap.NewProvisioner(ctx, cfg.Provisioner, log)
	if err != nil {
		log.Error("failed to configure provisioner", "kind", cfg.Provisioner.Kind, "error", err)
		os.Exit(1)
	}
	defer closeProvisioner()

	workers, err := bootstrap.NewWorkerPool(cfg, bootstrap.WorkerPoolDeps{
		Deployments: postgres.New(pool),
		Queue:       jobs,
		Relay:       logRelay,
		Provisioner: provisioner,
		Metrics:     sink,
		Logger:      log,
	})
	if err != nil {
		log.Error("failed to configure worker pool", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(hctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(hctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("worker metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("worker starting", "concurrency", cfg.Concurrency, "provisioner", cfg.Provisioner.Kind)
	if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker pool stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", "error", err)
	}
	log.Info("worker stopped")
}
