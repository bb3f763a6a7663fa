// Package bootstrap assembles the long-lived collaborators shared by the api and worker
// binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/artifact"
	"github.com/splax/devport/internal/metrics"
	"github.com/splax/devport/internal/provision"
	"github.com/splax/devport/internal/provision/docker"
	"github.com/splax/devport/internal/provision/ecs"
	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/repository"
	"github.com/splax/devport/internal/task"
	"github.com/splax/devport/internal/worker"
	"github.com/splax/devport/pkg/config"
)

const pingTimeout = 3 * time.Second

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewQueue builds the deployment queue from config.
func NewQueue(client redis.UniversalClient, cfg config.QueueConfig, observer queue.Observer, logger *slog.Logger) (*queue.Queue, error) {
	return queue.New(client, queue.Options{
		Name:          cfg.Name,
		Prefix:        cfg.Prefix,
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		Observer:      observer,
		Logger:        logger,
	})
}

// NewProvisioner selects the build unit backend named by cfg.Kind. The returned closer
// releases backend connections and is never nil.
func NewProvisioner(ctx context.Context, cfg config.ProvisionerConfig, logger *slog.Logger) (provision.Provisioner, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "ecs":
		p, err := ecs.NewFromConfig(cfg)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using ecs provisioner", "cluster", cfg.ECSCluster, "task_definition", cfg.ECSTaskDefinition)
		return p, noop, nil
	case "docker", "":
		client, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, noop, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		if err := client.EnsureImage(ctx, cfg.BuilderImage); err != nil {
			logger.Warn("builder image not available yet", "image", cfg.BuilderImage, "error", err)
		}
		p, err := docker.NewProvisioner(client, docker.Settings{
			Image:    cfg.BuilderImage,
			Network:  cfg.DockerNetwork,
			ExtraEnv: cfg.BuilderEnv,
		})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		logger.Info("using docker provisioner", "image", cfg.BuilderImage)
		return p, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown provisioner %q", cfg.Kind)
	}
}

// WorkerPoolDeps are the collaborators NewWorkerPool does not build itself.
type WorkerPoolDeps struct {
	Deployments repository.DeploymentRepository
	Queue       *queue.Queue
	Relay       *relay.Relay
	Provisioner provision.Provisioner
	Metrics     metrics.Sink
	Logger      *slog.Logger
}

// NewWorkerPool wires runner, watcher, artifact store and worker into a pool.
func NewWorkerPool(cfg config.WorkerConfig, deps WorkerPoolDeps) (*worker.Pool, error) {
	if deps.Provisioner == nil {
		return nil, errors.New("bootstrap: provisioner is required")
	}
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	watcher := task.NewWatcher(deps.Provisioner, task.WatcherConfig{
		Interval:          cfg.PollInterval,
		MaxWait:           cfg.MaxWait,
		MaxBackoff:        cfg.MaxBackoff,
		MaxLookupFailures: cfg.MaxLookupFailures,
	}, sink, deps.Logger)

	workerDeps := worker.Deps{
		Deployments: deps.Deployments,
		Runner:      task.NewRunner(deps.Provisioner),
		Watcher:     watcher,
		Relay:       deps.Relay,
		Metrics:     sink,
		Logger:      deps.Logger,
	}
	store, err := artifact.NewFromConfig(cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if store != nil {
		workerDeps.Artifacts = store
	}
	w, err := worker.New(workerDeps)
	if err != nil {
		return nil, err
	}
	return worker.NewPool(deps.Queue, w, worker.PoolConfig{
		Concurrency:  cfg.Concurrency,
		ReapInterval: cfg.Queue.ReapInterval,
	}, deps.Logger)
}
