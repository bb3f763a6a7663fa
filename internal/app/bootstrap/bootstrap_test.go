package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/splax/devport/internal/provision"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/repository/memory"
	"github.com/splax/devport/pkg/config"
)

type idleProvisioner struct{}

func (idleProvisioner) Launch(context.Context, map[string]string) (provision.Handle, error) {
	return provision.Handle{TaskID: "task-1"}, nil
}

func (idleProvisioner) Describe(context.Context, string) (provision.TaskStatus, error) {
	return provision.TaskStatus{Phase: provision.PhaseRunning}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenRedisAndQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer client.Close()

	q, err := NewQueue(client, config.QueueConfig{Name: "deployments", Prefix: "test:queue", LeaseDuration: 30 * time.Second}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if q.LeaseDuration() != 30*time.Second {
		t.Fatalf("expected configured lease, got %s", q.LeaseDuration())
	}
}

func TestOpenRedisFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(context.Background(), config.RedisConfig{Addr: addr}); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewProvisionerRejectsUnknownKind(t *testing.T) {
	_, closer, err := NewProvisioner(context.Background(), config.ProvisionerConfig{Kind: "nomad"}, testLogger())
	if err == nil {
		t.Fatal("expected error for unknown provisioner")
	}
	if closer == nil || closer() != nil {
		t.Fatal("expected a no-op closer")
	}
}

func TestNewProvisionerECSRequiresCluster(t *testing.T) {
	if _, _, err := NewProvisioner(context.Background(), config.ProvisionerConfig{Kind: "ecs", AWSRegion: "ap-south-1"}, testLogger()); err == nil {
		t.Fatal("expected error when ecs settings are missing")
	}
}

func TestNewWorkerPool(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer client.Close()
	q, err := NewQueue(client, config.QueueConfig{}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	r, err := relay.New(client, nil, relay.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	deps := WorkerPoolDeps{Deployments: memory.New(), Queue: q, Relay: r, Logger: testLogger()}
	if _, err := NewWorkerPool(config.WorkerConfig{Concurrency: 2}, deps); err == nil {
		t.Fatal("expected error without provisioner")
	}
	deps.Provisioner = idleProvisioner{}
	if _, err := NewWorkerPool(config.WorkerConfig{Concurrency: 2}, deps); err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
}
