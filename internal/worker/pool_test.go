package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/relay"
	"github.com/splax/devport/internal/repository"
	"github.com/splax/devport/internal/task"
)

type poolSetup struct {
	deployments repository.DeploymentRepository
	queue       queue.Options
	reap        time.Duration
}

type poolOption func(*poolSetup)

func withPoolDeployments(repo repository.DeploymentRepository) poolOption {
	return func(s *poolSetup) { s.deployments = repo }
}

func withQueueLimits(maxAttempts int, lease time.Duration) poolOption {
	return func(s *poolSetup) {
		s.queue.MaxAttempts = maxAttempts
		s.queue.LeaseDuration = lease
	}
}

func withReapInterval(d time.Duration) poolOption {
	return func(s *poolSetup) { s.reap = d }
}

func newPoolHarness(t *testing.T, env *testEnv, opts ...poolOption) (*Pool, *queue.Queue, *relay.Relay) {
	t.Helper()
	setup := poolSetup{
		deployments: env.store,
		queue:       queue.Options{PollInterval: 5 * time.Millisecond, Logger: testLogger()},
		reap:        time.Second,
	}
	for _, opt := range opts {
		opt(&setup)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := queue.New(client, setup.queue)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	r, err := relay.New(client, nil, relay.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	w, err := New(Deps{
		Deployments: setup.deployments,
		Runner:      task.NewRunner(env.provisioner),
		Watcher:     task.NewWatcher(env.provisioner, task.WatcherConfig{Interval: time.Millisecond}, nil, testLogger()),
		Relay:       r,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool, err := NewPool(q, w, PoolConfig{Concurrency: 2, ReapInterval: setup.reap}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool, q, r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolRunsJobToReadyAndAcks(t *testing.T) {
	env := newTestEnv(t)
	pool, q, r := newPoolHarness(t, env)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	if _, err := q.Enqueue(ctx, env.job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Completed == 1
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := env.status(t); got != domain.StatusReady {
		t.Fatalf("expected READY, got %s", got)
	}
	stats, _ := q.Stats(context.Background())
	if stats.Waiting != 0 || stats.Active != 0 || stats.Leased != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
	history, err := r.History(context.Background(), "brave-otter")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) == 0 || !strings.HasPrefix(history[len(history)-1].Log, "Deployment ready") {
		t.Fatalf("expected ready line last in history, got %+v", history)
	}
}

func TestPoolReleasesJobOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.provisioner.block = make(chan struct{})
	pool, q, _ := newPoolHarness(t, env)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	if _, err := q.Enqueue(ctx, env.job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		_, describes := env.provisioner.counts()
		return describes > 0
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Waiting != 1 || stats.Active != 0 || stats.Completed != 0 {
		t.Fatalf("expected job back in wait list, got %+v", stats)
	}
	if got := env.status(t); got != domain.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS to remain, got %s", got)
	}
}

func (e *testEnv) storedStatus() domain.DeploymentStatus {
	dep, err := e.store.GetDeploymentByID(context.Background(), e.job.DeploymentID)
	if err != nil {
		return ""
	}
	return dep.Status
}

func TestPoolFailsRecordWhenAttemptsRunOut(t *testing.T) {
	env := newTestEnv(t)
	repo := &failingRepo{Store: env.store, failNext: domain.StatusReady}
	pool, q, r := newPoolHarness(t, env, withPoolDeployments(repo))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	if _, err := q.Enqueue(ctx, env.job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Failed == 1 && env.storedStatus() == domain.StatusFailed
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if launches, _ := env.provisioner.counts(); launches != 3 {
		t.Fatalf("expected three attempts, got %d launches", launches)
	}
	history, err := r.History(context.Background(), "brave-otter")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	last := history[len(history)-1].Log
	if !strings.HasPrefix(last, "Deployment failed: gave up") || !strings.Contains(last, "connection reset") {
		t.Fatalf("expected abandon line last in history, got %q", last)
	}
}

func TestPoolFailsRecordWhenExpiredLeaseIsParked(t *testing.T) {
	env := newTestEnv(t)
	pool, q, r := newPoolHarness(t, env, withQueueLimits(1, 30*time.Millisecond), withReapInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	// Claim the job and never settle it, as a crashed worker would.
	if _, err := q.Enqueue(ctx, env.job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := q.TryDequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("TryDequeue: %v %v", d, err)
	}
	if _, err := env.store.TransitionDeploymentStatus(ctx, env.job.DeploymentID, domain.StatusInProgress); err != nil {
		t.Fatalf("TransitionDeploymentStatus: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()
	waitFor(t, func() bool {
		return env.storedStatus() == domain.StatusFailed
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Failed != 1 || stats.Waiting != 0 {
		t.Fatalf("expected job parked in failed list, got %+v", stats)
	}
	if launches, _ := env.provisioner.counts(); launches != 0 {
		t.Fatalf("expected no new launch, got %d", launches)
	}
	history, err := r.History(context.Background(), "brave-otter")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) == 0 || !strings.Contains(history[len(history)-1].Log, "lease expired") {
		t.Fatalf("expected lease expiry reason in history, got %+v", history)
	}
}
