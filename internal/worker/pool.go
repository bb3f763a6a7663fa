package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/devport/internal/queue"
)

const (
	defaultConcurrency = 3
	dequeueErrorDelay  = time.Second
	queueOpTimeout     = 5 * time.Second
)

// Queue is the subset of the job queue a Pool consumes.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (queue.Outcome, error)
	Release(ctx context.Context, d *queue.Delivery) error
	Extend(ctx context.Context, d *queue.Delivery) error
	RunReaper(ctx context.Context, interval time.Duration, onParked queue.ParkedFunc) error
	LeaseDuration() time.Duration
}

// PoolConfig tunes a Pool. Zero values fall back to defaults.
type PoolConfig struct {
	Concurrency  int
	ReapInterval time.Duration
}

// Pool runs Concurrency worker slots against one queue plus the lease reaper.
type Pool struct {
	queue       Queue
	worker      *Worker
	concurrency int
	reap        time.Duration
	heartbeat   time.Duration
	logger      *slog.Logger
}

// NewPool wires a worker to a queue.
func NewPool(q Queue, w *Worker, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if q == nil || w == nil {
		return nil, errors.New("worker: queue and worker are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := q.LeaseDuration() / 3
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Pool{
		queue:       q,
		worker:      w,
		concurrency: cfg.Concurrency,
		reap:        cfg.ReapInterval,
		heartbeat:   heartbeat,
		logger:      logger.With("component", "pool"),
	}, nil
}

// Run blocks until ctx is cancelled and every slot has handed back its job.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.queue.RunReaper(gctx, p.reap, p.abandon)
	})
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.runSlot(gctx, slot)
			return nil
		})
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	log := p.logger.With("slot", slot)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", "error", err)
			if !sleepCtx(ctx, dequeueErrorDelay) {
				return
			}
			continue
		}
		p.handle(ctx, d, log.With("job_id", d.ID, "attempt", d.Attempt))
	}
}

// handle processes one delivery while keeping its lease alive, then settles it.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.keepAlive(hbCtx, d, log)
	}()

	res := p.worker.Process(ctx, d.Job)
	stopHeartbeat()
	<-done

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueOpTimeout)
	defer cancel()
	var err error
	switch res.Disposition {
	case Release:
		err = p.queue.Release(settleCtx, d)
	case Retry:
		var outcome queue.Outcome
		outcome, err = p.queue.Fail(settleCtx, d, res.Err)
		if err != nil {
			break
		}
		if outcome == queue.OutcomeFailed {
			log.Error("job parked after final attempt", "error", res.Err)
			p.abandon(settleCtx, queue.FailedJob{ID: d.ID, Job: d.Job, Attempts: d.Attempt, LastError: errorText(res.Err)})
			break
		}
		log.Warn("job requeued", "outcome", outcome, "error", res.Err)
	default:
		err = p.queue.Ack(settleCtx, d)
	}
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn("lease lost before settling job", "disposition", res.Disposition)
	case err != nil:
		log.Error("settle job failed", "disposition", res.Disposition, "error", err)
	}
}

// abandon fails the deployment behind a job the queue parked. A record that cannot be
// written here is left for the reconciler.
func (p *Pool) abandon(ctx context.Context, job queue.FailedJob) {
	if err := p.worker.Abandon(ctx, job.Job, job.LastError); err != nil {
		p.logger.Error("abandon parked job failed", "job_id", job.ID, "deployment_id", job.Job.DeploymentID, "error", err)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pool) keepAlive(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn("lease lost while processing")
					return
				}
				log.Warn("extend lease failed", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
