package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const leaseExpiredReason = "lease expired"

// Reclaim summarises one reaper pass.
type Reclaim struct {
	Requeued int
	// Parked holds jobs whose expired lease used up their last attempt.
	Parked []FailedJob
}

// Total is the number of leases the pass took back.
func (r Reclaim) Total() int {
	return r.Requeued + len(r.Parked)
}

// ParkedFunc is told about every job the reaper moves to the failed list.
type ParkedFunc func(ctx context.Context, job FailedJob)

// ReclaimExpired hands back every job whose lease lapsed, counting an attempt for each.
func (q *Queue) ReclaimExpired(ctx context.Context) (Reclaim, error) {
	var res Reclaim
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.keys.leases, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return res, fmt.Errorf("queue: scan leases: %w", err)
	}
	for _, id := range ids {
		// ZREM decides the race against the owner renewing or acking.
		removed, err := q.client.ZRem(ctx, q.keys.leases, id).Result()
		if err != nil {
			return res, fmt.Errorf("queue: claim lease %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			q.logger.Warn("load expired job failed", "job_id", id, "error", err)
		}
		outcome, err := q.fail(ctx, id, job.Job.DeploymentID, leaseExpiredReason, false)
		if err != nil {
			q.logger.Warn("reclaim expired lease failed", "job_id", id, "error", err)
			continue
		}
		q.observer.LeaseReclaimed()
		q.publish(ctx, Event{Type: EventReclaimed, JobID: id, DeploymentID: job.Job.DeploymentID, Error: leaseExpiredReason})
		q.logger.Warn("lease expired", "job_id", id, "deployment_id", job.Job.DeploymentID, "outcome", outcome)
		if outcome == OutcomeFailed {
			job.LastError = leaseExpiredReason
			job.FailedAt = q.now().UTC()
			res.Parked = append(res.Parked, job)
			continue
		}
		res.Requeued++
	}
	return res, nil
}

// RunReaper calls ReclaimExpired every interval until ctx ends. onParked, when set,
// receives each job a pass moved to the failed list.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration, onParked ParkedFunc) error {
	if interval <= 0 {
		interval = q.lease / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("lease reaper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("lease reaper stopped")
			return nil
		case <-ticker.C:
			res, err := q.ReclaimExpired(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("lease reaper pass failed", "error", err)
			}
			if onParked == nil {
				continue
			}
			for _, job := range res.Parked {
				onParked(ctx, job)
			}
		}
	}
}
