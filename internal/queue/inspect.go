package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/domain"
)

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Leased    int64 `json:"leased"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// Stats reports list lengths and the completed counter.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		waiting, active, failed *redis.IntCmd
		leased                  *redis.IntCmd
		completed               *redis.StringCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.keys.wait)
		active = pipe.LLen(ctx, q.keys.active)
		leased = pipe.ZCard(ctx, q.keys.leases)
		failed = pipe.LLen(ctx, q.keys.failed)
		completed = pipe.Get(ctx, q.keys.completed)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	done, _ := completed.Int64()
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Leased:    leased.Val(),
		Failed:    failed.Val(),
		Completed: done,
	}, nil
}

// FailedJob describes a job parked after exhausting its attempts.
type FailedJob struct {
	ID        string     `json:"id"`
	Job       domain.Job `json:"job"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError"`
	FailedAt  time.Time  `json:"failedAt"`
}

// ListFailed returns up to limit parked jobs, most recent first.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.keys.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.keys.job(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: load failed jobs: %w", err)
	}
	jobs := make([]FailedJob, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		jobs = append(jobs, failedJobFromFields(id, fields))
	}
	return jobs, nil
}

// loadJob reads a job hash in the same shape ListFailed reports.
func (q *Queue) loadJob(ctx context.Context, id string) (FailedJob, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return FailedJob{ID: id}, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return FailedJob{ID: id}, ErrJobNotFound
	}
	return failedJobFromFields(id, fields), nil
}

func failedJobFromFields(id string, fields map[string]string) FailedJob {
	fj := FailedJob{ID: id, LastError: fields["last_error"]}
	fj.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil {
		fj.FailedAt = time.UnixMilli(ms).UTC()
	}
	_ = json.Unmarshal([]byte(fields["data"]), &fj.Job)
	return fj
}

// RetryFailed moves a parked job back to the wait list with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.keys.failed, q.keys.wait, q.keys.job(id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	if ok == 0 {
		return ErrJobNotFound
	}
	q.publish(ctx, Event{Type: EventEnqueued, JobID: id})
	q.logger.Info("failed job requeued", "job_id", id)
	return nil
}
