// Package queue is a Redis backed durable work queue for deployment jobs.
// Jobs are consumed at least once: a claimed job holds a lease that the consumer
// renews while working, and leases that lapse are handed back to the wait list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/devport/internal/domain"
)

const (
	defaultName          = "deployments"
	defaultPrefix        = "devport:queue"
	defaultMaxAttempts   = 3
	defaultLeaseDuration = time.Minute
	defaultPollInterval  = time.Second
)

// Job states stored in the job hash.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateFailed  = "failed"
)

var (
	// ErrJobNotFound indicates the job hash no longer exists.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLeaseLost indicates the lease lapsed and the job was reclaimed by the reaper.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// Observer receives queue lifecycle notifications. Implementations must not block.
type Observer interface {
	JobEnqueued()
	JobCompleted()
	JobRetried()
	JobFailed()
	LeaseReclaimed()
}

type noopObserver struct{}

func (noopObserver) JobEnqueued()    {}
func (noopObserver) JobCompleted()   {}
func (noopObserver) JobRetried()     {}
func (noopObserver) JobFailed()      {}
func (noopObserver) LeaseReclaimed() {}

// Options configures a Queue. Zero values fall back to defaults.
type Options struct {
	Name          string
	Prefix        string
	MaxAttempts   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	Observer      Observer
	Logger        *slog.Logger
}

// Delivery is a claimed job handed to a consumer.
type Delivery struct {
	ID          string
	Job         domain.Job
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// FinalAttempt reports whether a failure of this delivery parks the job.
func (d *Delivery) FinalAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

type keys struct {
	wait      string
	active    string
	leases    string
	failed    string
	completed string
	events    string
	jobPrefix string
}

func newKeys(prefix, name string) keys {
	base := prefix + ":" + name
	return keys{
		wait:      base + ":wait",
		active:    base + ":active",
		leases:    base + ":leases",
		failed:    base + ":failed",
		completed: base + ":completed",
		events:    base + ":events",
		jobPrefix: base + ":job:",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}

// Queue implements enqueue, claim, acknowledge and retry over Redis lists.
type Queue struct {
	client      redis.UniversalClient
	keys        keys
	maxAttempts int
	lease       time.Duration
	poll        time.Duration
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a queue on top of an existing Redis client.
func New(client redis.UniversalClient, opts Options) (*Queue, error) {
	if client == nil {
		return nil, errors.New("queue: nil redis client")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultName
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	q := &Queue{
		client:      client,
		keys:        newKeys(prefix, name),
		maxAttempts: opts.MaxAttempts,
		lease:       opts.LeaseDuration,
		poll:        opts.PollInterval,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.lease <= 0 {
		q.lease = defaultLeaseDuration
	}
	if q.poll <= 0 {
		q.poll = defaultPollInterval
	}
	if q.observer == nil {
		q.observer = noopObserver{}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue", "queue", name)
	return q, nil
}

// LeaseDuration reports how long a claim is held without renewal.
func (q *Queue) LeaseDuration() time.Duration {
	return q.lease
}

// Enqueue persists the job and appends it to the wait list. It returns the job id.
func (q *Queue) Enqueue(ctx context.Context, job domain.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("queue: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	id := uuid.NewString()
	now := q.now().UTC()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.job(id), map[string]any{
			"data":         string(data),
			"attempts":     0,
			"max_attempts": q.maxAttempts,
			"enqueued_at":  now.UnixMilli(),
			"state":        StateWaiting,
		})
		pipe.LPush(ctx, q.keys.wait, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	q.observer.JobEnqueued()
	q.publish(ctx, Event{Type: EventEnqueued, JobID: id, DeploymentID: job.DeploymentID})
	q.logger.Info("job enqueued", "job_id", id, "deployment_id", job.DeploymentID, "project_slug", job.ProjectSlug)
	return id, nil
}

// Dequeue blocks until a job is claimed or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.TryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryDequeue claims the oldest waiting job, returning nil when the queue is empty.
func (q *Queue) TryDequeue(ctx context.Context) (*Delivery, error) {
	for {
		expiry := q.now().Add(q.lease).UnixMilli()
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.keys.wait, q.keys.active, q.keys.leases},
			q.keys.jobPrefix, expiry,
		).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		d, decodeErr := parseDelivery(res)
		if d == nil {
			return nil, fmt.Errorf("queue: dequeue: %w", decodeErr)
		}
		if decodeErr == nil {
			q.publish(ctx, Event{Type: EventActive, JobID: d.ID, DeploymentID: d.Job.DeploymentID, Attempt: d.Attempt})
			return d, nil
		}
		// A payload we cannot decode will never succeed; park it and keep looking.
		id := d.ID
		q.logger.Error("discarding undecodable job", "job_id", id, "error", decodeErr)
		if _, err := q.fail(ctx, id, "", decodeErr.Error(), true); err != nil {
			return nil, err
		}
	}
}

func parseDelivery(res []any) (*Delivery, error) {
	if len(res) < 5 {
		return nil, fmt.Errorf("unexpected reply of length %d", len(res))
	}
	d := &Delivery{}
	d.ID = toString(res[0])
	d.Attempt = toInt(res[2])
	d.MaxAttempts = toInt(res[3])
	if ms := int64(toInt(res[4])); ms > 0 {
		d.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if err := json.Unmarshal([]byte(toString(res[1])), &d.Job); err != nil {
		return d, fmt.Errorf("decode job payload: %w", err)
	}
	return d, nil
}

// Ack removes a finished job from the queue entirely.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.active, 0, d.ID)
		pipe.LRem(ctx, q.keys.wait, 0, d.ID)
		pipe.ZRem(ctx, q.keys.leases, d.ID)
		pipe.Del(ctx, q.keys.job(d.ID))
		pipe.Incr(ctx, q.keys.completed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", d.ID, err)
	}
	q.observer.JobCompleted()
	q.publish(ctx, Event{Type: EventCompleted, JobID: d.ID, DeploymentID: d.Job.DeploymentID, Attempt: d.Attempt})
	return nil
}

// Outcome describes what Fail did with a job.
type Outcome string

// Fail outcomes.
const (
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
)

// Fail records cause and requeues the job while attempts remain, otherwise parks it
// in the failed list for inspection.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	outcome, err := q.fail(ctx, d.ID, d.Job.DeploymentID, msg, false)
	if err != nil {
		return "", err
	}
	q.logger.Warn("job failed", "job_id", d.ID, "deployment_id", d.Job.DeploymentID, "attempt", d.Attempt, "outcome", outcome, "error", msg)
	return outcome, nil
}

func (q *Queue) fail(ctx context.Context, id, deploymentID, msg string, terminal bool) (Outcome, error) {
	force := "0"
	if terminal {
		force = "1"
	}
	code, err := failScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.leases, q.keys.wait, q.keys.failed, q.keys.job(id)},
		id, msg, q.now().UnixMilli(), force,
	).Int()
	if err != nil {
		return "", fmt.Errorf("queue: fail %s: %w", id, err)
	}
	switch code {
	case 1:
		q.observer.JobRetried()
		q.publish(ctx, Event{Type: EventRetrying, JobID: id, DeploymentID: deploymentID, Error: msg})
		return OutcomeRetrying, nil
	case 0:
		q.observer.JobFailed()
		q.publish(ctx, Event{Type: EventFailed, JobID: id, DeploymentID: deploymentID, Error: msg})
		return OutcomeFailed, nil
	case -2:
		return "", ErrLeaseLost
	default:
		return "", ErrJobNotFound
	}
}

// Release returns a claimed job to the head of the wait list without consuming an attempt.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	code, err := releaseScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.leases, q.keys.wait, q.keys.job(d.ID)},
		d.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: release %s: %w", d.ID, err)
	}
	switch code {
	case 1:
		q.publish(ctx, Event{Type: EventReleased, JobID: d.ID, DeploymentID: d.Job.DeploymentID})
		return nil
	case 0:
		return ErrLeaseLost
	default:
		return ErrJobNotFound
	}
}

// Extend renews the lease on a claimed job.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	expiry := q.now().Add(q.lease).UnixMilli()
	ok, err := extendScript.Run(ctx, q.client, []string{q.keys.leases}, d.ID, expiry).Int()
	if err != nil {
		return fmt.Errorf("queue: extend %s: %w", d.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
