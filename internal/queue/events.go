package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const watchBuffer = 64

// Event types published on the queue events channel.
const (
	EventEnqueued  = "enqueued"
	EventActive    = "active"
	EventCompleted = "completed"
	EventRetrying  = "retrying"
	EventFailed    = "failed"
	EventReleased  = "released"
	EventReclaimed = "reclaimed"
)

// Event is the JSON notification published for job state changes.
type Event struct {
	Type         string    `json:"event"`
	JobID        string    `json:"jobId"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Watch subscribes to job events. The channel closes once ctx ends or the
// subscription drops.
func (q *Queue) Watch(ctx context.Context) (<-chan Event, error) {
	sub := q.client.Subscribe(ctx, q.keys.events)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("queue: watch events: %w", err)
	}
	out := make(chan Event, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Debug("skipping undecodable queue event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.client.Publish(ctx, q.keys.events, payload).Err(); err != nil {
		q.logger.Debug("publish queue event failed", "event", ev.Type, "job_id", ev.JobID, "error", err)
	}
}
