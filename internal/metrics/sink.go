// Package metrics records deployment worker and queue metrics.
package metrics

import "time"

// Sink records worker metrics. Methods are fire-and-forget and must not block.
// A Sink also satisfies queue.Observer and task.PollObserver.
type Sink interface {
	// Worker metrics
	DeploymentStarted()
	DeploymentFinished(outcome string, duration time.Duration)
	InFlightIncr()
	InFlightDecr()

	// Watcher metrics
	TaskPolled(phase string)

	// Queue metrics
	JobEnqueued()
	JobCompleted()
	JobRetried()
	JobFailed()
	LeaseReclaimed()

	// Reconciler metrics
	StaleDeploymentsFailed(count int)
}

// Outcome labels for DeploymentFinished.
const (
	OutcomeReady    = "ready"
	OutcomeFailed   = "failed"
	OutcomeReleased = "released"
	OutcomeSkipped  = "skipped"
	OutcomeRequeued = "requeued"
)
