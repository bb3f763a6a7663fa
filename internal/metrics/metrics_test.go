package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/task"
)

var (
	_ Sink              = (*PrometheusSink)(nil)
	_ Sink              = (*NoopSink)(nil)
	_ queue.Observer    = (*PrometheusSink)(nil)
	_ task.PollObserver = (*PrometheusSink)(nil)
)

func TestPrometheusSinkRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)

	sink.DeploymentStarted()
	sink.DeploymentStarted()
	sink.InFlightIncr()
	sink.InFlightIncr()
	sink.InFlightDecr()
	sink.DeploymentFinished(OutcomeReady, 30*time.Second)
	sink.DeploymentFinished(OutcomeFailed, time.Minute)
	sink.DeploymentFinished(OutcomeReleased, time.Second)

	if got := testutil.ToFloat64(sink.deploymentsStarted); got != 2 {
		t.Fatalf("expected 2 started, got %v", got)
	}
	if got := testutil.ToFloat64(sink.deploymentsInFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(sink.deploymentOutcomes.WithLabelValues(OutcomeReady)); got != 1 {
		t.Fatalf("expected 1 ready outcome, got %v", got)
	}
	if got := testutil.ToFloat64(sink.deploymentOutcomes.WithLabelValues(OutcomeReleased)); got != 1 {
		t.Fatalf("expected 1 released outcome, got %v", got)
	}
	if got := testutil.CollectAndCount(sink.deploymentDuration); got != 1 {
		t.Fatalf("expected one duration series, got %d", got)
	}
}

func TestPrometheusSinkQueueAndPolls(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)

	sink.JobEnqueued()
	sink.JobRetried()
	sink.JobRetried()
	sink.LeaseReclaimed()
	sink.TaskPolled("running")
	sink.TaskPolled("running")
	sink.TaskPolled("stopped")
	sink.StaleDeploymentsFailed(3)
	sink.StaleDeploymentsFailed(0)

	if got := testutil.ToFloat64(sink.queueEvents.WithLabelValues("retried")); got != 2 {
		t.Fatalf("expected 2 retried events, got %v", got)
	}
	if got := testutil.ToFloat64(sink.taskPolls.WithLabelValues("running")); got != 2 {
		t.Fatalf("expected 2 running polls, got %v", got)
	}
	if got := testutil.ToFloat64(sink.staleFailed); got != 3 {
		t.Fatalf("expected 3 stale deployments, got %v", got)
	}
}

func TestPrometheusSinkSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusSink(reg, nil)
	second := NewPrometheusSink(reg, nil)

	first.JobEnqueued()
	second.JobEnqueued()

	if got := testutil.ToFloat64(first.queueEvents.WithLabelValues("enqueued")); got != 2 {
		t.Fatalf("expected collectors to be shared, got %v", got)
	}
}

func TestNoopSinkDoesNotPanic(t *testing.T) {
	sink := NewNoopSink()
	sink.DeploymentStarted()
	sink.DeploymentFinished(OutcomeReady, time.Second)
	sink.InFlightIncr()
	sink.InFlightDecr()
	sink.TaskPolled("running")
	sink.JobEnqueued()
	sink.StaleDeploymentsFailed(1)
}
