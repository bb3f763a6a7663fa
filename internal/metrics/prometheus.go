package metrics

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devport"

// PrometheusSink implements Sink on top of a Prometheus registerer.
// Registration failures are logged, never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	deploymentsStarted  prometheus.Counter
	deploymentOutcomes  *prometheus.CounterVec
	deploymentDuration  prometheus.Histogram
	deploymentsInFlight prometheus.Gauge

	taskPolls *prometheus.CounterVec

	queueEvents *prometheus.CounterVec

	staleFailed prometheus.Counter
}

// NewPrometheusSink creates and registers the worker collectors on reg.
// Collectors already registered by another sink are reused.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrometheusSink{logger: logger.With("component", "metrics")}
	s.initWorkerMetrics(reg)
	s.initQueueMetrics(reg)
	return s
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.deploymentsStarted = register(reg, s.logger, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "deployments_started_total",
		Help:      "Deployment jobs picked up by a worker slot.",
	}))
	s.deploymentOutcomes = register(reg, s.logger, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "deployment_outcomes_total",
		Help:      "Deployment jobs by final outcome.",
	}, []string{"outcome"}))
	s.deploymentDuration = register(reg, s.logger, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "deployment_duration_seconds",
		Help:      "Wall time from job pickup to terminal status.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2700},
	}))
	s.deploymentsInFlight = register(reg, s.logger, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "deployments_in_flight",
		Help:      "Deployment jobs currently being processed.",
	}))
	s.taskPolls = register(reg, s.logger, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "task_polls_total",
		Help:      "Build unit status polls by observed phase.",
	}, []string{"phase"}))
	s.staleFailed = register(reg, s.logger, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "stale_deployments_failed_total",
		Help:      "Deployments forced to FAIL after exceeding their time to live.",
	}))
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueEvents = register(reg, s.logger, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "job_events_total",
		Help:      "Queue lifecycle events by kind.",
	}, []string{"event"}))
}

// register adds c to reg. When an equal collector exists it is returned instead so
// several sinks can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, logger *slog.Logger, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.Warn("failed to register collector", "error", err)
	}
	return c
}

func (s *PrometheusSink) DeploymentStarted() {
	s.deploymentsStarted.Inc()
}

func (s *PrometheusSink) DeploymentFinished(outcome string, duration time.Duration) {
	s.deploymentOutcomes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeReady || outcome == OutcomeFailed {
		s.deploymentDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) InFlightIncr() {
	s.deploymentsInFlight.Inc()
}

func (s *PrometheusSink) InFlightDecr() {
	s.deploymentsInFlight.Dec()
}

func (s *PrometheusSink) TaskPolled(phase string) {
	s.taskPolls.WithLabelValues(phase).Inc()
}

func (s *PrometheusSink) JobEnqueued()    { s.queueEvents.WithLabelValues("enqueued").Inc() }
func (s *PrometheusSink) JobCompleted()   { s.queueEvents.WithLabelValues("completed").Inc() }
func (s *PrometheusSink) JobRetried()     { s.queueEvents.WithLabelValues("retried").Inc() }
func (s *PrometheusSink) JobFailed()      { s.queueEvents.WithLabelValues("failed").Inc() }
func (s *PrometheusSink) LeaseReclaimed() { s.queueEvents.WithLabelValues("reclaimed").Inc() }

func (s *PrometheusSink) StaleDeploymentsFailed(count int) {
	if count > 0 {
		s.staleFailed.Add(float64(count))
	}
}
