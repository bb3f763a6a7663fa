package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) DeploymentStarted()                                        {}
func (n *NoopSink) DeploymentFinished(outcome string, duration time.Duration) {}
func (n *NoopSink) InFlightIncr()                                             {}
func (n *NoopSink) InFlightDecr()                                             {}
func (n *NoopSink) TaskPolled(phase string)                                   {}
func (n *NoopSink) JobEnqueued()                                              {}
func (n *NoopSink) JobCompleted()                                             {}
func (n *NoopSink) JobRetried()                                               {}
func (n *NoopSink) JobFailed()                                                {}
func (n *NoopSink) LeaseReclaimed()                                           {}
func (n *NoopSink) StaleDeploymentsFailed(count int)                          {}
