// Package worker drives deployment jobs from the queue through build and status tracking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/devport/internal/artifact"
	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/metrics"
	"github.com/splax/devport/internal/provision"
	"github.com/splax/devport/internal/repository"
	"github.com/splax/devport/internal/task"
)

const finalizeTimeout = 15 * time.Second

// Launcher starts build units.
type Launcher interface {
	Launch(ctx context.Context, sourceURL, projectSlug string) (provision.Handle, error)
}

// Waiter blocks until a build unit stops.
type Waiter interface {
	Wait(ctx context.Context, handle provision.Handle) (task.Result, error)
}

// Publisher emits log lines and status events for a project slug.
type Publisher interface {
	Publish(ctx context.Context, slug, text string) error
	PublishStatus(ctx context.Context, slug, deploymentID string, status domain.DeploymentStatus) error
}

// ArtifactSummarizer reports what a finished build uploaded.
type ArtifactSummarizer interface {
	Summarize(ctx context.Context, slug string) (artifact.Summary, error)
}

// Disposition tells the pool what to do with the queue delivery after processing.
type Disposition int

const (
	// Ack removes the job from the queue.
	Ack Disposition = iota
	// Release hands the job back without consuming an attempt.
	Release
	// Retry records a failed attempt so the queue redelivers or parks the job.
	Retry
)

// Result summarises one Process call.
type Result struct {
	Status      domain.DeploymentStatus
	Disposition Disposition
	Outcome     string
	Err         error
}

// Deps are the collaborators a Worker needs. Artifacts and Metrics are optional.
type Deps struct {
	Deployments repository.DeploymentRepository
	Runner      Launcher
	Watcher     Waiter
	Relay       Publisher
	Artifacts   ArtifactSummarizer
	Metrics     metrics.Sink
	Logger      *slog.Logger
}

// Worker processes a single deployment job at a time; a Pool runs several.
type Worker struct {
	deployments repository.DeploymentRepository
	runner      Launcher
	watcher     Waiter
	relay       Publisher
	artifacts   ArtifactSummarizer
	metrics     metrics.Sink
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a worker.
func New(deps Deps) (*Worker, error) {
	switch {
	case deps.Deployments == nil:
		return nil, errors.New("worker: deployment repository is required")
	case deps.Runner == nil:
		return nil, errors.New("worker: runner is required")
	case deps.Watcher == nil:
		return nil, errors.New("worker: watcher is required")
	case deps.Relay == nil:
		return nil, errors.New("worker: relay is required")
	}
	w := &Worker{
		deployments: deps.Deployments,
		runner:      deps.Runner,
		watcher:     deps.Watcher,
		relay:       deps.Relay,
		artifacts:   deps.Artifacts,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         time.Now,
	}
	if w.metrics == nil {
		w.metrics = metrics.NewNoopSink()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")
	return w, nil
}

// Process runs one job to a terminal status. Failures anywhere in the pipeline end as a
// FAIL record plus a log line, and the job is acknowledged. A cancelled ctx hands the job
// back to the queue instead.
func (w *Worker) Process(ctx context.Context, job domain.Job) (res Result) {
	start := w.now()
	log := w.logger.With("deployment_id", job.DeploymentID, "project_slug", job.ProjectSlug)
	w.metrics.DeploymentStarted()
	w.metrics.InFlightIncr()
	defer func() {
		if r := recover(); r != nil {
			log.Error("deployment panicked", "panic", r)
			res = w.fail(ctx, job, log, "Deployment failed: internal error")
		}
		w.metrics.InFlightDecr()
		w.metrics.DeploymentFinished(res.Outcome, w.now().Sub(start))
	}()

	if err := job.Validate(); err != nil {
		log.Error("invalid deployment job", "error", err)
		if job.DeploymentID == "" {
			return Result{Disposition: Ack, Outcome: metrics.OutcomeSkipped, Err: err}
		}
		return w.fail(ctx, job, log, "Deployment failed: "+err.Error())
	}

	if _, err := w.deployments.TransitionDeploymentStatus(ctx, job.DeploymentID, domain.StatusInProgress); err != nil {
		switch {
		case ctx.Err() != nil:
			return released(ctx.Err())
		case errors.Is(err, repository.ErrStatusTransitionDenied):
			// A previous delivery already finished this deployment.
			log.Info("deployment already terminal, skipping redelivery")
			return Result{Disposition: Ack, Outcome: metrics.OutcomeSkipped}
		case errors.Is(err, repository.ErrNotFound):
			log.Error("deployment record missing, dropping job")
			return Result{Disposition: Ack, Outcome: metrics.OutcomeSkipped, Err: err}
		default:
			log.Error("mark deployment in progress failed", "error", err)
			return w.fail(ctx, job, log, "Deployment failed: could not update deployment status")
		}
	}
	w.publish(ctx, job, log, fmt.Sprintf("Deployment %s started", job.DeploymentID))
	w.publishStatus(ctx, job, log, domain.StatusInProgress)

	handle, err := w.runner.Launch(ctx, job.SourceURL, job.ProjectSlug)
	if err != nil {
		if ctx.Err() != nil {
			return released(ctx.Err())
		}
		log.Error("build unit launch failed", "error", err)
		return w.fail(ctx, job, log, "Deployment failed: could not start build: "+launchReason(err))
	}
	log = log.With("task_id", handle.TaskID)
	log.Info("build unit launched")
	w.publish(ctx, job, log, "Build started")

	outcome, err := w.watcher.Wait(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrWaitTimeout):
			log.Error("build unit exceeded max wait")
			return w.fail(ctx, job, log, "Deployment failed: build did not finish in time")
		case ctx.Err() != nil:
			log.Warn("shutdown while waiting for build unit, releasing job")
			return released(ctx.Err())
		default:
			log.Error("watching build unit failed", "error", err)
			return w.fail(ctx, job, log, "Deployment failed: lost track of the build")
		}
	}

	if outcome.Status == domain.StatusReady {
		return w.finish(ctx, job, log, domain.StatusReady, w.readyLine(ctx, job, log))
	}
	return w.finish(ctx, job, log, domain.StatusFailed, failureLine(outcome))
}

// Abandon marks the deployment behind a job the queue gave up on as FAIL and tells
// subscribers. Records that already reached a terminal status are left alone.
func (w *Worker) Abandon(ctx context.Context, job domain.Job, reason string) error {
	if job.DeploymentID == "" {
		return nil
	}
	log := w.logger.With("deployment_id", job.DeploymentID, "project_slug", job.ProjectSlug)
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := w.deployments.TransitionDeploymentStatus(finalCtx, job.DeploymentID, domain.StatusFailed); err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusTransitionDenied):
			log.Info("abandoned deployment already terminal")
			return nil
		case errors.Is(err, repository.ErrNotFound):
			log.Warn("abandoned deployment record missing")
			return nil
		default:
			log.Error("mark abandoned deployment failed", "error", err)
			return fmt.Errorf("worker: abandon %s: %w", job.DeploymentID, err)
		}
	}
	line := "Deployment failed: gave up after repeated attempts"
	if reason != "" {
		line += ": " + reason
	}
	w.publish(finalCtx, job, log, line)
	w.publishStatus(finalCtx, job, log, domain.StatusFailed)
	log.Warn("deployment abandoned", "reason", reason)
	return nil
}

func (w *Worker) fail(ctx context.Context, job domain.Job, log *slog.Logger, line string) Result {
	if job.DeploymentID == "" {
		return Result{Disposition: Ack, Outcome: metrics.OutcomeSkipped}
	}
	return w.finish(ctx, job, log, domain.StatusFailed, line)
}

// finish writes the terminal status and emits the closing log line. It runs on a context
// detached from shutdown so a completed build is not lost.
func (w *Worker) finish(ctx context.Context, job domain.Job, log *slog.Logger, status domain.DeploymentStatus, line string) Result {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	outcome := metrics.OutcomeReady
	if status == domain.StatusFailed {
		outcome = metrics.OutcomeFailed
	}
	if _, err := w.deployments.TransitionDeploymentStatus(finalCtx, job.DeploymentID, status); err != nil {
		if errors.Is(err, repository.ErrStatusTransitionDenied) {
			log.Warn("deployment already terminal, keeping stored status", "status", status)
			return Result{Status: status, Disposition: Ack, Outcome: metrics.OutcomeSkipped}
		}
		log.Error("store terminal status failed", "status", status, "error", err)
		return Result{Status: status, Disposition: Retry, Outcome: metrics.OutcomeRequeued, Err: err}
	}
	w.publish(finalCtx, job, log, line)
	w.publishStatus(finalCtx, job, log, status)
	log.Info("deployment finished", "status", status)
	return Result{Status: status, Disposition: Ack, Outcome: outcome}
}

func (w *Worker) readyLine(ctx context.Context, job domain.Job, log *slog.Logger) string {
	if w.artifacts == nil {
		return "Deployment ready"
	}
	summary, err := w.artifacts.Summarize(ctx, job.ProjectSlug)
	if err != nil {
		log.Warn("summarize build outputs failed", "error", err)
		return "Deployment ready"
	}
	return fmt.Sprintf("Deployment ready: %d files uploaded", summary.Files)
}

func (w *Worker) publish(ctx context.Context, job domain.Job, log *slog.Logger, line string) {
	if err := w.relay.Publish(ctx, job.ProjectSlug, line); err != nil {
		log.Warn("publish log line failed", "error", err)
	}
}

func (w *Worker) publishStatus(ctx context.Context, job domain.Job, log *slog.Logger, status domain.DeploymentStatus) {
	if err := w.relay.PublishStatus(ctx, job.ProjectSlug, job.DeploymentID, status); err != nil {
		log.Warn("publish status failed", "status", status, "error", err)
	}
}

func released(err error) Result {
	return Result{Disposition: Release, Outcome: metrics.OutcomeReleased, Err: err}
}

func launchReason(err error) string {
	var perr *task.ProvisioningError
	if errors.As(err, &perr) {
		if perr.Err != nil {
			return perr.Reason + ": " + perr.Err.Error()
		}
		return perr.Reason
	}
	return err.Error()
}

func failureLine(res task.Result) string {
	if res.ExitCode == nil {
		if res.Reason != "" {
			return "Build failed: " + res.Reason
		}
		return "Build failed: build unit stopped without an exit code"
	}
	if res.Reason != "" {
		return fmt.Sprintf("Build failed with exit code %d: %s", *res.ExitCode, res.Reason)
	}
	return fmt.Sprintf("Build failed with exit code %d", *res.ExitCode)
}
