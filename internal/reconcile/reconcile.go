// Package reconcile fails deployments that stopped making progress.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/metrics"
	"github.com/splax/devport/internal/repository"
)

const (
	defaultInterval  = time.Minute
	reconcileTimeout = 15 * time.Second
)

// Publisher emits the closing log line and status event for a swept deployment.
type Publisher interface {
	Publish(ctx context.Context, slug, text string) error
	PublishStatus(ctx context.Context, slug, deploymentID string, status domain.DeploymentStatus) error
}

// Config tunes the controller.
type Config struct {
	Interval      time.Duration
	DeploymentTTL time.Duration
}

// Controller periodically moves QUEUED and IN_PROGRESS deployments that were not
// updated within DeploymentTTL to FAIL.
type Controller struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	relay       Publisher
	metrics     metrics.Sink
	logger      *slog.Logger

	interval      time.Duration
	deploymentTTL time.Duration

	now func() time.Time
}

// New constructs a controller. It returns nil when no TTL is configured.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, relay Publisher, sink metrics.Sink, logger *slog.Logger, cfg Config) *Controller {
	if deployments == nil || cfg.DeploymentTTL <= 0 {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		projects:      projects,
		deployments:   deployments,
		relay:         relay,
		metrics:       sink,
		logger:        logger.With("component", "reconciler"),
		interval:      interval,
		deploymentTTL: cfg.DeploymentTTL,
		now:           time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconciler started", "interval", c.interval, "deployment_ttl", c.deploymentTTL)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) int {
	timeout := reconcileTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := c.now().Add(-c.deploymentTTL)
	stale, err := c.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx,
		[]domain.DeploymentStatus{domain.StatusQueued, domain.StatusInProgress}, cutoff)
	if err != nil {
		c.logger.Warn("failed to list stale deployments", "error", err)
		return 0
	}
	failed := 0
	for _, dep := range stale {
		if _, err := c.deployments.TransitionDeploymentStatus(ctx, dep.ID, domain.StatusFailed); err != nil {
			if !errors.Is(err, repository.ErrStatusTransitionDenied) {
				c.logger.Warn("failed to time out deployment", "deployment_id", dep.ID, "error", err)
			}
			continue
		}
		failed++
		c.logger.Info("deployment marked failed after timeout", "deployment_id", dep.ID, "project_id", dep.ProjectID, "previous_status", dep.Status)
		c.announce(ctx, dep)
	}
	c.metrics.StaleDeploymentsFailed(failed)
	return failed
}

func (c *Controller) announce(ctx context.Context, dep domain.Deployment) {
	if c.relay == nil || c.projects == nil {
		return
	}
	project, err := c.projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		c.logger.Warn("failed to load project for timed out deployment", "deployment_id", dep.ID, "error", err)
		return
	}
	line := fmt.Sprintf("Deployment failed: no progress for %s", formatDuration(c.deploymentTTL))
	if err := c.relay.Publish(ctx, project.SubDomain, line); err != nil {
		c.logger.Warn("publish timeout line failed", "deployment_id", dep.ID, "error", err)
	}
	if err := c.relay.PublishStatus(ctx, project.SubDomain, dep.ID, domain.StatusFailed); err != nil {
		c.logger.Warn("publish timeout status failed", "deployment_id", dep.ID, "error", err)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
