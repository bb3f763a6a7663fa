package repository

import (
	"context"
	"time"

	"github.com/splax/devport/internal/domain"
)

// ProjectRepository persists projects keyed by owner and subdomain.
type ProjectRepository interface {
	// UpsertProject inserts the project or refreshes name and git url when
	// (owner, subdomain) already exists. The stored row is written back into project.
	UpsertProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySlug(ctx context.Context, ownerID, slug string) (*domain.Project, error)
}

// DeploymentRepository stores deployment records and guards their lifecycle.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// TransitionDeploymentStatus moves a record to next when its current status allows it.
	// It returns ErrNotFound for unknown ids and ErrStatusTransitionDenied otherwise.
	TransitionDeploymentStatus(ctx context.Context, deploymentID string, next domain.DeploymentStatus) (*domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}
