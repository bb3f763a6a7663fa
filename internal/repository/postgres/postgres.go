package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

const projectColumns = `id, owner_id, name, git_url, sub_domain, created_at, updated_at`

// UpsertProject inserts a project or updates the existing (owner_id, sub_domain) row.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, owner_id, name, git_url, sub_domain, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (owner_id, sub_domain) DO UPDATE
			SET name = EXCLUDED.name, git_url = EXCLUDED.git_url, updated_at = EXCLUDED.updated_at
		RETURNING ` + projectColumns
	row := r.pool.QueryRow(ctx, query, project.ID, project.OwnerID, project.Name, project.GitURL, project.SubDomain, project.CreatedAt)
	return scanProject(row, project)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	var p domain.Project
	if err := scanProject(r.pool.QueryRow(ctx, query, projectID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectBySlug fetches an owner's project by subdomain.
func (r *Repository) GetProjectBySlug(ctx context.Context, ownerID, slug string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 AND sub_domain = $2`
	var p domain.Project
	if err := scanProject(r.pool.QueryRow(ctx, query, ownerID, slug), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProject(row pgx.Row, p *domain.Project) error {
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.GitURL, &p.SubDomain, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

const deploymentColumns = `id, project_id, status, created_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	var d domain.Deployment
	if err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject fetches deployments for a project, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

// TransitionDeploymentStatus updates the status only when the stored value permits it.
func (r *Repository) TransitionDeploymentStatus(ctx context.Context, deploymentID string, next domain.DeploymentStatus) (*domain.Deployment, error) {
	allowed := domain.AllowedFrom(next)
	if len(allowed) == 0 {
		return nil, repository.ErrStatusTransitionDenied
	}
	from := make([]string, 0, len(allowed))
	for _, status := range allowed {
		from = append(from, string(status))
	}
	const query = `UPDATE deployments
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + deploymentColumns
	var d domain.Deployment
	err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID, string(next), from), &d)
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Zero rows: either the id is unknown or the current status blocks the move.
	if _, lookupErr := r.GetDeploymentByID(ctx, deploymentID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, repository.ErrStatusTransitionDenied
}

// ListDeploymentsWithStatusUpdatedBefore finds deployments in any of statuses last touched before the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, values, updatedBefore)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := scanDeployment(rows, &d); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row, d *domain.Deployment) error {
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	d.Status = domain.DeploymentStatus(status)
	return nil
}
