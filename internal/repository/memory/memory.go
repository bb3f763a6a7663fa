// Package memory provides in-process repositories for tests and single-binary setups.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/repository"
)

// Store keeps projects and deployments in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	projects    map[string]domain.Project
	deployments map[string]domain.Deployment
	now         func() time.Time

	// Transitions records every successful status change, in order.
	Transitions []Transition
}

// Transition is one accepted status change.
type Transition struct {
	DeploymentID string
	From, To     domain.DeploymentStatus
}

var (
	_ repository.ProjectRepository    = (*Store)(nil)
	_ repository.DeploymentRepository = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		projects:    make(map[string]domain.Project),
		deployments: make(map[string]domain.Deployment),
		now:         time.Now,
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) UpsertProject(_ context.Context, project *domain.Project) error {
	if project == nil {
		return errors.New("memory: nil project")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for id, existing := range s.projects {
		if existing.OwnerID == project.OwnerID && existing.SubDomain == project.SubDomain {
			existing.Name = project.Name
			existing.GitURL = project.GitURL
			existing.UpdatedAt = now
			s.projects[id] = existing
			*project = existing
			return nil
		}
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	project.CreatedAt = now
	project.UpdatedAt = now
	s.projects[project.ID] = *project
	return nil
}

func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProjectBySlug(_ context.Context, ownerID, slug string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.OwnerID == ownerID && p.SubDomain == slug {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return errors.New("memory: nil deployment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	if deployment.Status == "" {
		deployment.Status = domain.StatusQueued
	}
	now := s.now().UTC()
	deployment.CreatedAt = now
	deployment.UpdatedAt = now
	s.deployments[deployment.ID] = *deployment
	return nil
}

func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionDeploymentStatus(_ context.Context, deploymentID string, next domain.DeploymentStatus) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(domain.AllowedFrom(next), d.Status) {
		return nil, repository.ErrStatusTransitionDenied
	}
	s.Transitions = append(s.Transitions, Transition{DeploymentID: deploymentID, From: d.Status, To: next})
	d.Status = next
	d.UpdatedAt = s.now().UTC()
	s.deployments[deploymentID] = d
	return &d, nil
}

func (s *Store) ListDeploymentsWithStatusUpdatedBefore(_ context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if slices.Contains(statuses, d.Status) && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// History returns the accepted transitions of one deployment.
func (s *Store) History(deploymentID string) []domain.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeploymentStatus
	for _, t := range s.Transitions {
		if t.DeploymentID == deploymentID {
			out = append(out, t.To)
		}
	}
	return out
}

// Deployments returns a snapshot of every stored deployment.
func (s *Store) Deployments() []domain.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	return out
}
