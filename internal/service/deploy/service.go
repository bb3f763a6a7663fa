// Package deploy accepts deployment submissions and reports deployment history.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/splax/devport/internal/domain"
	"github.com/splax/devport/internal/repository"
)

// ErrInvalidInput wraps submission validation failures.
var ErrInvalidInput = errors.New("invalid deployment request")

var scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._/~-]+$`)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("sourceurl", func(fl validator.FieldLevel) bool {
		return isSourceURL(fl.Field().String())
	})
}

// Enqueuer persists a job for the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) (string, error)
}

// SubmitInput is a deployment request.
type SubmitInput struct {
	SourceURL string `json:"sourceURL" validate:"required,sourceurl"`
	Slug      string `json:"slug" validate:"omitempty,slug"`
	Name      string `json:"name" validate:"omitempty,max=100"`
	OwnerID   string `json:"-" validate:"required,max=128"`
}

// Submission is returned once a deployment is queued.
type Submission struct {
	Status       string `json:"status"`
	ProjectSlug  string `json:"projectSlug"`
	DeploymentID string `json:"deploymentId"`
	URL          string `json:"url"`
}

// DeploymentSummary is one row of a project's history.
type DeploymentSummary struct {
	ID        string                  `json:"id"`
	Status    domain.DeploymentStatus `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`
}

// History lists the deployments of one project, newest first.
type History struct {
	ProjectSlug      string              `json:"projectSlug"`
	TotalDeployments int                 `json:"totalDeployments"`
	Deployments      []DeploymentSummary `json:"deployments"`
}

// Service validates submissions, records them and hands them to the queue.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	queue       Enqueuer
	logger      *slog.Logger
	baseDomain  string
	slugs       func() string
}

// New returns a deployment service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, queue Enqueuer, logger *slog.Logger, baseDomain string) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects:    projects,
		deployments: deployments,
		queue:       queue,
		logger:      logger.With("component", "deploy"),
		baseDomain:  strings.TrimSpace(baseDomain),
		slugs:       generateSlug,
	}
}

// Submit upserts the project, creates a QUEUED deployment and enqueues it. Every call
// creates a new deployment record.
func (s Service) Submit(ctx context.Context, in SubmitInput) (Submission, error) {
	in.SourceURL = strings.TrimSpace(in.SourceURL)
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.Name = strings.TrimSpace(in.Name)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.Slug == "" {
		in.Slug = s.slugs()
	}
	if err := validate.Struct(in); err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}
	name := in.Name
	if name == "" {
		name = in.Slug
	}

	project := &domain.Project{
		OwnerID:   in.OwnerID,
		Name:      name,
		GitURL:    in.SourceURL,
		SubDomain: in.Slug,
	}
	if err := s.projects.UpsertProject(ctx, project); err != nil {
		return Submission{}, fmt.Errorf("upsert project: %w", err)
	}
	deployment := &domain.Deployment{ProjectID: project.ID, Status: domain.StatusQueued}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return Submission{}, fmt.Errorf("create deployment: %w", err)
	}

	jobID, err := s.queue.Enqueue(ctx, domain.Job{
		ProjectID:    project.ID,
		ProjectSlug:  project.SubDomain,
		SourceURL:    in.SourceURL,
		DeploymentID: deployment.ID,
		OwnerID:      in.OwnerID,
	})
	if err != nil {
		s.logger.Error("enqueue deployment failed", "deployment_id", deployment.ID, "project_slug", project.SubDomain, "error", err)
		if _, ferr := s.deployments.TransitionDeploymentStatus(context.WithoutCancel(ctx), deployment.ID, domain.StatusFailed); ferr != nil {
			s.logger.Warn("mark unqueued deployment failed", "deployment_id", deployment.ID, "error", ferr)
		}
		return Submission{}, fmt.Errorf("enqueue deployment: %w", err)
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_slug", project.SubDomain, "job_id", jobID)

	return Submission{
		Status:       "queued",
		ProjectSlug:  project.SubDomain,
		DeploymentID: deployment.ID,
		URL:          s.siteURL(project.SubDomain),
	}, nil
}

// History lists an owner's deployments for slug.
func (s Service) History(ctx context.Context, ownerID, slug string) (History, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	project, err := s.projects.GetProjectBySlug(ctx, strings.TrimSpace(ownerID), slug)
	if err != nil {
		return History{}, err
	}
	deployments, err := s.deployments.ListDeploymentsByProject(ctx, project.ID, 0)
	if err != nil {
		return History{}, fmt.Errorf("list deployments: %w", err)
	}
	out := History{ProjectSlug: slug, Deployments: make([]DeploymentSummary, 0, len(deployments))}
	for _, d := range deployments {
		out.Deployments = append(out.Deployments, DeploymentSummary{ID: d.ID, Status: d.Status, CreatedAt: d.CreatedAt})
	}
	out.TotalDeployments = len(out.Deployments)
	return out, nil
}

// Status returns one deployment record.
func (s Service) Status(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, fmt.Errorf("%w: deployment id is required", ErrInvalidInput)
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

func (s Service) siteURL(slug string) string {
	base := s.baseDomain
	if base == "" {
		base = "localhost:8000"
	}
	return "http://" + slug + "." + base
}

func isSourceURL(raw string) bool {
	if scpLikeURL.MatchString(raw) {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
		return true
	default:
		return false
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() {
	case "SourceURL":
		return "sourceURL must be a repository URL"
	case "Slug":
		return "slug must contain lowercase letters, digits and dashes"
	case "Name":
		return "name is too long"
	case "OwnerID":
		return "owner id is required"
	default:
		return fe.Error()
	}
}
