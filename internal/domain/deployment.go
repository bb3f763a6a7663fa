package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment record.
type DeploymentStatus string

// Deployment lifecycle states.
const (
	StatusQueued     DeploymentStatus = "QUEUED"
	StatusInProgress DeploymentStatus = "IN_PROGRESS"
	StatusReady      DeploymentStatus = "READY"
	StatusFailed     DeploymentStatus = "FAIL"
)

// ParseDeploymentStatus validates a stored or user supplied status.
func ParseDeploymentStatus(value string) (DeploymentStatus, error) {
	status := DeploymentStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case StatusQueued, StatusInProgress, StatusReady, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown deployment status %q", value)
	}
}

// Terminal reports whether no further transitions may leave this status.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
// Repeating the current status is allowed so redelivered jobs can replay their writes.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	for _, from := range AllowedFrom(next) {
		if from == s {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses a record may hold before moving to next.
func AllowedFrom(next DeploymentStatus) []DeploymentStatus {
	switch next {
	case StatusInProgress:
		return []DeploymentStatus{StatusQueued, StatusInProgress}
	case StatusReady:
		return []DeploymentStatus{StatusInProgress, StatusReady}
	case StatusFailed:
		return []DeploymentStatus{StatusQueued, StatusInProgress, StatusFailed}
	default:
		return nil
	}
}

// Deployment captures a single deployment attempt for a project.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Status    DeploymentStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Job is the immutable queue payload describing one deployment to execute.
type Job struct {
	ProjectID    string `json:"projectId"`
	ProjectSlug  string `json:"projectSlug"`
	SourceURL    string `json:"sourceURL"`
	DeploymentID string `json:"deploymentRecordId"`
	OwnerID      string `json:"ownerId"`
}

// Validate checks the fields the worker relies on.
func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.DeploymentID) == "":
		return fmt.Errorf("job missing deployment record id")
	case strings.TrimSpace(j.ProjectSlug) == "":
		return fmt.Errorf("job missing project slug")
	case strings.TrimSpace(j.SourceURL) == "":
		return fmt.Errorf("job missing source url")
	}
	return nil
}
