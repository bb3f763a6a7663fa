// Package provision abstracts the service that launches isolated build units.
package provision

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by Describe when the backend does not (yet) know the task.
// Freshly launched tasks are often invisible for a short while.
var ErrTaskNotFound = errors.New("provision: task not found")

// Phase is the coarse lifecycle of a build unit.
type Phase string

// Build unit phases.
const (
	PhasePending Phase = "pending"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// Handle identifies a launched build unit.
type Handle struct {
	TaskID     string
	LaunchedAt time.Time
}

// TaskStatus is a single observation of a build unit.
type TaskStatus struct {
	Phase Phase
	// ExitCode is set only once the unit stopped and the backend reported a code.
	ExitCode *int
	Reason   string
}

// Provisioner launches and describes isolated build units.
type Provisioner interface {
	Launch(ctx context.Context, env map[string]string) (Handle, error)
	Describe(ctx context.Context, taskID string) (TaskStatus, error)
}
