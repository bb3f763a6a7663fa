package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/google/uuid"

	"github.com/splax/devport/internal/provision"
)

// Engine is the container runtime surface the provisioner needs. *Client satisfies it.
type Engine interface {
	Run(ctx context.Context, spec RunSpec) (string, error)
	State(ctx context.Context, containerID string) (*types.ContainerState, error)
}

// Settings configures the build container.
type Settings struct {
	Image   string
	Network string
	// ExtraEnv is appended to every container, e.g. object store credentials.
	ExtraEnv []string
}

// Provisioner launches build units as local containers.
type Provisioner struct {
	engine   Engine
	settings Settings
	now      func() time.Time
}

var _ provision.Provisioner = (*Provisioner)(nil)

// NewProvisioner wraps a container engine.
func NewProvisioner(engine Engine, settings Settings) (*Provisioner, error) {
	if engine == nil {
		return nil, errors.New("docker: nil engine")
	}
	if strings.TrimSpace(settings.Image) == "" {
		return nil, errors.New("docker: builder image is required")
	}
	return &Provisioner{engine: engine, settings: settings, now: time.Now}, nil
}

// Launch starts one build container with env set.
func (p *Provisioner) Launch(ctx context.Context, env map[string]string) (provision.Handle, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	vars := make([]string, 0, len(names)+len(p.settings.ExtraEnv))
	for _, name := range names {
		vars = append(vars, name+"="+env[name])
	}
	vars = append(vars, p.settings.ExtraEnv...)

	labels := map[string]string{"devport.role": "builder"}
	if slug := env["PROJECT_ID"]; slug != "" {
		labels["devport.project"] = slug
	}
	id, err := p.engine.Run(ctx, RunSpec{
		Name:    "devport-build-" + uuid.NewString()[:8],
		Image:   p.settings.Image,
		Env:     vars,
		Labels:  labels,
		Network: p.settings.Network,
	})
	if err != nil {
		return provision.Handle{}, fmt.Errorf("docker launch: %w", err)
	}
	return provision.Handle{TaskID: id, LaunchedAt: p.now().UTC()}, nil
}

// Describe inspects the container backing taskID.
func (p *Provisioner) Describe(ctx context.Context, taskID string) (provision.TaskStatus, error) {
	state, err := p.engine.State(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return provision.TaskStatus{}, provision.ErrTaskNotFound
		}
		return provision.TaskStatus{}, err
	}
	return statusOf(state), nil
}

func statusOf(state *types.ContainerState) provision.TaskStatus {
	switch state.Status {
	case "exited", "dead":
		code := state.ExitCode
		status := provision.TaskStatus{Phase: provision.PhaseStopped, ExitCode: &code, Reason: state.Error}
		if state.OOMKilled && status.Reason == "" {
			status.Reason = "out of memory"
		}
		return status
	case "running", "restarting", "paused", "removing":
		return provision.TaskStatus{Phase: provision.PhaseRunning}
	default:
		return provision.TaskStatus{Phase: provision.PhasePending}
	}
}
