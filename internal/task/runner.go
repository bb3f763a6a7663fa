// Package task launches build units and watches them until they stop.
package task

import (
	"context"
	"errors"
	"strings"

	"github.com/splax/devport/internal/provision"
)

// Environment variables handed to every build unit.
const (
	EnvSourceURL   = "GIT_REPOSITORY__URL"
	EnvProjectSlug = "PROJECT_ID"
)

// Runner launches one build unit per deployment.
type Runner struct {
	provisioner provision.Provisioner
}

// NewRunner builds a runner on top of a provisioning backend.
func NewRunner(p provision.Provisioner) Runner {
	return Runner{provisioner: p}
}

// Launch starts a build unit for sourceURL under projectSlug. Every failure comes back
// as a *ProvisioningError.
func (r Runner) Launch(ctx context.Context, sourceURL, projectSlug string) (provision.Handle, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	projectSlug = strings.TrimSpace(projectSlug)
	if sourceURL == "" {
		return provision.Handle{}, &ProvisioningError{Reason: "source url is required"}
	}
	if projectSlug == "" {
		return provision.Handle{}, &ProvisioningError{Reason: "project slug is required"}
	}
	if r.provisioner == nil {
		return provision.Handle{}, &ProvisioningError{Reason: "no provisioner configured"}
	}
	handle, err := r.provisioner.Launch(ctx, map[string]string{
		EnvSourceURL:   sourceURL,
		EnvProjectSlug: projectSlug,
	})
	if err != nil {
		var perr *ProvisioningError
		if errors.As(err, &perr) {
			return provision.Handle{}, perr
		}
		return provision.Handle{}, &ProvisioningError{Reason: "launch rejected", Err: err}
	}
	if strings.TrimSpace(handle.TaskID) == "" {
		return provision.Handle{}, &ProvisioningError{Reason: "backend returned an empty task id"}
	}
	return handle, nil
}
