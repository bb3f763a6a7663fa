package task

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout is returned when a build unit does not stop within the watcher's max wait.
var ErrWaitTimeout = errors.New("task: build unit did not finish in time")

// ProvisioningError reports that a build unit could not be launched. It is never retried
// by the runner.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err == nil {
		return "provisioning failed: " + e.Reason
	}
	return fmt.Sprintf("provisioning failed: %s: %v", e.Reason, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TransientLookupError marks a status lookup that is expected to succeed later, such as
// a task not yet visible right after launch.
type TransientLookupError struct {
	TaskID string
	Err    error
}

func (e *TransientLookupError) Error() string {
	return fmt.Sprintf("task %s not visible yet: %v", e.TaskID, e.Err)
}

func (e *TransientLookupError) Unwrap() error { return e.Err }
