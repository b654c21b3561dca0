package docker

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable indicates the container engine could not be reached.
var ErrEngineUnavailable = errors.New("docker: engine unavailable")

// BuildFailedError carries the engine's error message for a failed build.
type BuildFailedError struct {
	Tag     string
	Message string
	Err     error
}

func (e *BuildFailedError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("build %s failed: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("build %s failed: %s", e.Tag, e.Message)
}

func (e *BuildFailedError) Unwrap() error {
	return e.Err
}

// PushFailedError carries the registry's error message for a failed push.
type PushFailedError struct {
	Tag     string
	Message string
	Err     error
}

func (e *PushFailedError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("push %s failed: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("push %s failed: %s", e.Tag, e.Message)
}

func (e *PushFailedError) Unwrap() error {
	return e.Err
}
