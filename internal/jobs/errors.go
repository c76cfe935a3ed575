package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the project or the requested version does not exist.
	ErrNotFound = errors.New("project or version not found")
	// ErrUnitNotFound means the project exists but does not expose the spider.
	ErrUnitNotFound = errors.New("spider not found")
	// ErrCapacityExceeded is flow control between the Poller and the Launcher.
	// It is never reported to external callers.
	ErrCapacityExceeded = errors.New("no free worker slot")
	// ErrInvalidRequest marks malformed input rejected before any side effect.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDuplicateJob means the job id is already pending, running or finished.
	ErrDuplicateJob = errors.New("duplicate job id")
)

// NotFound builds an ErrNotFound carrying the offending project and version.
func NotFound(project, version string) error {
	if version == "" {
		return fmt.Errorf("%w: the project %q does not exist", ErrNotFound, project)
	}
	return fmt.Errorf("%w: the requested version %q and/or the project %q does not exist",
		ErrNotFound, version, project)
}

// IntrospectionError is an unclassified failure of the list-spiders capability.
// Diagnostic holds only the last line of output.
type IntrospectionError struct {
	Project    string
	Version    string
	Diagnostic string
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("list spiders for %s: %s", e.Project, e.Diagnostic)
}

// LaunchError means a worker could not be spawned. The job is dropped.
type LaunchError struct {
	JobID   string
	Project string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch job %s (%s): %v", e.JobID, e.Project, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
