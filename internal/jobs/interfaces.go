package jobs

import (
	"context"
	"os"
	"time"
)

// Queue is the durable per-project FIFO of pending jobs.
// Mutations must be persisted before they return nil.
type Queue interface {
	Enqueue(ctx context.Context, project string, job Descriptor) error
	PushFront(ctx context.Context, project string, job Descriptor) error
	Count(ctx context.Context, project string) (int, error)
	List(ctx context.Context, project string) ([]Descriptor, error)
	PopNext(ctx context.Context, project string) (Descriptor, bool, error)
	Remove(ctx context.Context, project string, match func(Descriptor) bool) (bool, error)
	Projects(ctx context.Context) ([]string, error)
	Clear(ctx context.Context, project string) error
	Close() error
}

// UnitLister lists the spiders a project version exposes.
// Implementations return an error wrapping ErrNotFound or an *IntrospectionError on failure.
type UnitLister interface {
	ListUnits(ctx context.Context, project, version string) ([]string, error)
}

// ProcessSpec is everything needed to start one worker.
type ProcessSpec struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	LogPath string
}

// Process is a handle on a spawned worker.
type Process interface {
	PID() int
	// Signal returns os.ErrProcessDone when the process already exited.
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. It is safe to call more than once.
	Wait() ExitOutcome
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
