// Package jobs defines core types shared across the scheduling subsystems.
package jobs

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// VersionArg is the schedule argument that selects a project version.
const VersionArg = "_version"

var validProjectName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Descriptor is a single request to run one spider of one project.
// It is immutable once handed to a Queue.
type Descriptor struct {
	Project    string            `json:"project"`
	Spider     string            `json:"spider"`
	JobID      string            `json:"job_id"`
	Version    string            `json:"version,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	Priority   float64           `json:"priority,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Clone returns a deep copy so callers never share the argument maps.
func (d Descriptor) Clone() Descriptor {
	cp := d
	cp.Args = cloneMap(d.Args)
	cp.Settings = cloneMap(d.Settings)
	return cp
}

// Validate checks the fields every queued descriptor must carry.
func (d Descriptor) Validate() error {
	if err := ValidateProject(d.Project); err != nil {
		return err
	}
	if d.Spider == "" {
		return fmt.Errorf("%w: spider is required", ErrInvalidRequest)
	}
	if d.JobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}
	return nil
}

// SortedArgKeys returns argument names in a deterministic order.
func (d Descriptor) SortedArgKeys() []string {
	return sortedKeys(d.Args)
}

// SortedSettingKeys returns setting names in a deterministic order.
func (d Descriptor) SortedSettingKeys() []string {
	return sortedKeys(d.Settings)
}

// ValidateProject rejects names that cannot safely key a per-project store.
func ValidateProject(project string) error {
	if project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	if !validProjectName.MatchString(project) {
		return fmt.Errorf("%w: invalid project name %q", ErrInvalidRequest, project)
	}
	return nil
}

// RunningWorker describes a spawned worker that has not been reaped yet.
type RunningWorker struct {
	JobID     string    `json:"id"`
	Project   string    `json:"project"`
	Spider    string    `json:"spider"`
	Version   string    `json:"version,omitempty"`
	PID       int       `json:"pid"`
	Slot      int       `json:"slot"`
	StartTime time.Time `json:"start_time"`
	LogPath   string    `json:"log_url,omitempty"`
}

// ExitOutcome is how a worker process ended.
type ExitOutcome struct {
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Success reports a clean zero exit.
func (o ExitOutcome) Success() bool {
	return o.ExitCode == 0 && o.Signal == "" && o.Err == ""
}

// Label is a short, low-cardinality description used for metrics.
func (o ExitOutcome) Label() string {
	switch {
	case o.Success():
		return "success"
	case o.Signal != "":
		return "signaled"
	case o.Err != "":
		return "error"
	default:
		return "failed"
	}
}

// FinishedRecord is observational history for a reaped worker.
type FinishedRecord struct {
	JobID     string      `json:"id"`
	Project   string      `json:"project"`
	Spider    string      `json:"spider"`
	Version   string      `json:"version,omitempty"`
	PID       int         `json:"pid"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Outcome   ExitOutcome `json:"outcome"`
	Cancelled bool        `json:"cancelled"`
	LogPath   string      `json:"log_url,omitempty"`
}

// PrevState reports where a cancelled job was found.
type PrevState string

// Cancel outcomes. PrevStateNone means no job matched.
const (
	PrevStateNone    PrevState = ""
	PrevStatePending PrevState = "pending"
	PrevStateRunning PrevState = "running"
)

// Status is a point-in-time view of the daemon.
type Status struct {
	Pending  map[string]int   `json:"pending"`
	Running  []RunningWorker  `json:"running"`
	Finished []FinishedRecord `json:"finished"`
}

// PendingTotal sums pending jobs across projects.
func (s Status) PendingTotal() int {
	total := 0
	for _, n := range s.Pending {
		total += n
	}
	return total
}

// ProjectJobs lists a single project's jobs in every state.
type ProjectJobs struct {
	Pending  []Descriptor     `json:"pending"`
	Running  []RunningWorker  `json:"running"`
	Finished []FinishedRecord `json:"finished"`
}

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
