// Package scheduler validates schedule requests and enqueues them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/metrics"
)

// SpiderLists returns the spiders of a project version.
type SpiderLists interface {
	Get(ctx context.Context, project, version string) ([]string, error)
}

// JobTracker reports whether the launcher already knows a job id.
type JobTracker interface {
	Tracks(jobID string) bool
}

// Config controls Scheduler behavior.
type Config struct {
	// Projects are always listed, even with no eggs or queue.
	Projects []string
	EggsDir  string
	// Admission, when set, is held while a caller-supplied id is checked so
	// no job is between the queue and the launcher during the check.
	Admission sync.Locker
}

// Request is one call to schedule.
type Request struct {
	Project  string
	Spider   string
	JobID    string
	Priority float64
	Args     map[string]string
	Settings map[string]string
}

// Scheduler is the admission front-end in front of the queue.
type Scheduler struct {
	queue   jobs.Queue
	spiders SpiderLists
	ids     jobs.IDGenerator
	clock   jobs.Clock
	tracker JobTracker
	cfg     Config
	logger  *zap.Logger

	// mu serialises the duplicate check and enqueue for caller-supplied ids.
	mu sync.Mutex
}

// New constructs a Scheduler. tracker may be nil.
func New(
	queue jobs.Queue,
	spiders SpiderLists,
	ids jobs.IDGenerator,
	clock jobs.Clock,
	tracker JobTracker,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:   queue,
		spiders: spiders,
		ids:     ids,
		clock:   clock,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Schedule enqueues req and returns its job id. Nothing is enqueued unless
// the spider is known for the requested version.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	version := req.Args[jobs.VersionArg]
	units, err := s.spiders.Get(ctx, req.Project, version)
	if err != nil {
		return "", err
	}
	if !contains(units, req.Spider) {
		return "", fmt.Errorf("%w: spider %q not found in project %q", jobs.ErrUnitNotFound, req.Spider, req.Project)
	}

	jobID := req.JobID
	if jobID == "" {
		if jobID, err = s.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkUnique(ctx, req.Project, jobID); err != nil {
			return "", err
		}
	}

	d := jobs.Descriptor{
		Project:    req.Project,
		Spider:     req.Spider,
		JobID:      jobID,
		Version:    version,
		Args:       req.Args,
		Settings:   req.Settings,
		Priority:   req.Priority,
		EnqueuedAt: s.clock.Now(),
	}.Clone()
	if err := s.queue.Enqueue(ctx, req.Project, d); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	metrics.ObserveScheduled(req.Project)
	s.logger.Info("job scheduled",
		zap.String("project", d.Project),
		zap.String("spider", d.Spider),
		zap.String("job_id", jobID),
		zap.String("version", version))
	return jobID, nil
}

// ListSpiders returns the spiders of project at version ("" is latest).
func (s *Scheduler) ListSpiders(ctx context.Context, project, version string) ([]string, error) {
	if err := jobs.ValidateProject(project); err != nil {
		return nil, err
	}
	return s.spiders.Get(ctx, project, version)
}

// ListProjects returns the sorted union of configured projects, entries of
// the eggs directory and projects with pending jobs.
func (s *Scheduler) ListProjects(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range s.cfg.Projects {
		seen[p] = struct{}{}
	}
	if s.cfg.EggsDir != "" {
		entries, err := os.ReadDir(s.cfg.EggsDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read eggs dir: %w", err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			seen[e.Name()] = struct{}{}
		}
	}
	queued, err := s.queue.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued projects: %w", err)
	}
	for _, p := range queued {
		seen[p] = struct{}{}
	}

	projects := make([]string, 0, len(seen))
	for p := range seen {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

func (s *Scheduler) checkUnique(ctx context.Context, project, jobID string) error {
	if s.cfg.Admission != nil {
		s.cfg.Admission.Lock()
		defer s.cfg.Admission.Unlock()
	}
	// Queues first: a job leaves the queue before the launcher tracks it.
	projects, err := s.queue.Projects(ctx)
	if err != nil {
		return fmt.Errorf("list queued projects: %w", err)
	}
	if !contains(projects, project) {
		projects = append(projects, project)
	}
	for _, p := range projects {
		pending, err := s.queue.List(ctx, p)
		if err != nil {
			return fmt.Errorf("list pending %s: %w", p, err)
		}
		for _, d := range pending {
			if d.JobID == jobID {
				return fmt.Errorf("%w: %s is pending in %s", jobs.ErrDuplicateJob, jobID, p)
			}
		}
	}
	if s.tracker != nil && s.tracker.Tracks(jobID) {
		return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, jobID)
	}
	return nil
}

func validate(req Request) error {
	if err := jobs.ValidateProject(req.Project); err != nil {
		return err
	}
	if strings.TrimSpace(req.Spider) == "" {
		return fmt.Errorf("%w: spider is required", jobs.ErrInvalidRequest)
	}
	if strings.ContainsAny(req.JobID, " \t\r\n/") {
		return fmt.Errorf("%w: invalid job id %q", jobs.ErrInvalidRequest, req.JobID)
	}
	for k := range req.Settings {
		if k == "" {
			return fmt.Errorf("%w: setting with empty name", jobs.ErrInvalidRequest)
		}
	}
	return nil
}

func contains(units []string, name string) bool {
	for _, u := range units {
		if u == name {
			return true
		}
	}
	return false
}
