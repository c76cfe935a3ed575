// Package daemon ties the queue, cache, scheduler, launcher and poller into
// the operations the request layer consumes, and enforces single-instance
// execution per dbs directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/launcher"
	"github.com/JensMuenkel/scrapyd/internal/poller"
	"github.com/JensMuenkel/scrapyd/internal/process"
	"github.com/JensMuenkel/scrapyd/internal/scheduler"
	"github.com/JensMuenkel/scrapyd/internal/spiderlist"
)

// LockFileName is created inside the dbs directory while the daemon runs.
const LockFileName = "scrapyd.lock"

// Options controls Daemon behavior.
type Options struct {
	DBsDir        string
	ClearOnDelete bool
}

// Components are the collaborators a Daemon drives. Closers are closed by
// Close in order (queue store, cache backend).
type Components struct {
	Queue     jobs.Queue
	Cache     *spiderlist.Cache
	Scheduler *scheduler.Scheduler
	Launcher  *launcher.Launcher
	Poller    *poller.Poller
	Closers   []io.Closer
}

// Daemon is the façade over the scheduling subsystem.
type Daemon struct {
	queue     jobs.Queue
	cache     *spiderlist.Cache
	scheduler *scheduler.Scheduler
	launcher  *launcher.Launcher
	poller    *poller.Poller
	closers   []io.Closer
	opts      Options
	logger    *zap.Logger

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a daemon with initialized dependencies.
func New(c Components, opts Options, logger *zap.Logger) (*Daemon, error) {
	if c.Queue == nil || c.Cache == nil || c.Scheduler == nil || c.Launcher == nil || c.Poller == nil {
		return nil, errors.New("daemon requires queue, cache, scheduler, launcher and poller")
	}
	if opts.DBsDir == "" {
		return nil, errors.New("daemon requires a dbs directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lockPath := filepath.Join(opts.DBsDir, LockFileName)
	return &Daemon{
		queue:     c.Queue,
		cache:     c.Cache,
		scheduler: c.Scheduler,
		launcher:  c.Launcher,
		poller:    c.Poller,
		closers:   c.Closers,
		opts:      opts,
		logger:    logger,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and runs the poller in the background.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(d.opts.DBsDir, 0o755); err != nil {
		return fmt.Errorf("create dbs dir: %w", err)
	}
	if err := unix.Access(d.opts.DBsDir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("dbs dir %s: insufficient permissions: %w", d.opts.DBsDir, err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another scrapyd instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.poller.Run(runCtx)
	}()
	d.cancel = cancel
	d.done = done
	d.running.Store(true)
	d.logger.Info("scrapyd daemon started",
		zap.String("lock", d.lockPath),
		zap.Int("max_proc", d.launcher.Capacity()))
	return nil
}

// Stop halts the poller and releases the instance lock. Running workers are
// left alone; they are not children the daemon waits for.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", zap.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("scrapyd daemon stopped")
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Close stops the daemon and closes the stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Schedule admits a new job and returns its id.
func (d *Daemon) Schedule(ctx context.Context, req scheduler.Request) (string, error) {
	return d.scheduler.Schedule(ctx, req)
}

// Cancel removes a pending job or signals a running one. An empty signal name
// sends TERM.
func (d *Daemon) Cancel(ctx context.Context, project, jobID, signalName string) (jobs.PrevState, error) {
	if err := jobs.ValidateProject(project); err != nil {
		return jobs.PrevStateNone, err
	}
	if strings.TrimSpace(jobID) == "" {
		return jobs.PrevStateNone, fmt.Errorf("%w: job is required", jobs.ErrInvalidRequest)
	}
	sig, err := process.ParseSignal(signalName)
	if err != nil {
		return jobs.PrevStateNone, err
	}
	return d.poller.Cancel(ctx, project, jobID, sig)
}

// Status returns pending counts per project plus the launcher snapshot.
func (d *Daemon) Status(ctx context.Context) (jobs.Status, error) {
	projects, err := d.queue.Projects(ctx)
	if err != nil {
		return jobs.Status{}, fmt.Errorf("list queued projects: %w", err)
	}
	pending := make(map[string]int, len(projects))
	for _, p := range projects {
		n, err := d.queue.Count(ctx, p)
		if err != nil {
			return jobs.Status{}, fmt.Errorf("count %s: %w", p, err)
		}
		if n > 0 {
			pending[p] = n
		}
	}
	running, finished := d.launcher.Snapshot()
	return jobs.Status{Pending: pending, Running: running, Finished: finished}, nil
}

// ListJobs returns one project's pending, running and finished jobs.
func (d *Daemon) ListJobs(ctx context.Context, project string) (jobs.ProjectJobs, error) {
	if err := jobs.ValidateProject(project); err != nil {
		return jobs.ProjectJobs{}, err
	}
	pending, err := d.queue.List(ctx, project)
	if err != nil {
		return jobs.ProjectJobs{}, fmt.Errorf("list pending: %w", err)
	}
	running, finished := d.launcher.Snapshot()
	out := jobs.ProjectJobs{
		Pending:  pending,
		Running:  []jobs.RunningWorker{},
		Finished: []jobs.FinishedRecord{},
	}
	if out.Pending == nil {
		out.Pending = []jobs.Descriptor{}
	}
	for _, w := range running {
		if w.Project == project {
			out.Running = append(out.Running, w)
		}
	}
	for _, f := range finished {
		if f.Project == project {
			out.Finished = append(out.Finished, f)
		}
	}
	return out, nil
}

// ListSpiders returns the spiders of project at version ("" is latest).
func (d *Daemon) ListSpiders(ctx context.Context, project, version string) ([]string, error) {
	return d.scheduler.ListSpiders(ctx, project, version)
}

// ListProjects returns every known project.
func (d *Daemon) ListProjects(ctx context.Context) ([]string, error) {
	return d.scheduler.ListProjects(ctx)
}

// DeployInvalidate drops cached spider lists after a new version is added.
func (d *Daemon) DeployInvalidate(project string) error {
	if err := jobs.ValidateProject(project); err != nil {
		return err
	}
	d.cache.Invalidate(project)
	d.logger.Info("spider cache invalidated", zap.String("project", project), zap.String("event", "deploy"))
	return nil
}

// DeleteInvalidate drops cached spider lists after a project or version is
// removed, and clears its pending jobs when configured to.
func (d *Daemon) DeleteInvalidate(ctx context.Context, project string) error {
	if err := jobs.ValidateProject(project); err != nil {
		return err
	}
	d.cache.Invalidate(project)
	if d.opts.ClearOnDelete {
		if err := d.queue.Clear(ctx, project); err != nil {
			return fmt.Errorf("clear queue for %s: %w", project, err)
		}
	}
	d.logger.Info("spider cache invalidated",
		zap.String("project", project),
		zap.String("event", "delete"),
		zap.Bool("queue_cleared", d.opts.ClearOnDelete))
	return nil
}
