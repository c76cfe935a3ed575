// Package launcher runs admitted jobs as worker processes under a
// concurrency cap.
//
// A job moves through reserved -> running -> finished. Reserve counts against
// the cap immediately so the Poller can hold its admission lock only for the
// bookkeeping, and Start does the slow spawn outside every lock.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/metrics"
)

// ErrCancelledBeforeStart is returned by Start when the job was signalled
// while reserved and never spawned. Such a job must not be requeued.
var ErrCancelledBeforeStart = errors.New("job cancelled before start")

// DefaultFinishedToKeep bounds the finished history when Config leaves it unset.
const DefaultFinishedToKeep = 100

// Config controls Launcher behavior.
type Config struct {
	// MaxProc is the hard cap. Zero derives it from MaxProcPerCPU.
	MaxProc        int
	MaxProcPerCPU  int
	FinishedToKeep int
	Worker         WorkerConfig
}

// Capacity resolves the effective cap.
func (c Config) Capacity() int {
	if c.MaxProc > 0 {
		return c.MaxProc
	}
	perCPU := c.MaxProcPerCPU
	if perCPU <= 0 {
		perCPU = 4
	}
	return runtime.NumCPU() * perCPU
}

// Slot is a reserved place under the cap. It is consumed by Start or Release.
type Slot struct {
	Job   jobs.Descriptor
	Index int
	used  bool
}

type reservation struct {
	slot    *Slot
	signals []os.Signal
}

type worker struct {
	info      jobs.RunningWorker
	proc      jobs.Process
	cancelled bool
}

// Launcher owns the running set and the finished history.
type Launcher struct {
	spawner  jobs.Spawner
	clock    jobs.Clock
	cfg      Config
	capacity int
	logger   *zap.Logger

	mu        sync.Mutex
	reserved  map[string]*reservation
	running   map[string]*worker
	finished  []jobs.FinishedRecord
	slotsUsed []bool

	watchers sync.WaitGroup
}

// New constructs a Launcher.
func New(spawner jobs.Spawner, clock jobs.Clock, cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FinishedToKeep <= 0 {
		cfg.FinishedToKeep = DefaultFinishedToKeep
	}
	capacity := cfg.Capacity()
	return &Launcher{
		spawner:   spawner,
		clock:     clock,
		cfg:       cfg,
		capacity:  capacity,
		logger:    logger,
		reserved:  make(map[string]*reservation),
		running:   make(map[string]*worker),
		slotsUsed: make([]bool, capacity),
	}
}

// Capacity is the effective concurrency cap.
func (l *Launcher) Capacity() int {
	return l.capacity
}

// Available is the number of slots neither running nor reserved.
func (l *Launcher) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity - len(l.running) - len(l.reserved)
}

// Reserve claims a slot for d, or returns jobs.ErrCapacityExceeded.
func (l *Launcher) Reserve(d jobs.Descriptor) (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.running)+len(l.reserved) >= l.capacity {
		return nil, jobs.ErrCapacityExceeded
	}
	if _, ok := l.reserved[d.JobID]; ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, d.JobID)
	}
	if _, ok := l.running[d.JobID]; ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, d.JobID)
	}
	index := l.claimSlotLocked()
	slot := &Slot{Job: d.Clone(), Index: index}
	l.reserved[d.JobID] = &reservation{slot: slot}
	return slot, nil
}

// Release gives back a reserved slot that will not be started.
func (l *Launcher) Release(slot *Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(slot)
}

// Start spawns the worker for a reserved slot. A spawn failure releases the
// slot and returns *jobs.LaunchError; the job is not retried. A canceled ctx
// releases the slot and returns the context error so the caller can requeue,
// unless the job was already signalled, in which case ErrCancelledBeforeStart
// is returned.
func (l *Launcher) Start(ctx context.Context, slot *Slot) error {
	if slot == nil {
		return errors.New("nil slot")
	}
	if err := ctx.Err(); err != nil {
		l.mu.Lock()
		signalled := l.releaseLocked(slot)
		l.mu.Unlock()
		if signalled {
			return fmt.Errorf("%w: %s", ErrCancelledBeforeStart, slot.Job.JobID)
		}
		return err
	}
	l.mu.Lock()
	if slot.used {
		l.mu.Unlock()
		return fmt.Errorf("slot for job %s already started", slot.Job.JobID)
	}
	slot.used = true
	l.mu.Unlock()

	d := slot.Job
	spec := l.cfg.Worker.Spec(d, slot.Index)
	proc, err := l.spawner.Spawn(ctx, spec)
	if err != nil {
		l.mu.Lock()
		signalled := l.releaseLocked(slot)
		l.mu.Unlock()
		if signalled && ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrCancelledBeforeStart, d.JobID)
		}
		metrics.ObserveLaunchFailure()
		return &jobs.LaunchError{JobID: d.JobID, Project: d.Project, Err: err}
	}

	w := &worker{
		info: jobs.RunningWorker{
			JobID:     d.JobID,
			Project:   d.Project,
			Spider:    d.Spider,
			Version:   d.Version,
			PID:       proc.PID(),
			Slot:      slot.Index,
			StartTime: l.clock.Now(),
			LogPath:   spec.LogPath,
		},
		proc: proc,
	}

	l.mu.Lock()
	var pendingSignals []os.Signal
	if res, ok := l.reserved[d.JobID]; ok {
		pendingSignals = res.signals
		delete(l.reserved, d.JobID)
	}
	w.cancelled = len(pendingSignals) > 0
	l.running[d.JobID] = w
	l.watchers.Add(1)
	l.mu.Unlock()

	metrics.ObserveLaunched(d.Project)
	l.logger.Info("worker started",
		zap.String("project", d.Project),
		zap.String("spider", d.Spider),
		zap.String("job_id", d.JobID),
		zap.Int("pid", w.info.PID),
		zap.Int("slot", slot.Index))

	for _, sig := range pendingSignals {
		l.deliver(w, sig)
	}

	go l.watch(w)
	return nil
}

// TryLaunch reserves and starts d in one call. It returns
// jobs.ErrCapacityExceeded without side effects when no slot is free.
func (l *Launcher) TryLaunch(ctx context.Context, d jobs.Descriptor) error {
	slot, err := l.Reserve(d)
	if err != nil {
		return err
	}
	return l.Start(ctx, slot)
}

// Signal delivers sig to the job's worker. A job that is reserved but not yet
// spawned gets the signal right after the spawn. It reports false for a job
// the launcher does not hold.
func (l *Launcher) Signal(jobID string, sig os.Signal) bool {
	l.mu.Lock()
	if res, ok := l.reserved[jobID]; ok {
		res.signals = append(res.signals, sig)
		l.mu.Unlock()
		l.logger.Info("signal deferred until spawn", zap.String("job_id", jobID), zap.Stringer("signal", sig))
		return true
	}
	w, ok := l.running[jobID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	w.cancelled = true
	l.mu.Unlock()

	l.deliver(w, sig)
	return true
}

// Tracks reports whether jobID is reserved, running or in the finished history.
func (l *Launcher) Tracks(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[jobID]; ok {
		return true
	}
	if _, ok := l.running[jobID]; ok {
		return true
	}
	for _, rec := range l.finished {
		if rec.JobID == jobID {
			return true
		}
	}
	return false
}

// Snapshot returns copies of the running set (by start time) and the finished
// history (oldest first), taken under one lock.
func (l *Launcher) Snapshot() ([]jobs.RunningWorker, []jobs.FinishedRecord) {
	l.mu.Lock()
	running := make([]jobs.RunningWorker, 0, len(l.running))
	for _, w := range l.running {
		running = append(running, w.info)
	}
	finished := make([]jobs.FinishedRecord, len(l.finished))
	copy(finished, l.finished)
	l.mu.Unlock()

	sort.Slice(running, func(i, j int) bool {
		if running[i].StartTime.Equal(running[j].StartTime) {
			return running[i].JobID < running[j].JobID
		}
		return running[i].StartTime.Before(running[j].StartTime)
	})
	return running, finished
}

// Drain blocks until every started worker has been reaped or ctx is done.
func (l *Launcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) deliver(w *worker, sig os.Signal) {
	err := w.proc.Signal(sig)
	switch {
	case err == nil:
		l.logger.Info("signal sent",
			zap.String("job_id", w.info.JobID), zap.Int("pid", w.info.PID), zap.Stringer("signal", sig))
	case errors.Is(err, os.ErrProcessDone):
		l.logger.Debug("signal target already exited", zap.String("job_id", w.info.JobID))
	default:
		l.logger.Warn("signal failed", zap.String("job_id", w.info.JobID), zap.Error(err))
	}
}

func (l *Launcher) watch(w *worker) {
	defer l.watchers.Done()
	outcome := w.proc.Wait()
	l.reap(w, outcome)
}

func (l *Launcher) reap(w *worker, outcome jobs.ExitOutcome) {
	l.mu.Lock()
	delete(l.running, w.info.JobID)
	if w.info.Slot >= 0 && w.info.Slot < len(l.slotsUsed) {
		l.slotsUsed[w.info.Slot] = false
	}
	rec := jobs.FinishedRecord{
		JobID:     w.info.JobID,
		Project:   w.info.Project,
		Spider:    w.info.Spider,
		Version:   w.info.Version,
		PID:       w.info.PID,
		StartTime: w.info.StartTime,
		EndTime:   l.clock.Now(),
		Outcome:   outcome,
		Cancelled: w.cancelled,
		LogPath:   w.info.LogPath,
	}
	l.finished = append(l.finished, rec)
	if over := len(l.finished) - l.cfg.FinishedToKeep; over > 0 {
		l.finished = append([]jobs.FinishedRecord(nil), l.finished[over:]...)
	}
	l.mu.Unlock()

	metrics.ObserveFinished(outcome.Label())
	fields := []zap.Field{
		zap.String("project", rec.Project),
		zap.String("spider", rec.Spider),
		zap.String("job_id", rec.JobID),
		zap.Int("pid", rec.PID),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Bool("cancelled", rec.Cancelled),
	}
	if outcome.Signal != "" {
		fields = append(fields, zap.String("signal", outcome.Signal))
	}
	if outcome.Success() || rec.Cancelled {
		l.logger.Info("worker finished", fields...)
		return
	}
	l.logger.Warn("worker finished unsuccessfully", fields...)
}

func (l *Launcher) claimSlotLocked() int {
	for i, used := range l.slotsUsed {
		if !used {
			l.slotsUsed[i] = true
			return i
		}
	}
	// Unreachable while the cap check holds.
	l.slotsUsed = append(l.slotsUsed, true)
	return len(l.slotsUsed) - 1
}

// releaseLocked frees a reserved slot and reports whether signals were
// waiting for the spawn.
func (l *Launcher) releaseLocked(slot *Slot) bool {
	res, ok := l.reserved[slot.Job.JobID]
	if !ok || res.slot != slot {
		return false
	}
	delete(l.reserved, slot.Job.JobID)
	if slot.Index >= 0 && slot.Index < len(l.slotsUsed) {
		l.slotsUsed[slot.Index] = false
	}
	return len(res.signals) > 0
}
