// Package poller moves pending jobs from the queue into the launcher.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/launcher"
)

// DefaultInterval is the tick period when Config leaves it unset.
const DefaultInterval = time.Second

// Launcher is the part of the launcher the poller drives.
type Launcher interface {
	Available() int
	Reserve(d jobs.Descriptor) (*launcher.Slot, error)
	Start(ctx context.Context, slot *launcher.Slot) error
	Signal(jobID string, sig os.Signal) bool
}

// Config controls Poller behavior.
type Config struct {
	Interval time.Duration
}

// Poller admits queued jobs round-robin across projects.
type Poller struct {
	queue    jobs.Queue
	launcher Launcher
	cfg      Config
	logger   *zap.Logger

	// admitMu makes pop+reserve atomic relative to Cancel.
	admitMu sync.Mutex
	// tickMu keeps ticks sequential and guards offset.
	tickMu sync.Mutex
	offset int
}

// New constructs a Poller.
func New(queue jobs.Queue, l Launcher, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		queue:    queue,
		launcher: l,
		cfg:      cfg,
		logger:   logger,
	}
}

// AdmissionLock returns the lock held while a job moves from the queue to
// the launcher. Holding it freezes that hand-off.
func (p *Poller) AdmissionLock() sync.Locker {
	return &p.admitMu
}

// Run ticks every Config.Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll tick failed", zap.Error(err))
			}
		}
	}
}

// Tick admits as many queued jobs as capacity allows and returns how many
// were started. Each pass takes at most one job per project; the first project
// of the rotation advances by one every tick.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	projects, err := p.queue.Projects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued projects: %w", err)
	}
	if len(projects) == 0 {
		return 0, nil
	}
	start := p.offset % len(projects)
	p.offset = (p.offset + 1) % len(projects)
	order := append(append([]string(nil), projects[start:]...), projects[:start]...)

	launched := 0
	for {
		progressed := false
		for _, project := range order {
			if p.launcher.Available() <= 0 {
				return launched, nil
			}
			res, err := p.admitOne(ctx, project)
			if err != nil {
				return launched, err
			}
			switch res {
			case admitStarted:
				launched++
				progressed = true
			case admitDropped:
				progressed = true
			case admitFull:
				return launched, nil
			}
		}
		if !progressed {
			return launched, nil
		}
	}
}

type admitResult int

const (
	admitEmpty admitResult = iota
	admitStarted
	admitDropped
	admitFull
)

func (p *Poller) admitOne(ctx context.Context, project string) (admitResult, error) {
	p.admitMu.Lock()
	d, ok, err := p.queue.PopNext(ctx, project)
	if err != nil {
		p.admitMu.Unlock()
		return admitEmpty, fmt.Errorf("pop %s: %w", project, err)
	}
	if !ok {
		p.admitMu.Unlock()
		return admitEmpty, nil
	}
	slot, err := p.launcher.Reserve(d)
	if err != nil {
		if errors.Is(err, jobs.ErrCapacityExceeded) {
			pushErr := p.queue.PushFront(ctx, project, d)
			p.admitMu.Unlock()
			if pushErr != nil {
				return admitFull, fmt.Errorf("requeue %s: %w", d.JobID, pushErr)
			}
			return admitFull, nil
		}
		p.admitMu.Unlock()
		p.logger.Error("job rejected by launcher; dropping",
			zap.String("project", project), zap.String("job_id", d.JobID), zap.Error(err))
		return admitDropped, nil
	}
	p.admitMu.Unlock()

	err = p.launcher.Start(ctx, slot)
	switch {
	case err == nil:
		return admitStarted, nil
	case errors.Is(err, launcher.ErrCancelledBeforeStart):
		p.logger.Info("job cancelled before spawn; dropped",
			zap.String("project", project), zap.String("job_id", d.JobID))
		return admitDropped, nil
	case ctx.Err() != nil:
		// Shutting down: the slot was released, keep the job for the next run.
		if pushErr := p.queue.PushFront(context.WithoutCancel(ctx), project, d); pushErr != nil {
			p.logger.Error("requeue on shutdown failed",
				zap.String("project", project), zap.String("job_id", d.JobID), zap.Error(pushErr))
		}
		return admitFull, nil
	default:
		p.logger.Error("launch failed; job dropped",
			zap.String("project", d.Project),
			zap.String("spider", d.Spider),
			zap.String("job_id", d.JobID),
			zap.Error(err))
		return admitDropped, nil
	}
}

// Cancel removes jobID from project's queue, or signals it if running.
// Holding the admission lock means a job in transit from the queue to the
// launcher is never missed by both checks.
func (p *Poller) Cancel(ctx context.Context, project, jobID string, sig os.Signal) (jobs.PrevState, error) {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()

	removed, err := p.queue.Remove(ctx, project, func(d jobs.Descriptor) bool {
		return d.JobID == jobID
	})
	if err != nil {
		return jobs.PrevStateNone, fmt.Errorf("remove %s from %s: %w", jobID, project, err)
	}
	if removed {
		p.logger.Info("pending job cancelled", zap.String("project", project), zap.String("job_id", jobID))
		return jobs.PrevStatePending, nil
	}
	if p.launcher.Signal(jobID, sig) {
		return jobs.PrevStateRunning, nil
	}
	return jobs.PrevStateNone, nil
}
