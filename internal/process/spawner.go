// Package process spawns worker processes and reports how they exit.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

var command = exec.Command

// Spawner starts workers with os/exec.
type Spawner struct{}

// NewSpawner constructs a Spawner.
func NewSpawner() *Spawner {
	return &Spawner{}
}

// Spawn starts spec. The worker is not tied to ctx; it keeps running until it
// exits or is signalled.
func (s *Spawner) Spawn(ctx context.Context, spec jobs.ProcessSpec) (jobs.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, errors.New("process path required")
	}

	cmd := command(spec.Path, spec.Args...) //nolint:gosec
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		p.outcome = outcomeOf(err)
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	outcome jobs.ExitOutcome

	signalMu sync.Mutex
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return os.ErrProcessDone
		}
		return fmt.Errorf("signal pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *execProcess) Wait() jobs.ExitOutcome {
	<-p.done
	return p.outcome
}

func outcomeOf(err error) jobs.ExitOutcome {
	if err == nil {
		return jobs.ExitOutcome{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return jobs.ExitOutcome{ExitCode: -1, Err: err.Error()}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return jobs.ExitOutcome{ExitCode: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return jobs.ExitOutcome{ExitCode: exitErr.ExitCode()}
}

var _ jobs.Spawner = (*Spawner)(nil)
