package poller

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/launcher"
	"github.com/JensMuenkel/scrapyd/internal/queue/memory"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type fakeProcess struct {
	pid     int
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Wait() jobs.ExitOutcome {
	<-p.done
	return jobs.ExitOutcome{}
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

type fakeSpawner struct {
	mu    sync.Mutex
	pid   int
	order []string
	procs map[string]*fakeProcess
	fail  map[string]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[string]*fakeProcess), fail: make(map[string]bool)}
}

func (s *fakeSpawner) Spawn(_ context.Context, spec jobs.ProcessSpec) (jobs.Process, error) {
	jobID := ""
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, "SCRAPY_JOB=") {
			jobID = strings.TrimPrefix(kv, "SCRAPY_JOB=")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[jobID] {
		return nil, errors.New("spawn failed")
	}
	s.pid++
	p := &fakeProcess{pid: s.pid, done: make(chan struct{})}
	s.procs[jobID] = p
	s.order = append(s.order, jobID)
	return p, nil
}

func (s *fakeSpawner) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *fakeSpawner) proc(jobID string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[jobID]
}

type harness struct {
	queue    *memory.Queue
	spawner  *fakeSpawner
	launcher *launcher.Launcher
	poller   *Poller
}

func newHarness(t *testing.T, maxProc int) *harness {
	t.Helper()
	q := memory.NewQueue()
	t.Cleanup(func() { _ = q.Close() })
	spawner := newFakeSpawner()
	l := launcher.New(spawner, fakeClock{}, launcher.Config{
		MaxProc: maxProc,
		Worker:  launcher.WorkerConfig{BaseEnv: []string{}},
	}, zap.NewNop())
	return &harness{
		queue:    q,
		spawner:  spawner,
		launcher: l,
		poller:   New(q, l, Config{Interval: 10 * time.Millisecond}, zap.NewNop()),
	}
}

func (h *harness) enqueue(t *testing.T, project, spider, jobID string) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), project, jobs.Descriptor{
		Project: project, Spider: spider, JobID: jobID,
	}))
}

func (h *harness) pending(t *testing.T, project string) int {
	t.Helper()
	n, err := h.queue.Count(context.Background(), project)
	require.NoError(t, err)
	return n
}

func TestTickAdmitsSingleJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.enqueue(t, "shop", "news", "j1")

	launched, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, launched)

	running, _ := h.launcher.Snapshot()
	require.Len(t, running, 1)
	require.Equal(t, "j1", running[0].JobID)
	require.Equal(t, 0, h.pending(t, "shop"))
}

func TestRunAdmitsWithinOneInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.poller.Run(ctx)

	h.enqueue(t, "shop", "news", "j1")
	require.Eventually(t, func() bool {
		running, _ := h.launcher.Snapshot()
		return len(running) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCapOneAdmitsSecondAfterReap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "blog", "posts", "b1")
	h.enqueue(t, "shop", "news", "s1")

	launched, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, launched)
	require.Equal(t, []string{"b1"}, h.spawner.started())
	require.Equal(t, 1, h.pending(t, "shop"))

	launched, err = h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, launched)
	require.Equal(t, 1, h.pending(t, "shop"))

	h.spawner.proc("b1").exit()
	require.NoError(t, h.launcher.Drain(context.Background()))

	launched, err = h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, launched)
	require.Equal(t, []string{"b1", "s1"}, h.spawner.started())
	require.Equal(t, 0, h.pending(t, "shop"))
}

func TestTickIsRoundRobinAcrossProjects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	for _, id := range []string{"a1", "a2", "a3"} {
		h.enqueue(t, "alpha", "s", id)
	}
	h.enqueue(t, "beta", "s", "b1")

	launched, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, launched)
	require.Equal(t, []string{"a1", "b1", "a2", "a3"}, h.spawner.started())
}

func TestTickRotatesStartingProject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "alpha", "s", "a1")
	h.enqueue(t, "alpha", "s", "a2")
	h.enqueue(t, "beta", "s", "b1")

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	h.spawner.proc("a1").exit()
	require.NoError(t, h.launcher.Drain(context.Background()))

	_, err = h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b1"}, h.spawner.started())
}

func TestCapacityKeepsQueueOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	for _, id := range []string{"j1", "j2", "j3"} {
		h.enqueue(t, "shop", "news", id)
	}

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)

	listed, err := h.queue.List(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "j2", listed[0].JobID)
	require.Equal(t, "j3", listed[1].JobID)
}

func TestLaunchFailureDropsJobAndContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.spawner.fail["j1"] = true
	h.enqueue(t, "shop", "news", "j1")
	h.enqueue(t, "shop", "news", "j2")

	launched, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, launched)
	require.Equal(t, []string{"j2"}, h.spawner.started())
	require.Equal(t, 0, h.pending(t, "shop"))
	require.Equal(t, 1, h.launcher.Available())
}

func TestCancelPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "shop", "news", "j1")
	h.enqueue(t, "shop", "news", "j2")

	prev, err := h.poller.Cancel(context.Background(), "shop", "j2", syscall.SIGTERM)
	require.NoError(t, err)
	require.Equal(t, jobs.PrevStatePending, prev)
	require.Equal(t, 1, h.pending(t, "shop"))
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "shop", "news", "j1")
	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)

	prev, err := h.poller.Cancel(context.Background(), "shop", "j1", syscall.SIGINT)
	require.NoError(t, err)
	require.Equal(t, jobs.PrevStateRunning, prev)

	proc := h.spawner.proc("j1")
	proc.mu.Lock()
	require.Equal(t, []os.Signal{syscall.SIGINT}, proc.signals)
	proc.mu.Unlock()
	proc.exit()
	require.NoError(t, h.launcher.Drain(context.Background()))

	_, finished := h.launcher.Snapshot()
	require.Len(t, finished, 1)
	require.True(t, finished[0].Cancelled)
}

func TestCancelUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	prev, err := h.poller.Cancel(context.Background(), "ghost", "nope", syscall.SIGTERM)
	require.NoError(t, err)
	require.Equal(t, jobs.PrevStateNone, prev)
}

func TestCancelRacingTickReportsExactlyOneOutcome(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		h := newHarness(t, 1)
		h.enqueue(t, "shop", "news", "j1")

		var (
			wg   sync.WaitGroup
			prev jobs.PrevState
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.poller.Tick(context.Background())
		}()
		go func() {
			defer wg.Done()
			var err error
			prev, err = h.poller.Cancel(context.Background(), "shop", "j1", syscall.SIGTERM)
			require.NoError(t, err)
		}()
		wg.Wait()

		switch prev {
		case jobs.PrevStatePending:
			require.Empty(t, h.spawner.started())
		case jobs.PrevStateRunning:
			require.Equal(t, []string{"j1"}, h.spawner.started())
		default:
			t.Fatalf("cancel missed job in transit: %q", prev)
		}
		if p := h.spawner.proc("j1"); p != nil {
			p.exit()
		}
		require.NoError(t, h.launcher.Drain(context.Background()))
	}
}

// signalThenCancel cancels the admission context after the job was signalled
// while reserved, just before the spawn.
type signalThenCancel struct {
	*launcher.Launcher
	cancel context.CancelFunc
}

func (l *signalThenCancel) Start(ctx context.Context, slot *launcher.Slot) error {
	l.Signal(slot.Job.JobID, syscall.SIGTERM)
	l.cancel()
	return l.Launcher.Start(ctx, slot)
}

func TestJobCancelledWhileReservedIsNotRequeuedOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "shop", "news", "j1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(h.queue, &signalThenCancel{Launcher: h.launcher, cancel: cancel}, Config{}, zap.NewNop())

	launched, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, launched)
	require.Equal(t, 0, h.pending(t, "shop"))
	require.Empty(t, h.spawner.started())
	require.Equal(t, 1, h.launcher.Available())
}

func TestReservedJobRequeuedOnShutdownWithoutCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.enqueue(t, "shop", "news", "j1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(h.queue, &cancelOnStart{Launcher: h.launcher, cancel: cancel}, Config{}, zap.NewNop())

	_, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.pending(t, "shop"))
	require.Empty(t, h.spawner.started())
}

type cancelOnStart struct {
	*launcher.Launcher
	cancel context.CancelFunc
}

func (l *cancelOnStart) Start(ctx context.Context, slot *launcher.Slot) error {
	l.cancel()
	return l.Launcher.Start(ctx, slot)
}
