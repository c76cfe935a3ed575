package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/clock/system"
	"github.com/JensMuenkel/scrapyd/internal/id/uuid"
	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/queue/memory"
	"github.com/JensMuenkel/scrapyd/internal/spiderlist"
)

type fakeLister struct {
	units map[string][]string
	err   error
}

func (l *fakeLister) ListUnits(_ context.Context, project, version string) ([]string, error) {
	if l.err != nil {
		return nil, l.err
	}
	units, ok := l.units[project+"@"+version]
	if !ok {
		return nil, jobs.NotFound(project, version)
	}
	return units, nil
}

type fakeTracker map[string]bool

func (f fakeTracker) Tracks(jobID string) bool { return f[jobID] }

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, lister jobs.UnitLister, tracker JobTracker, cfg Config) (*Scheduler, *memory.Queue) {
	t.Helper()
	q := memory.NewQueue()
	t.Cleanup(func() { _ = q.Close() })
	cache := spiderlist.New(lister, nil, zap.NewNop())
	return New(q, cache, uuid.New(), system.NewManual(testStart), tracker, cfg, zap.NewNop()), q
}

func shopLister() *fakeLister {
	return &fakeLister{units: map[string][]string{
		"shop@":   {"news", "prices"},
		"shop@r2": {"legacy"},
	}}
}

func TestScheduleEnqueuesDescriptor(t *testing.T) {
	t.Parallel()

	s, q := newTestScheduler(t, shopLister(), nil, Config{})
	jobID, err := s.Schedule(context.Background(), Request{
		Project:  "shop",
		Spider:   "news",
		Priority: 2,
		Args:     map[string]string{"zone": "eu"},
		Settings: map[string]string{"DOWNLOAD_DELAY": "1"},
	})
	require.NoError(t, err)
	require.Len(t, jobID, 32)

	pending, err := q.List(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	d := pending[0]
	require.Equal(t, jobID, d.JobID)
	require.Equal(t, "news", d.Spider)
	require.Equal(t, "", d.Version)
	require.Equal(t, map[string]string{"zone": "eu"}, d.Args)
	require.Equal(t, map[string]string{"DOWNLOAD_DELAY": "1"}, d.Settings)
	require.Equal(t, float64(2), d.Priority)
	require.Equal(t, testStart, d.EnqueuedAt)
}

func TestScheduleUsesRequestedVersion(t *testing.T) {
	t.Parallel()

	s, q := newTestScheduler(t, shopLister(), nil, Config{})
	_, err := s.Schedule(context.Background(), Request{
		Project: "shop", Spider: "legacy", JobID: "mine",
		Args: map[string]string{jobs.VersionArg: "r2"},
	})
	require.NoError(t, err)

	pending, err := q.List(context.Background(), "shop")
	require.NoError(t, err)
	require.Equal(t, "r2", pending[0].Version)
	require.Equal(t, "mine", pending[0].JobID)
}

func TestScheduleUnknownProjectLeavesQueueUntouched(t *testing.T) {
	t.Parallel()

	s, q := newTestScheduler(t, shopLister(), nil, Config{})
	_, err := s.Schedule(context.Background(), Request{Project: "ghost", Spider: "news"})
	require.ErrorIs(t, err, jobs.ErrNotFound)

	projects, err := q.Projects(context.Background())
	require.NoError(t, err)
	require.Empty(t, projects)
}

func TestScheduleUnknownSpider(t *testing.T) {
	t.Parallel()

	s, q := newTestScheduler(t, shopLister(), nil, Config{})
	_, err := s.Schedule(context.Background(), Request{Project: "shop", Spider: "missing"})
	require.ErrorIs(t, err, jobs.ErrUnitNotFound)

	n, err := q.Count(context.Background(), "shop")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSchedulePropagatesIntrospectionError(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{err: &jobs.IntrospectionError{Project: "shop", Diagnostic: "SyntaxError"}}
	s, _ := newTestScheduler(t, lister, nil, Config{})
	_, err := s.Schedule(context.Background(), Request{Project: "shop", Spider: "news"})
	var introErr *jobs.IntrospectionError
	require.True(t, errors.As(err, &introErr))
}

func TestScheduleRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, shopLister(), nil, Config{})
	for _, req := range []Request{
		{Spider: "news"},
		{Project: "shop"},
		{Project: "../shop", Spider: "news"},
		{Project: "shop", Spider: "news", JobID: "a b"},
		{Project: "shop", Spider: "news", Settings: map[string]string{"": "x"}},
	} {
		_, err := s.Schedule(context.Background(), req)
		require.ErrorIs(t, err, jobs.ErrInvalidRequest, "%+v", req)
	}
}

func TestScheduleRejectsDuplicateJobID(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, shopLister(), fakeTracker{"running-1": true}, Config{})
	ctx := context.Background()

	_, err := s.Schedule(ctx, Request{Project: "shop", Spider: "news", JobID: "running-1"})
	require.ErrorIs(t, err, jobs.ErrDuplicateJob)

	_, err = s.Schedule(ctx, Request{Project: "shop", Spider: "news", JobID: "p1"})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Request{Project: "shop", Spider: "prices", JobID: "p1"})
	require.ErrorIs(t, err, jobs.ErrDuplicateJob)
}

func TestScheduleRejectsJobIDPendingInAnotherProject(t *testing.T) {
	t.Parallel()

	lister := shopLister()
	lister.units["blog@"] = []string{"news"}
	s, q := newTestScheduler(t, lister, fakeTracker{}, Config{})
	ctx := context.Background()

	_, err := s.Schedule(ctx, Request{Project: "shop", Spider: "news", JobID: "same"})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Request{Project: "blog", Spider: "news", JobID: "same"})
	require.ErrorIs(t, err, jobs.ErrDuplicateJob)

	n, err := q.Count(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

type recordingLocker struct {
	mu     sync.Mutex
	locked int
}

func (l *recordingLocker) Lock() {
	l.mu.Lock()
	l.locked++
}

func (l *recordingLocker) Unlock() { l.mu.Unlock() }

func TestScheduleHoldsAdmissionLockForCallerIDs(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{}
	s, _ := newTestScheduler(t, shopLister(), fakeTracker{}, Config{Admission: locker})
	ctx := context.Background()

	_, err := s.Schedule(ctx, Request{Project: "shop", Spider: "news"})
	require.NoError(t, err)
	require.Equal(t, 0, locker.locked)

	_, err = s.Schedule(ctx, Request{Project: "shop", Spider: "news", JobID: "mine"})
	require.NoError(t, err)
	require.Equal(t, 1, locker.locked)
}

func TestListSpiders(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, shopLister(), nil, Config{})
	units, err := s.ListSpiders(context.Background(), "shop", "")
	require.NoError(t, err)
	require.Equal(t, []string{"news", "prices"}, units)

	_, err = s.ListSpiders(context.Background(), "", "")
	require.ErrorIs(t, err, jobs.ErrInvalidRequest)
}

func TestListProjectsUnion(t *testing.T) {
	t.Parallel()

	eggs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(eggs, "blog"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(eggs, ".tmp"), 0o755))

	lister := shopLister()
	lister.units["queued@"] = []string{"s"}
	s, _ := newTestScheduler(t, lister, nil, Config{Projects: []string{"shop"}, EggsDir: eggs})
	_, err := s.Schedule(context.Background(), Request{Project: "queued", Spider: "s"})
	require.NoError(t, err)

	projects, err := s.ListProjects(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"blog", "queued", "shop"}, projects)
}

func TestListProjectsMissingEggsDir(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, shopLister(), nil, Config{EggsDir: filepath.Join(t.TempDir(), "nope")})
	projects, err := s.ListProjects(context.Background())
	require.NoError(t, err)
	require.Empty(t, projects)
}
