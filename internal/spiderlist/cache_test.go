package spiderlist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

type countingLister struct {
	mu    sync.Mutex
	calls map[string]int
	units map[string][]string
	err   error
	block chan struct{}
}

func newCountingLister() *countingLister {
	return &countingLister{
		calls: make(map[string]int),
		units: map[string][]string{
			"shop@":   {"news", "prices"},
			"shop@r1": {"news"},
			"blog@":   {"posts"},
		},
	}
}

func (l *countingLister) ListUnits(_ context.Context, project, version string) ([]string, error) {
	key := project + "@" + version
	l.mu.Lock()
	l.calls[key]++
	block := l.block
	l.mu.Unlock()
	if block != nil {
		<-block
	}
	if l.err != nil {
		return nil, l.err
	}
	units, ok := l.units[key]
	if !ok {
		return nil, jobs.NotFound(project, version)
	}
	return units, nil
}

func (l *countingLister) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func TestCacheHitDoesNotReinvokeLister(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	cache := New(lister, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		units, err := cache.Get(ctx, "shop", "")
		require.NoError(t, err)
		require.Equal(t, []string{"news", "prices"}, units)
	}
	units, err := cache.Get(ctx, "shop", "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"news"}, units)

	require.Equal(t, 1, lister.count("shop@"))
	require.Equal(t, 1, lister.count("shop@r1"))
}

func TestCacheInvalidateIsLazy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	cache := New(lister, nil, zap.NewNop())

	_, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "shop", "r1")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "blog", "")
	require.NoError(t, err)

	cache.Invalidate("shop")

	// A read of another project applies the pending eviction.
	_, err = cache.Get(ctx, "blog", "")
	require.NoError(t, err)
	require.Equal(t, 1, lister.count("blog@"))

	_, err = cache.Get(ctx, "shop", "r1")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, 2, lister.count("shop@"))
	require.Equal(t, 2, lister.count("shop@r1"))
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	cache := New(lister, nil, zap.NewNop())

	_, err := cache.Get(ctx, "ghost", "")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = cache.Get(ctx, "ghost", "")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.Equal(t, 2, lister.count("ghost@"))
}

func TestCachePropagatesIntrospectionError(t *testing.T) {
	t.Parallel()

	lister := newCountingLister()
	lister.err = &jobs.IntrospectionError{Project: "shop", Diagnostic: "ImportError: boom"}
	cache := New(lister, nil, zap.NewNop())

	_, err := cache.Get(context.Background(), "shop", "")
	var introErr *jobs.IntrospectionError
	require.True(t, errors.As(err, &introErr))
	require.Equal(t, "ImportError: boom", introErr.Diagnostic)
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := New(newCountingLister(), nil, zap.NewNop())
	units, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	units[0] = "mutated"

	again, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, "news", again[0])
}

func TestCacheSkipsWriteWhenInvalidatedMidLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	lister.block = make(chan struct{})
	cache := New(lister, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Get(ctx, "shop", "")
	}()
	require.Eventually(t, func() bool { return lister.count("shop@") == 1 }, time.Second, 5*time.Millisecond)
	cache.Invalidate("shop")
	close(lister.block)
	<-done

	lister.mu.Lock()
	lister.block = nil
	lister.mu.Unlock()
	_, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, 2, lister.count("shop@"))
}

// gatedEvictBackend blocks Evict until gate is closed.
type gatedEvictBackend struct {
	*MemoryBackend
	entered chan struct{}
	gate    chan struct{}
}

func (b *gatedEvictBackend) Evict(ctx context.Context, projects []string) error {
	b.entered <- struct{}{}
	<-b.gate
	return b.MemoryBackend.Evict(ctx, projects)
}

func TestCacheGetDuringSlowEvictionMissesInvalidatedProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	backend := &gatedEvictBackend{
		MemoryBackend: NewMemoryBackend(),
		entered:       make(chan struct{}, 2),
		gate:          make(chan struct{}),
	}
	cache := New(lister, backend, zap.NewNop())

	_, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "blog", "")
	require.NoError(t, err)

	cache.Invalidate("shop")

	blogDone := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "blog", "")
		blogDone <- err
	}()
	<-backend.entered

	shopDone := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "shop", "")
		shopDone <- err
	}()
	// Either the second reader waits on its own eviction or it misses.
	select {
	case <-backend.entered:
	case err := <-shopDone:
		require.NoError(t, err)
	}
	close(backend.gate)

	require.NoError(t, <-blogDone)
	select {
	case err := <-shopDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shop lookup did not finish")
	}
	require.Equal(t, 2, lister.count("shop@"))
	require.Equal(t, 1, lister.count("blog@"))
}

func TestCacheEvictionFailureKeepsProjectPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	backend := &failingEvictBackend{MemoryBackend: NewMemoryBackend(), fail: true}
	cache := New(lister, backend, zap.NewNop())

	_, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	cache.Invalidate("shop")

	_, err = cache.Get(ctx, "shop", "")
	require.Error(t, err)

	backend.fail = false
	_, err = cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, 2, lister.count("shop@"))
}

type failingEvictBackend struct {
	*MemoryBackend
	fail bool
}

func (b *failingEvictBackend) Evict(ctx context.Context, projects []string) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Evict(ctx, projects)
}

func TestCacheConcurrentDifferentKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := newCountingLister()
	cache := New(lister, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := "shop"
			if i%2 == 0 {
				project = "blog"
			}
			_, err := cache.Get(ctx, project, "")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.GreaterOrEqual(t, lister.count("shop@"), 1)
	require.GreaterOrEqual(t, lister.count("blog@"), 1)
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "spider_list.sqlite")

	backend, err := OpenSQLiteBackend(ctx, path)
	require.NoError(t, err)
	lister := newCountingLister()
	cache := New(lister, backend, zap.NewNop())
	_, err = cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	reopened, err := OpenSQLiteBackend(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	cache = New(lister, reopened, zap.NewNop())
	units, err := cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, []string{"news", "prices"}, units)
	require.Equal(t, 1, lister.count("shop@"))

	cache.Invalidate("shop")
	_, err = cache.Get(ctx, "shop", "")
	require.NoError(t, err)
	require.Equal(t, 2, lister.count("shop@"))
}
