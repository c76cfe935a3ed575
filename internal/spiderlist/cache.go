// Package spiderlist caches the spiders each project version exposes.
//
// Invalidation is lazy: Invalidate only records the project, and the next Get
// (for any key) evicts every recorded project before doing its own lookup. A
// deploy followed by many reads therefore pays for one eviction pass.
package spiderlist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/metrics"
)

// Backend stores cached spider lists keyed by project and version.
type Backend interface {
	Get(ctx context.Context, project, version string) ([]string, bool, error)
	Put(ctx context.Context, project, version string, units []string) error
	Evict(ctx context.Context, projects []string) error
}

// Cache is the process-wide spider list cache. Create one at daemon start and
// inject it wherever spider lists are needed.
type Cache struct {
	lister  jobs.UnitLister
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	// generation is bumped on every Invalidate so a lister call that started
	// before the invalidation cannot write its stale result back.
	generation map[string]uint64
}

// New constructs a Cache. A nil backend selects the in-memory backend.
func New(lister jobs.UnitLister, backend Backend, logger *zap.Logger) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		lister:     lister,
		backend:    backend,
		logger:     logger,
		pending:    make(map[string]struct{}),
		generation: make(map[string]uint64),
	}
}

// Get returns the spiders of project at version ("" is the latest version).
// A hit never calls the lister; a miss calls it once and caches the result
// under the exact version requested.
func (c *Cache) Get(ctx context.Context, project, version string) ([]string, error) {
	if err := c.applyInvalidations(ctx); err != nil {
		return nil, err
	}

	units, ok, err := c.backend.Get(ctx, project, version)
	if err != nil {
		return nil, fmt.Errorf("read spider cache: %w", err)
	}
	// An entry read while project still awaits eviction is stale.
	if ok && !c.isPending(project) {
		metrics.ObserveSpiderCache("hit")
		return cloneUnits(units), nil
	}
	metrics.ObserveSpiderCache("miss")

	gen := c.generationOf(project)
	units, err = c.lister.ListUnits(ctx, project, version)
	if err != nil {
		return nil, err
	}
	if c.generationOf(project) != gen {
		c.logger.Debug("spider list invalidated during lookup; not caching",
			zap.String("project", project), zap.String("version", version))
		return cloneUnits(units), nil
	}
	if err := c.backend.Put(ctx, project, version, cloneUnits(units)); err != nil {
		c.logger.Warn("failed to cache spider list",
			zap.String("project", project), zap.String("version", version), zap.Error(err))
	}
	return cloneUnits(units), nil
}

// Invalidate marks project for eviction on the next Get.
func (c *Cache) Invalidate(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[project] = struct{}{}
	c.generation[project]++
}

// applyInvalidations evicts every pending project. A project stays pending
// until its eviction succeeded and no newer Invalidate arrived.
func (c *Cache) applyInvalidations(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]uint64, len(c.pending))
	projects := make([]string, 0, len(c.pending))
	for p := range c.pending {
		snapshot[p] = c.generation[p]
		projects = append(projects, p)
	}
	c.mu.Unlock()

	if err := c.backend.Evict(ctx, projects); err != nil {
		return fmt.Errorf("evict spider cache: %w", err)
	}

	c.mu.Lock()
	for p, gen := range snapshot {
		if c.generation[p] == gen {
			delete(c.pending, p)
		}
	}
	c.mu.Unlock()
	c.logger.Debug("spider cache evicted", zap.Strings("projects", projects))
	return nil
}

func (c *Cache) isPending(project string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[project]
	return ok
}

func (c *Cache) generationOf(project string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation[project]
}

func cloneUnits(units []string) []string {
	if units == nil {
		return []string{}
	}
	out := make([]string, len(units))
	copy(out, units)
	return out
}
