// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

// Queue is an in-memory per-project FIFO. Nothing survives a restart.
type Queue struct {
	mu       sync.Mutex
	projects map[string][]jobs.Descriptor
	closed   bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		projects: make(map[string][]jobs.Descriptor),
	}
}

// Enqueue appends a job to the project's sequence.
func (q *Queue) Enqueue(ctx context.Context, project string, job jobs.Descriptor) error {
	return q.insert(ctx, project, job, false)
}

// PushFront puts a job back ahead of every pending job of the project.
func (q *Queue) PushFront(ctx context.Context, project string, job jobs.Descriptor) error {
	return q.insert(ctx, project, job, true)
}

func (q *Queue) insert(ctx context.Context, project string, job jobs.Descriptor, front bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: queue closed", project)
	}
	job = job.Clone()
	if front {
		q.projects[project] = append([]jobs.Descriptor{job}, q.projects[project]...)
		return nil
	}
	q.projects[project] = append(q.projects[project], job)
	return nil
}

// Count returns the number of pending jobs.
func (q *Queue) Count(_ context.Context, project string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.projects[project]), nil
}

// List returns a FIFO snapshot.
func (q *Queue) List(_ context.Context, project string) ([]jobs.Descriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.projects[project]
	out := make([]jobs.Descriptor, len(pending))
	for i, d := range pending {
		out[i] = d.Clone()
	}
	return out, nil
}

// PopNext removes and returns the oldest job.
func (q *Queue) PopNext(_ context.Context, project string) (jobs.Descriptor, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.projects[project]
	if len(pending) == 0 {
		return jobs.Descriptor{}, false, nil
	}
	head := pending[0]
	q.setLocked(project, pending[1:])
	return head, true, nil
}

// Remove deletes the first job matching the predicate.
func (q *Queue) Remove(_ context.Context, project string, match func(jobs.Descriptor) bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.projects[project]
	for i, d := range pending {
		if !match(d) {
			continue
		}
		rest := make([]jobs.Descriptor, 0, len(pending)-1)
		rest = append(rest, pending[:i]...)
		rest = append(rest, pending[i+1:]...)
		q.setLocked(project, rest)
		return true, nil
	}
	return false, nil
}

// Projects lists projects with pending jobs, sorted by name.
func (q *Queue) Projects(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.projects))
	for project, pending := range q.projects {
		if len(pending) > 0 {
			out = append(out, project)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Clear drops every pending job of the project.
func (q *Queue) Clear(_ context.Context, project string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.projects, project)
	return nil
}

// Close rejects further enqueues. Safe to call twice.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) setLocked(project string, pending []jobs.Descriptor) {
	if len(pending) == 0 {
		delete(q.projects, project)
		return
	}
	q.projects[project] = pending
}
