// Package sqlite persists per-project job queues in SQLite, one database file
// per project under a shared directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

const (
	dbSuffix = ".db"

	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS queue (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	position INTEGER NOT NULL,
	priority REAL    NOT NULL DEFAULT 0,
	job_id   TEXT    NOT NULL,
	message  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_position ON queue (position, id);
`

// Store owns every project database under dir.
type Store struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	projects map[string]*projectDB
	closed   bool
}

type projectDB struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open prepares dir and reopens every project database already present in it,
// so jobs queued before a restart are visible immediately.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("queue directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		logger:   logger,
		projects: make(map[string]*projectDB),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, dbSuffix) {
			continue
		}
		project := strings.TrimSuffix(name, dbSuffix)
		if jobs.ValidateProject(project) != nil {
			continue
		}
		if _, err := s.project(context.Background(), project, true); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	logger.Info("queue store opened", zap.String("dir", dir), zap.Int("projects", len(s.projects)))
	return s, nil
}

// Close closes every project database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for project, p := range s.projects {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", project, err))
		}
	}
	return errors.Join(errs...)
}

// Enqueue appends a job after every pending job of the project.
func (s *Store) Enqueue(ctx context.Context, project string, job jobs.Descriptor) error {
	return s.insert(ctx, project, job,
		`INSERT INTO queue (position, priority, job_id, message)
		 VALUES ((SELECT COALESCE(MAX(position), 0) + 1 FROM queue), ?, ?, ?)`)
}

// PushFront inserts a job ahead of every pending job of the project.
func (s *Store) PushFront(ctx context.Context, project string, job jobs.Descriptor) error {
	return s.insert(ctx, project, job,
		`INSERT INTO queue (position, priority, job_id, message)
		 VALUES ((SELECT COALESCE(MIN(position), 0) - 1 FROM queue), ?, ?, ?)`)
}

func (s *Store) insert(ctx context.Context, project string, job jobs.Descriptor, query string) error {
	p, err := s.project(ctx, project, true)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.exec(ctx, query, job.Priority, job.JobID, string(msg)); err != nil {
		return fmt.Errorf("insert job %s into %s: %w", job.JobID, project, err)
	}
	return nil
}

// Count returns the number of pending jobs, zero for an unknown project.
func (s *Store) Count(ctx context.Context, project string) (int, error) {
	p, err := s.project(ctx, project, false)
	if err != nil || p == nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", project, err)
	}
	return n, nil
}

// List returns the pending jobs in FIFO order.
func (s *Store) List(ctx context.Context, project string) ([]jobs.Descriptor, error) {
	p, err := s.project(ctx, project, false)
	if err != nil || p == nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.db.QueryContext(ctx, "SELECT message FROM queue ORDER BY position, id")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", project, err)
	}
	defer rows.Close()

	var out []jobs.Descriptor
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan %s: %w", project, err)
		}
		d, err := decode(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", project, err)
	}
	return out, nil
}

// PopNext removes and returns the oldest job.
func (s *Store) PopNext(ctx context.Context, project string) (jobs.Descriptor, bool, error) {
	p, err := s.project(ctx, project, false)
	if err != nil || p == nil {
		return jobs.Descriptor{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		out   jobs.Descriptor
		found bool
	)
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id  int64
			msg string
		)
		row := tx.QueryRowContext(ctx, "SELECT id, message FROM queue ORDER BY position, id LIMIT 1")
		if err := row.Scan(&id, &msg); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select head: %w", err)
		}
		d, err := decode(msg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete head: %w", err)
		}
		out, found = d, true
		return nil
	})
	if err != nil {
		return jobs.Descriptor{}, false, fmt.Errorf("pop %s: %w", project, err)
	}
	return out, found, nil
}

// Remove deletes the first job matching the predicate.
func (s *Store) Remove(ctx context.Context, project string, match func(jobs.Descriptor) bool) (bool, error) {
	p, err := s.project(ctx, project, false)
	if err != nil || p == nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := false
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT id, message FROM queue ORDER BY position, id")
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		target := int64(-1)
		for rows.Next() {
			var (
				id  int64
				msg string
			)
			if err := rows.Scan(&id, &msg); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan: %w", err)
			}
			d, err := decode(msg)
			if err != nil {
				_ = rows.Close()
				return err
			}
			if match(d) {
				target = id
				break
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close rows: %w", err)
		}
		if target < 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", target); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove from %s: %w", project, err)
	}
	return removed, nil
}

// Projects lists projects with at least one pending job, sorted by name.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		n, err := s.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, name)
		}
	}
	return out, nil
}

// Clear drops every pending job of the project.
func (s *Store) Clear(ctx context.Context, project string) error {
	p, err := s.project(ctx, project, false)
	if err != nil || p == nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.exec(ctx, "DELETE FROM queue"); err != nil {
		return fmt.Errorf("clear %s: %w", project, err)
	}
	return nil
}

// project returns the handle for a project. With create=false an unknown
// project yields (nil, nil) so reads never create files.
func (s *Store) project(ctx context.Context, project string, create bool) (*projectDB, error) {
	if err := jobs.ValidateProject(project); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("queue store closed")
	}
	if p, ok := s.projects[project]; ok {
		return p, nil
	}
	if !create {
		return nil, nil
	}
	p, err := openProjectDB(ctx, filepath.Join(s.dir, project+dbSuffix))
	if err != nil {
		return nil, err
	}
	s.projects[project] = p
	return p, nil
}

func openProjectDB(ctx context.Context, path string) (*projectDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	// One connection keeps the per-connection pragmas in force for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema %s: %w", path, err)
	}
	return &projectDB{db: db, path: path}, nil
}

func (p *projectDB) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := p.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (p *projectDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func decode(msg string) (jobs.Descriptor, error) {
	var d jobs.Descriptor
	if err := json.Unmarshal([]byte(msg), &d); err != nil {
		return jobs.Descriptor{}, fmt.Errorf("decode queued job: %w", err)
	}
	return d, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
