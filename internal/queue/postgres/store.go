// Package postgres provides a Postgres-backed job queue shared by all projects.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the queue table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store keeps pending jobs for every project in one table.
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres and creates the queue table when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "spider_queue"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the queue table and its ordering index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id       BIGSERIAL PRIMARY KEY,
			project  TEXT             NOT NULL,
			position BIGINT           NOT NULL,
			priority DOUBLE PRECISION NOT NULL DEFAULT 0,
			job_id   TEXT             NOT NULL,
			message  JSONB            NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_order ON %[1]s (project, position, id);
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Enqueue appends a job after every pending job of the project.
func (s *Store) Enqueue(ctx context.Context, project string, job jobs.Descriptor) error {
	return s.insert(ctx, project, job, "COALESCE(MAX(position), 0) + 1")
}

// PushFront inserts a job ahead of every pending job of the project.
func (s *Store) PushFront(ctx context.Context, project string, job jobs.Descriptor) error {
	return s.insert(ctx, project, job, "COALESCE(MIN(position), 0) - 1")
}

func (s *Store) insert(ctx context.Context, project string, job jobs.Descriptor, positionExpr string) error {
	if err := jobs.ValidateProject(project); err != nil {
		return err
	}
	msg, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (project, position, priority, job_id, message)
		SELECT $1::text, %[2]s, $2::double precision, $3::text, $4::jsonb
		FROM %[1]s WHERE project = $1
	`, s.table, positionExpr)
	if _, err := s.pool.Exec(ctx, query, project, job.Priority, job.JobID, msg); err != nil {
		return fmt.Errorf("insert job %s into %s: %w", job.JobID, project, err)
	}
	return nil
}

// Count returns the number of pending jobs, zero for an unknown project.
func (s *Store) Count(ctx context.Context, project string) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE project = $1", s.table)
	if err := s.pool.QueryRow(ctx, query, project).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", project, err)
	}
	return n, nil
}

// List returns the pending jobs in FIFO order.
func (s *Store) List(ctx context.Context, project string) ([]jobs.Descriptor, error) {
	query := fmt.Sprintf("SELECT message FROM %s WHERE project = $1 ORDER BY position, id", s.table)
	rows, err := s.pool.Query(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", project, err)
	}
	defer rows.Close()

	var out []jobs.Descriptor
	for rows.Next() {
		var msg []byte
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

// PopNext removes and returns the oldest job in a single statement.
func (s *Store) PopNext(ctx context.Context, project string) (jobs.Descriptor, bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %[1]s WHERE id = (
			SELECT id FROM %[1]s WHERE project = $1
			ORDER BY position, id LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING message
	`, s.table)
	var msg []byte
	if err := s.pool.QueryRow(ctx, query, project).Scan(&msg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Descriptor{}, false, nil
		}
		return jobs.Descriptor{}, false, fmt.Errorf("pop %s: %w", project, err)
	}
	d, err := decode(msg)
	if err != nil {
		return jobs.Descriptor{}, false, err
	}
	return d, true, nil
}

// Remove deletes the first job matching the predicate.
func (s *Store) Remove(ctx context.Context, project string, match func(jobs.Descriptor) bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin remove tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(
		"SELECT id, message FROM %s WHERE project = $1 ORDER BY position, id FOR UPDATE", s.table)
	rows, err := tx.Query(ctx, query, project)
	if err != nil {
		return false, fmt.Errorf("select %s: %w", project, err)
	}
	target := int64(-1)
	for rows.Next() {
		var (
			id  int64
			msg []byte
		)
		if err := rows.Scan(&id, &msg); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan %s: %w", project, err)
		}
		d, err := decode(msg)
		if err != nil {
			rows.Close()
			return false, err
		}
		if match(d) {
			target = id
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate %s: %w", project, err)
	}
	if target < 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), target); err != nil {
		return false, fmt.Errorf("delete from %s: %w", project, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit remove: %w", err)
	}
	return true, nil
}

// Projects lists projects with at least one pending job, sorted by name.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT project FROM %s ORDER BY project", s.table))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var project string
		if err := rows.Scan(&project); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// Clear drops every pending job of the project.
func (s *Store) Clear(ctx context.Context, project string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE project = $1", s.table), project); err != nil {
		return fmt.Errorf("clear %s: %w", project, err)
	}
	return nil
}

func decode(msg []byte) (jobs.Descriptor, error) {
	var d jobs.Descriptor
	if err := json.Unmarshal(msg, &d); err != nil {
		return jobs.Descriptor{}, fmt.Errorf("decode queued job: %w", err)
	}
	return d, nil
}
