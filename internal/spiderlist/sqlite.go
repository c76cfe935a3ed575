package spiderlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteBackend persists cache entries so a restart does not re-run every
// introspection.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (or creates) the cache database at path.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spider cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS spider_list_cache (
			project TEXT NOT NULL,
			version TEXT NOT NULL,
			units   TEXT NOT NULL,
			PRIMARY KEY (project, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init spider cache db: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

// Get looks up project/version.
func (b *SQLiteBackend) Get(ctx context.Context, project, version string) ([]string, bool, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		"SELECT units FROM spider_list_cache WHERE project = ? AND version = ?",
		project, version,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cache row: %w", err)
	}
	var units []string
	if err := json.Unmarshal([]byte(raw), &units); err != nil {
		return nil, false, fmt.Errorf("decode cache row: %w", err)
	}
	return units, true, nil
}

// Put stores units for project/version, overwriting any previous value.
func (b *SQLiteBackend) Put(ctx context.Context, project, version string, units []string) error {
	raw, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("encode cache row: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO spider_list_cache (project, version, units) VALUES (?, ?, ?)
		 ON CONFLICT (project, version) DO UPDATE SET units = excluded.units`,
		project, version, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// Evict drops every version of the given projects in one transaction.
func (b *SQLiteBackend) Evict(ctx context.Context, projects []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evict: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range projects {
		if _, err := tx.ExecContext(ctx, "DELETE FROM spider_list_cache WHERE project = ?", p); err != nil {
			return fmt.Errorf("evict %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evict: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
