// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/api"
	"github.com/JensMuenkel/scrapyd/internal/clock/system"
	"github.com/JensMuenkel/scrapyd/internal/config"
	"github.com/JensMuenkel/scrapyd/internal/daemon"
	"github.com/JensMuenkel/scrapyd/internal/id/uuid"
	"github.com/JensMuenkel/scrapyd/internal/introspect"
	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/launcher"
	"github.com/JensMuenkel/scrapyd/internal/poller"
	"github.com/JensMuenkel/scrapyd/internal/process"
	"github.com/JensMuenkel/scrapyd/internal/queue/memory"
	"github.com/JensMuenkel/scrapyd/internal/queue/postgres"
	"github.com/JensMuenkel/scrapyd/internal/queue/sqlite"
	"github.com/JensMuenkel/scrapyd/internal/scheduler"
	"github.com/JensMuenkel/scrapyd/internal/spiderlist"
)

// SpiderCacheFile is the persistent spider list cache inside paths.dbs_dir.
// Its extension keeps it out of the sqlite queue's *.db scan.
const SpiderCacheFile = "spider_cache.sqlite"

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup; Close releases everything it opened.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	daemon   *daemon.Daemon
	launcher *launcher.Launcher
	server   *api.Server
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	spawner jobs.Spawner
	lister  jobs.UnitLister
}

// WithSpawner replaces the os/exec worker spawner.
func WithSpawner(s jobs.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithLister replaces the runner-backed spider introspection.
func WithLister(l jobs.UnitLister) Option {
	return func(o *options) { o.lister = l }
}

// New wires the queue, cache, launcher, poller, scheduler, daemon and HTTP
// server from cfg. It fails fast if any backend cannot be opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger.Info("initializing application services",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("cache_persist", cfg.Cache.Persist))

	queue, err := OpenQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	var backend spiderlist.Backend
	if cfg.Cache.Persist {
		sb, err := spiderlist.OpenSQLiteBackend(ctx, filepath.Join(cfg.Paths.DBsDir, SpiderCacheFile))
		if err != nil {
			_ = queue.Close()
			return nil, fmt.Errorf("failed to open spider cache: %w", err)
		}
		backend = sb
		closers = append(closers, sb)
	}

	lister := o.lister
	if lister == nil {
		lister = introspect.New(cfg.Runner.Python, cfg.Runner.Module,
			introspect.WithPythonPath(cfg.Runner.PythonPath),
			introspect.WithNotFoundExitCode(cfg.Runner.NotFoundExitCode),
			introspect.WithLogger(logger.Named("introspect")),
		)
	}
	cache := spiderlist.New(lister, backend, logger.Named("spiderlist"))

	spawner := o.spawner
	if spawner == nil {
		spawner = process.NewSpawner()
	}
	clock := system.New()
	l := launcher.New(spawner, clock, launcher.Config{
		MaxProc:        cfg.Scheduler.MaxProc,
		MaxProcPerCPU:  cfg.Scheduler.MaxProcPerCPU,
		FinishedToKeep: cfg.Scheduler.FinishedToKeep,
		Worker: launcher.WorkerConfig{
			Python:     cfg.Runner.Python,
			Module:     cfg.Runner.Module,
			PythonPath: cfg.Runner.PythonPath,
			EggsDir:    cfg.Paths.EggsDir,
			LogsDir:    cfg.Paths.LogsDir,
			ItemsDir:   cfg.Paths.ItemsDir,
		},
	}, logger.Named("launcher"))

	p := poller.New(queue, l, poller.Config{Interval: cfg.Scheduler.PollInterval}, logger.Named("poller"))
	s := scheduler.New(queue, cache, uuid.New(), clock, l, scheduler.Config{
		Projects:  cfg.Projects,
		EggsDir:   cfg.Paths.EggsDir,
		Admission: p.AdmissionLock(),
	}, logger.Named("scheduler"))

	d, err := daemon.New(daemon.Components{
		Queue:     queue,
		Cache:     cache,
		Scheduler: s,
		Launcher:  l,
		Poller:    p,
		Closers:   closers,
	}, daemon.Options{
		DBsDir:        cfg.Paths.DBsDir,
		ClearOnDelete: cfg.Queue.ClearOnDelete,
	}, logger.Named("daemon"))
	if err != nil {
		_ = queue.Close()
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("failed to build daemon: %w", err)
	}

	server := api.NewServer(d, api.Config{
		NodeName:    cfg.NodeName,
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	logger.Info("application services initialized successfully",
		zap.Int("max_proc", l.Capacity()))
	return &App{
		cfg:      cfg,
		logger:   logger,
		daemon:   d,
		launcher: l,
		server:   server,
	}, nil
}

// OpenQueue opens the pending job queue selected by queue.backend.
func OpenQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (jobs.Queue, error) {
	switch cfg.Queue.Backend {
	case config.BackendSQLite, "":
		q, err := sqlite.Open(cfg.Paths.DBsDir, logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
		}
		logger.Info("using sqlite queue", zap.String("dir", cfg.Paths.DBsDir))
		return q, nil
	case config.BackendPostgres:
		q, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Queue.Postgres.DSN,
			Table:           cfg.Queue.Postgres.Table,
			MaxConns:        cfg.Queue.Postgres.MaxConns,
			MaxConnLifetime: cfg.Queue.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres queue: %w", err)
		}
		logger.Info("using postgres queue", zap.String("table", cfg.Queue.Postgres.Table))
		return q, nil
	case config.BackendMemory:
		logger.Warn("using in-memory queue; pending jobs are lost on restart")
		return memory.NewQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", cfg.Queue.Backend)
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Daemon returns the scheduling façade.
func (a *App) Daemon() *daemon.Daemon {
	return a.daemon
}

// Handler returns the HTTP handler serving the JSON API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Run starts the daemon and the HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.daemon.Stop()
	if err := a.launcher.Drain(shutdownCtx); err != nil {
		running, _ := a.launcher.Snapshot()
		a.logger.Warn("workers still running at exit; leaving them",
			zap.Int("running", len(running)))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close stops the daemon and releases every store. Running workers are not
// waited for; Run drains them within the shutdown timeout.
func (a *App) Close() error {
	err := a.daemon.Close()
	if syncErr := a.logger.Sync(); syncErr != nil {
		// Best effort; stderr may not support fsync.
		a.logger.Debug("logger sync failed on shutdown", zap.Error(syncErr))
	}
	return err
}
