package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/metrics"
	"github.com/JensMuenkel/scrapyd/internal/scheduler"
)

// Service is the daemon surface the handlers call.
type Service interface {
	Schedule(ctx context.Context, req scheduler.Request) (string, error)
	Cancel(ctx context.Context, project, jobID, signalName string) (jobs.PrevState, error)
	Status(ctx context.Context) (jobs.Status, error)
	ListJobs(ctx context.Context, project string) (jobs.ProjectJobs, error)
	ListSpiders(ctx context.Context, project, version string) ([]string, error)
	ListProjects(ctx context.Context) ([]string, error)
	DeployInvalidate(project string) error
	DeleteInvalidate(ctx context.Context, project string) error
}

// Config controls Server behavior.
type Config struct {
	NodeName       string
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the daemon.
type Server struct {
	router  chi.Router
	service Service
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/daemonstatus.json", s.daemonStatus)
		r.Post("/schedule.json", s.schedule)
		r.Post("/cancel.json", s.cancel)
		r.Get("/listjobs.json", s.listJobs)
		r.Get("/listspiders.json", s.listSpiders)
		r.Get("/listprojects.json", s.listProjects)
		r.Post("/invalidate.json", s.invalidate)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ok(w http.ResponseWriter, fields map[string]any) {
	payload := map[string]any{
		"node_name": s.cfg.NodeName,
		"status":    "ok",
	}
	for k, v := range fields {
		payload[k] = v
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{
		"node_name": s.cfg.NodeName,
		"status":    "error",
		"message":   msg,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}
