package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
	"github.com/JensMuenkel/scrapyd/internal/scheduler"
)

// timeLayout matches the space-separated ISO format scrapyd clients parse.
const timeLayout = "2006-01-02 15:04:05.000000"

// reservedScheduleFields are consumed by schedule.json; every other form
// field becomes a spider argument.
var reservedScheduleFields = map[string]struct{}{
	"project":  {},
	"spider":   {},
	"jobid":    {},
	"priority": {},
	"setting":  {},
	"api_key":  {},
}

type pendingJSON struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	Spider  string `json:"spider"`
	Version string `json:"version,omitempty"`
}

type runningJSON struct {
	ID        string `json:"id"`
	Project   string `json:"project"`
	Spider    string `json:"spider"`
	PID       int    `json:"pid"`
	StartTime string `json:"start_time"`
	LogURL    string `json:"log_url,omitempty"`
}

type finishedJSON struct {
	ID        string `json:"id"`
	Project   string `json:"project"`
	Spider    string `json:"spider"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Outcome   string `json:"outcome"`
	ExitCode  int    `json:"exit_code"`
	Signal    string `json:"signal,omitempty"`
	Cancelled bool   `json:"cancelled"`
	LogURL    string `json:"log_url,omitempty"`
}

func (s *Server) daemonStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, map[string]any{
		"pending":  st.PendingTotal(),
		"running":  len(st.Running),
		"finished": len(st.Finished),
	})
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := scheduleRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobID, err := s.service.Schedule(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, map[string]any{"jobid": jobID})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prev, err := s.service.Cancel(r.Context(), r.Form.Get("project"), r.Form.Get("job"), r.Form.Get("signal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var prevstate any
	if prev != jobs.PrevStateNone {
		prevstate = string(prev)
	}
	s.ok(w, map[string]any{"prevstate": prevstate})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	pj, err := s.service.ListJobs(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pending := make([]pendingJSON, 0, len(pj.Pending))
	for _, d := range pj.Pending {
		pending = append(pending, pendingJSON{ID: d.JobID, Project: d.Project, Spider: d.Spider, Version: d.Version})
	}
	running := make([]runningJSON, 0, len(pj.Running))
	for _, rw := range pj.Running {
		running = append(running, runningJSON{
			ID:        rw.JobID,
			Project:   rw.Project,
			Spider:    rw.Spider,
			PID:       rw.PID,
			StartTime: formatTime(rw.StartTime),
			LogURL:    rw.LogPath,
		})
	}
	finished := make([]finishedJSON, 0, len(pj.Finished))
	for _, f := range pj.Finished {
		finished = append(finished, finishedJSON{
			ID:        f.JobID,
			Project:   f.Project,
			Spider:    f.Spider,
			StartTime: formatTime(f.StartTime),
			EndTime:   formatTime(f.EndTime),
			Outcome:   f.Outcome.Label(),
			ExitCode:  f.Outcome.ExitCode,
			Signal:    f.Outcome.Signal,
			Cancelled: f.Cancelled,
			LogURL:    f.LogPath,
		})
	}
	s.ok(w, map[string]any{
		"pending":  pending,
		"running":  running,
		"finished": finished,
	})
}

func (s *Server) listSpiders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spiders, err := s.service.ListSpiders(r.Context(), q.Get("project"), q.Get(jobs.VersionArg))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, map[string]any{"spiders": spiders})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, map[string]any{"projects": projects})
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	project := r.Form.Get("project")
	var err error
	switch event := r.Form.Get("event"); event {
	case "", "deploy":
		err = s.service.DeployInvalidate(project)
	case "delete":
		err = s.service.DeleteInvalidate(r.Context(), project)
	default:
		err = fmt.Errorf("%w: unknown event %q", jobs.ErrInvalidRequest, event)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, nil)
}

// fail maps domain errors to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var introErr *jobs.IntrospectionError
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrUnitNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrDuplicateJob):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &introErr):
		s.logger.Warn("spider introspection failed",
			zap.String("project", introErr.Project), zap.String("diagnostic", introErr.Diagnostic))
		s.writeError(w, http.StatusInternalServerError, introErr.Diagnostic)
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func scheduleRequest(r *http.Request) (scheduler.Request, error) {
	req := scheduler.Request{
		Project: r.Form.Get("project"),
		Spider:  r.Form.Get("spider"),
		JobID:   r.Form.Get("jobid"),
		Args:    map[string]string{},
	}
	if raw := r.Form.Get("priority"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("%w: priority must be a number", jobs.ErrInvalidRequest)
		}
		req.Priority = p
	}
	for _, raw := range r.Form["setting"] {
		k, v, ok := strings.Cut(raw, "=")
		if !ok {
			return req, fmt.Errorf("%w: setting %q must be NAME=VALUE", jobs.ErrInvalidRequest, raw)
		}
		if req.Settings == nil {
			req.Settings = map[string]string{}
		}
		req.Settings[k] = v
	}
	for k, vs := range r.Form {
		if _, reserved := reservedScheduleFields[k]; reserved || len(vs) == 0 {
			continue
		}
		req.Args[k] = vs[0]
	}
	return req, nil
}

func parseForm(r *http.Request) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return fmt.Errorf("parse multipart form: %w", err)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
