// Package introspect asks a project's runner which spiders it exposes.
package introspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

var commandContext = exec.CommandContext

// notFoundFragment is what the runner prints when the project egg is missing.
const notFoundFragment = "[Errno 2]"

// Option configures a Runner.
type Option func(*Runner)

// WithPythonPath sets PYTHONPATH for the runner process.
func WithPythonPath(path string) Option {
	return func(r *Runner) {
		r.pythonPath = path
	}
}

// WithNotFoundExitCode makes the given exit status mean "project or version
// not found" regardless of output. Zero disables the check.
func WithNotFoundExitCode(code int) Option {
	return func(r *Runner) {
		r.notFoundExitCode = code
	}
}

// WithBaseEnv replaces the inherited environment (os.Environ by default).
func WithBaseEnv(env []string) Option {
	return func(r *Runner) {
		r.baseEnv = append([]string(nil), env...)
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner runs `<python> -m <module> list` and parses one spider per line.
type Runner struct {
	python           string
	module           string
	pythonPath       string
	notFoundExitCode int
	baseEnv          []string
	logger           *zap.Logger
}

// New constructs a Runner. Empty python/module fall back to python3 and scrapyd.runner.
func New(python, module string, opts ...Option) *Runner {
	r := &Runner{
		python: python,
		module: module,
		logger: zap.NewNop(),
	}
	if r.python == "" {
		r.python = "python3"
	}
	if r.module == "" {
		r.module = "scrapyd.runner"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListUnits implements jobs.UnitLister.
func (r *Runner) ListUnits(ctx context.Context, project, version string) ([]string, error) {
	if err := jobs.ValidateProject(project); err != nil {
		return nil, err
	}

	cmd := commandContext(ctx, r.python, "-m", r.module, "list") //nolint:gosec
	cmd.Env = r.environ(project, version)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("list spiders for %s: %w", project, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &jobs.IntrospectionError{Project: project, Version: version, Diagnostic: err.Error()}
		}
		classified := r.Classify(project, version, exitErr.ExitCode(), stderr.Bytes(), stdout.Bytes())
		r.logger.Debug("list spiders failed",
			zap.String("project", project),
			zap.String("version", version),
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.Error(classified))
		return nil, classified
	}
	return parseUnits(stdout.String()), nil
}

// Classify turns a finished runner invocation into nil, a NotFound error or an
// *jobs.IntrospectionError carrying the last line of output.
func (r *Runner) Classify(project, version string, exitCode int, stderr, stdout []byte) error {
	if exitCode == 0 {
		return nil
	}
	if r.notFoundExitCode != 0 && exitCode == r.notFoundExitCode {
		return jobs.NotFound(project, version)
	}
	if bytes.Contains(stderr, []byte(notFoundFragment)) {
		return jobs.NotFound(project, version)
	}
	msg := stderr
	if len(bytes.TrimSpace(msg)) == 0 {
		msg = stdout
	}
	return &jobs.IntrospectionError{
		Project:    project,
		Version:    version,
		Diagnostic: lastLine(string(msg)),
	}
}

func (r *Runner) environ(project, version string) []string {
	base := r.baseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+4)
	for _, kv := range base {
		switch envKey(kv) {
		case "SCRAPY_PROJECT", "SCRAPY_EGG_VERSION", "PYTHONIOENCODING":
			continue
		case "PYTHONPATH":
			if r.pythonPath != "" {
				continue
			}
		}
		env = append(env, kv)
	}
	env = append(env, "PYTHONIOENCODING=UTF-8", "SCRAPY_PROJECT="+project)
	if r.pythonPath != "" {
		env = append(env, "PYTHONPATH="+r.pythonPath)
	}
	if version != "" {
		env = append(env, "SCRAPY_EGG_VERSION="+version)
	}
	return env
}

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

func parseUnits(out string) []string {
	units := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		units = append(units, line)
	}
	return units
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "unknown error"
}

var _ jobs.UnitLister = (*Runner)(nil)
