package introspect

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

// fakeRunner swaps commandContext for a shell script and records the argv.
func fakeRunner(t *testing.T, script string) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{name}, args...)
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &captured
}

func TestListUnitsParsesOnePerLine(t *testing.T) {
	argv := fakeRunner(t, `printf 'news\n\nprices\r\n'`)

	r := New("/usr/bin/python3", "scrapyd.runner", WithBaseEnv([]string{"PATH=/usr/bin:/bin"}))
	units, err := r.ListUnits(context.Background(), "shop", "")
	require.NoError(t, err)
	require.Equal(t, []string{"news", "prices"}, units)
	require.Equal(t, []string{"/usr/bin/python3", "-m", "scrapyd.runner", "list"}, *argv)
}

func TestListUnitsEmptyOutput(t *testing.T) {
	fakeRunner(t, `exit 0`)

	units, err := New("", "", WithBaseEnv([]string{"PATH=/usr/bin:/bin"})).ListUnits(context.Background(), "shop", "")
	require.NoError(t, err)
	require.Empty(t, units)
	require.NotNil(t, units)
}

func TestListUnitsSetsEnvironment(t *testing.T) {
	fakeRunner(t, `echo "$SCRAPY_PROJECT"; echo "$SCRAPY_EGG_VERSION"; echo "$PYTHONIOENCODING"; echo "$PYTHONPATH"`)

	r := New("", "",
		WithPythonPath("/srv/lib"),
		WithBaseEnv([]string{"PATH=/usr/bin:/bin", "SCRAPY_PROJECT=stale", "PYTHONPATH=/old"}))
	units, err := r.ListUnits(context.Background(), "shop", "r7")
	require.NoError(t, err)
	require.Equal(t, []string{"shop", "r7", "UTF-8", "/srv/lib"}, units)
}

func TestListUnitsErrnoFragmentIsNotFound(t *testing.T) {
	fakeRunner(t, `echo "IOError: [Errno 2] No such file or directory: 'eggs/shop'" >&2; exit 1`)

	_, err := New("", "", WithBaseEnv([]string{"PATH=/usr/bin:/bin"})).ListUnits(context.Background(), "shop", "r1")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.Contains(t, err.Error(), `"r1"`)
}

func TestListUnitsConfiguredExitCodeIsNotFound(t *testing.T) {
	fakeRunner(t, `echo "no such project" >&2; exit 3`)

	r := New("", "", WithNotFoundExitCode(3), WithBaseEnv([]string{"PATH=/usr/bin:/bin"}))
	_, err := r.ListUnits(context.Background(), "shop", "")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestListUnitsOtherFailureKeepsLastLine(t *testing.T) {
	fakeRunner(t, `printf 'Traceback (most recent call last):\n  File "x.py"\nImportError: no module named shop\n' >&2; exit 1`)

	_, err := New("", "", WithBaseEnv([]string{"PATH=/usr/bin:/bin"})).ListUnits(context.Background(), "shop", "")
	var introErr *jobs.IntrospectionError
	require.True(t, errors.As(err, &introErr))
	require.Equal(t, "ImportError: no module named shop", introErr.Diagnostic)
	require.False(t, errors.Is(err, jobs.ErrNotFound))
}

func TestListUnitsRejectsInvalidProject(t *testing.T) {
	_, err := New("", "").ListUnits(context.Background(), "../etc", "")
	require.ErrorIs(t, err, jobs.ErrInvalidRequest)
}

func TestClassify(t *testing.T) {
	r := New("", "", WithNotFoundExitCode(9))

	testCases := []struct {
		name     string
		code     int
		stderr   string
		stdout   string
		notFound bool
		diag     string
	}{
		{name: "success", code: 0},
		{name: "structured not found", code: 9, notFound: true},
		{name: "errno fragment", code: 1, stderr: "[Errno 2] missing", notFound: true},
		{name: "falls back to stdout", code: 1, stdout: "first\nlast\n", diag: "last"},
		{name: "no output", code: 1, diag: "unknown error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Classify("shop", "", tc.code, []byte(tc.stderr), []byte(tc.stdout))
			switch {
			case tc.code == 0:
				require.NoError(t, err)
			case tc.notFound:
				require.ErrorIs(t, err, jobs.ErrNotFound)
			default:
				var introErr *jobs.IntrospectionError
				require.True(t, errors.As(err, &introErr))
				require.Equal(t, tc.diag, introErr.Diagnostic)
			}
		})
	}
}
