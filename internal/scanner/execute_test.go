package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installStubs creates executable shell scripts in a fresh directory and makes
// that directory the only entry on PATH.
func installStubs(t *testing.T, stubs map[string]string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executables require a POSIX shell")
	}

	dir := t.TempDir()
	for name, body := range stubs {
		script := "#!/bin/sh\n" + body + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
	}
	t.Setenv("PATH", dir)
	return dir
}

func TestExecuteMissingBinaryIsSkipped(t *testing.T) {
	installStubs(t, nil)
	reports := t.TempDir()
	report := filepath.Join(reports, "go_govulncheck.json")

	res := (&Executor{}).Execute(context.Background(), Invocation{
		Tool:       "govulncheck",
		Command:    []string{"govulncheck", "-json", "./..."},
		WorkDir:    t.TempDir(),
		ReportPath: report,
	})

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "govulncheck not found", res.Reason)
	assert.Nil(t, res.ExitCode)
	assert.NoFileExists(t, report, "no process may run and no report may be written")
}

func TestExecuteCapturesStdoutVerbatim(t *testing.T) {
	installStubs(t, map[string]string{
		"dawn": `printf '{"a":1}\nsecond line\n\ttabbed'`,
	})
	report := filepath.Join(t.TempDir(), "rb_dawnscanner.json")

	res := (&Executor{}).Execute(context.Background(), Invocation{
		Tool:       "dawnscanner",
		Command:    []string{"dawn", "-j", "-f", "json", "."},
		WorkDir:    t.TempDir(),
		ReportPath: report,
	})

	require.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\nsecond line\n\ttabbed", string(data))
}

func TestExecuteOutputPlaceholderLeavesReportToTool(t *testing.T) {
	installStubs(t, map[string]string{
		// Writes its own report to the argument after -o and noise to stdout.
		"bandit": `while [ "$#" -gt 0 ]; do if [ "$1" = "-o" ]; then echo '{"own":true}' > "$2"; fi; shift; done; echo stdout-noise`,
	})
	report := filepath.Join(t.TempDir(), "py_bandit.json")

	res := (&Executor{}).Execute(context.Background(), Invocation{
		Tool:       "bandit",
		Command:    []string{"bandit", "-r", ".", "-f", "json", "-o", "{OUTPUT}"},
		WorkDir:    t.TempDir(),
		ReportPath: report,
	})

	require.Equal(t, StatusCompleted, res.Status)
	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Equal(t, "{\"own\":true}\n", string(data))
}

func TestExecuteNonZeroExitIsCompleted(t *testing.T) {
	installStubs(t, map[string]string{"gosec": "exit 3"})

	res := (&Executor{}).Execute(context.Background(), Invocation{
		Tool:       "gosec",
		Command:    []string{"gosec", "-out={OUTPUT}", "./..."},
		WorkDir:    t.TempDir(),
		ReportPath: filepath.Join(t.TempDir(), "go_gosec.json"),
	})

	require.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestExecuteRunsInWorkDirAndSubstitutesFile(t *testing.T) {
	installStubs(t, map[string]string{"shellcheck": `pwd; echo "$@"`})
	work := t.TempDir()
	report := filepath.Join(t.TempDir(), "sh_0.json")

	res := (&Executor{}).Execute(context.Background(), Invocation{
		Tool:       "shellcheck_0",
		Command:    []string{"shellcheck", "-f", "json", "{FILE}"},
		WorkDir:    work,
		ReportPath: report,
		File:       "/src/run.sh",
	})

	require.Equal(t, StatusCompleted, res.Status)
	data, err := os.ReadFile(report)
	require.NoError(t, err)

	resolvedWork, err := filepath.EvalSymlinks(work)
	require.NoError(t, err)
	assert.Contains(t, string(data), resolvedWork)
	assert.Contains(t, string(data), "-f json /src/run.sh")
}

func TestExecuteErrors(t *testing.T) {
	installStubs(t, map[string]string{"njsscan": "echo ok"})

	tests := []struct {
		name    string
		workDir string
		report  string
	}{
		{
			name:    "missing working directory",
			workDir: filepath.Join(t.TempDir(), "missing"),
			report:  filepath.Join(t.TempDir(), "r.json"),
		},
		{
			name:    "unwritable report path",
			workDir: t.TempDir(),
			report:  filepath.Join(t.TempDir(), "missing", "r.json"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := (&Executor{}).Execute(context.Background(), Invocation{
				Tool:       "njsscan",
				Command:    []string{"njsscan", "."},
				WorkDir:    tt.workDir,
				ReportPath: tt.report,
			})
			assert.Equal(t, StatusError, res.Status)
			assert.NotEmpty(t, res.Message)
			assert.Nil(t, res.ExitCode)
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	installStubs(t, map[string]string{"semgrep": "exec /bin/sleep 10"})

	start := time.Now()
	res := (&Executor{Timeout: 200 * time.Millisecond}).Execute(context.Background(), Invocation{
		Tool:       "semgrep_python",
		Command:    []string{"semgrep", "scan"},
		WorkDir:    t.TempDir(),
		ReportPath: filepath.Join(t.TempDir(), "py_semgrep_python.json"),
	})

	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "timed out after 200ms", res.Message)
	assert.Less(t, time.Since(start), 8*time.Second)
}
