package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelssec/soak/internal/detect"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		path := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	}
	return root
}

func toolNames(results []ExecutionResult) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Tool
	}
	return names
}

func TestAggregatorPythonAndRuby(t *testing.T) {
	stub := `echo '{"findings":[]}'`
	installStubs(t, map[string]string{
		"bandit":   stub,
		"semgrep":  stub,
		"dawn":     stub,
		"brakeman": stub,
	})
	target := writeTree(t, "app.py", "Gemfile")
	reports := filepath.Join(t.TempDir(), "reports")

	det, err := detect.Detect(target)
	require.NoError(t, err)
	var reportNames []string
	for _, job := range Plan(det, target, reports) {
		reportNames = append(reportNames, job.ReportName)
	}
	assert.Equal(t, []string{
		"global_gitleaks.json",
		"global_trivy_fs.json",
		"py_bandit.json",
		"py_semgrep_python.json",
		"rb_dawnscanner.json",
		"rb_brakeman.json",
	}, reportNames)

	agg := &Aggregator{Executor: &Executor{}, Workers: 4}
	summary, err := agg.Run(context.Background(), target, reports, EngineInfo{Version: "1.1.0", Commit: "abc123", Branch: "main"})
	require.NoError(t, err)

	require.Len(t, summary.Results, 6)
	assert.Equal(t, []string{"gitleaks", "trivy_fs", "bandit", "semgrep_python", "dawnscanner", "brakeman"}, toolNames(summary.Results))
	assert.Equal(t, StatusSkipped, summary.Results[0].Status)
	assert.Equal(t, "gitleaks not found", summary.Results[0].Reason)
	assert.Equal(t, StatusSkipped, summary.Results[1].Status)
	for _, r := range summary.Results[2:] {
		assert.Equal(t, StatusCompleted, r.Status, r.Tool)
	}
	assert.Equal(t, map[Status]int{StatusSkipped: 2, StatusCompleted: 4}, summary.Counts())

	assert.FileExists(t, filepath.Join(reports, "rb_dawnscanner.json"))
	assert.Equal(t, "SOAK 1.1.0", summary.Engine)
	assert.Equal(t, "abc123", summary.ScanInfo.TargetCommit)
	assert.Equal(t, "main", summary.ScanInfo.TargetBranch)

	onDisk, err := ReadSummary(filepath.Join(reports, SummaryFile))
	require.NoError(t, err)
	assert.Equal(t, toolNames(summary.Results), toolNames(onDisk.Results))
}

func TestAggregatorShellBatchIsCapped(t *testing.T) {
	installStubs(t, map[string]string{"shellcheck": `echo "[]"`})

	var files []string
	for i := 0; i < 15; i++ {
		files = append(files, fmt.Sprintf("bin/script%02d.sh", i))
	}
	target := writeTree(t, files...)
	reports := t.TempDir()

	agg := &Aggregator{Executor: &Executor{}, Workers: 3}
	summary, err := agg.Run(context.Background(), target, reports, EngineInfo{Version: "dev", Commit: "none", Branch: "none"})
	require.NoError(t, err)

	require.Len(t, summary.Results, 12)
	assert.Equal(t, "gitleaks", summary.Results[0].Tool)
	assert.Equal(t, "trivy_fs", summary.Results[1].Tool)
	for i := 0; i < 10; i++ {
		r := summary.Results[2+i]
		assert.Equal(t, fmt.Sprintf("shellcheck_%d", i), r.Tool)
		assert.Equal(t, StatusCompleted, r.Status)
		assert.FileExists(t, filepath.Join(reports, fmt.Sprintf("sh_%d.json", i)))
	}
	assert.NoFileExists(t, filepath.Join(reports, "sh_10.json"))
}

func TestAggregatorIsIdempotent(t *testing.T) {
	installStubs(t, map[string]string{
		"gosec":      "exit 1",
		"shellcheck": "echo ok",
	})
	target := writeTree(t, "main.go", "deploy.sh", "Dockerfile")
	reports := t.TempDir()
	clock := fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	info := EngineInfo{Version: "1.1.0", Commit: "none", Branch: "none"}

	run := func() []byte {
		agg := &Aggregator{Executor: &Executor{}, Workers: 8, Clock: clock}
		_, err := agg.Run(context.Background(), target, reports, info)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(reports, SummaryFile))
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(run()), string(run()))
}

func TestAggregatorCreatesReportsDir(t *testing.T) {
	installStubs(t, nil)
	target := writeTree(t, "README.md")
	reports := filepath.Join(t.TempDir(), "nested", "reports")

	summary, err := (&Aggregator{Workers: 1}).Run(context.Background(), target, reports, EngineInfo{Version: "x"})
	require.NoError(t, err)
	assert.Len(t, summary.Results, 2)
	assert.FileExists(t, filepath.Join(reports, SummaryFile))
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestAggregatorResolvesRelativePaths(t *testing.T) {
	installStubs(t, map[string]string{
		"shellcheck": `if [ -f "$3" ]; then echo '[]'; else echo "missing $3"; exit 2; fi`,
		"bandit":     `echo '{"results":[]}' > "$6"`,
	})

	work := t.TempDir()
	chdir(t, work)
	require.NoError(t, os.MkdirAll(filepath.Join("proj", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("proj", "bin", "a.sh"), []byte("echo hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join("proj", "app.py"), []byte("print(1)"), 0o644))

	summary, err := (&Aggregator{Workers: 2}).Run(context.Background(), "proj", "out", EngineInfo{Version: "x"})
	require.NoError(t, err)

	byTool := make(map[string]ExecutionResult)
	for _, r := range summary.Results {
		byTool[r.Tool] = r
	}

	sh := byTool["shellcheck_0"]
	require.Equal(t, StatusCompleted, sh.Status)
	require.NotNil(t, sh.ExitCode)
	assert.Equal(t, 0, *sh.ExitCode)
	data, err := os.ReadFile(filepath.Join(work, "out", "sh_0.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))

	assert.Equal(t, StatusCompleted, byTool["bandit"].Status)
	assert.FileExists(t, filepath.Join(work, "out", "py_bandit.json"))
	assert.NoFileExists(t, filepath.Join(work, "proj", "out", "py_bandit.json"))
	assert.FileExists(t, filepath.Join(work, "out", SummaryFile))
}

func TestAggregatorCancelledStillWritesSummary(t *testing.T) {
	installStubs(t, map[string]string{"bandit": "echo ok"})
	target := writeTree(t, "app.py")
	reports := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := (&Aggregator{Workers: 2}).Run(ctx, target, reports, EngineInfo{Version: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.FileExists(t, filepath.Join(reports, SummaryFile))
	assert.Equal(t, StatusError, summary.Results[2].Status)
}

func TestSummaryJSONShape(t *testing.T) {
	code := 0
	summary := &ScanSummary{
		Engine: "SOAK 1.0.0",
		ScanInfo: ScanInfo{
			Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			TargetCommit: "none",
			TargetBranch: "none",
		},
		Results: []ExecutionResult{
			{Tool: "a", Status: StatusCompleted, ExitCode: &code},
			{Tool: "b", Status: StatusSkipped, Reason: "b not found"},
			{Tool: "c", Status: StatusError, Message: "boom"},
		},
	}
	path := filepath.Join(t.TempDir(), SummaryFile)
	require.NoError(t, WriteSummary(path, summary))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"engine": "SOAK 1.0.0",
		"scan_info": {"timestamp": "2026-01-01T00:00:00Z", "target_commit": "none", "target_branch": "none"},
		"results": [
			{"tool": "a", "status": "completed", "exit_code": 0},
			{"tool": "b", "status": "skipped", "reason": "b not found"},
			{"tool": "c", "status": "error", "message": "boom"}
		]
	}`, string(data))
}
