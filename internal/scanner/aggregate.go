package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nelssec/soak/internal/detect"
	"github.com/nelssec/soak/internal/registry"
)

// Aggregator runs every applicable tool against a tree and writes the summary.
type Aggregator struct {
	Executor *Executor
	// Workers bounds concurrent tool runs; zero means one per logical CPU.
	Workers int
	Clock   Clock
	Ignore  []string
}

// Job is one planned invocation along with its report file name.
type Job struct {
	Invocation
	ReportName string
}

// Plan orders the jobs for a detection: GLOBAL tools first, then every
// detected key in registry order, then one shell check per detected script.
func Plan(det *detect.Detection, targetDir, reportsDir string) []Job {
	var jobs []Job
	add := func(tool string, command []string, reportName, file string) {
		jobs = append(jobs, Job{
			Invocation: Invocation{
				Tool:       tool,
				Command:    command,
				WorkDir:    targetDir,
				ReportPath: filepath.Join(reportsDir, reportName),
				File:       file,
			},
			ReportName: reportName,
		})
	}

	for _, t := range registry.Global() {
		add(t.Name, t.Command, registry.ReportName(registry.KeyGlobal, t.Name), "")
	}

	for _, key := range det.Keys {
		if key == registry.KeyGlobal || registry.IsPerFile(key) {
			continue
		}
		for _, t := range registry.Tools(key) {
			add(t.Name, t.Command, registry.ReportName(key, t.Name), "")
		}
	}

	shell := registry.Tools(registry.KeyShell)
	if len(shell) > 0 {
		for i, script := range det.ShellScripts {
			if i >= detect.MaxShellScripts {
				break
			}
			add(fmt.Sprintf("%s_%d", shell[0].Name, i), shell[0].Command,
				registry.PerFileReportName(registry.KeyShell, i), script)
		}
	}

	return jobs
}

// Run detects, executes and persists. The summary is written even when some
// tools fail or ctx is cancelled; the returned error is non-nil only when the
// tree cannot be walked, the summary cannot be written, or ctx ended early.
func (a *Aggregator) Run(ctx context.Context, targetDir, reportsDir string, info EngineInfo) (*ScanSummary, error) {
	// Tools run with the target as their working directory, so every path
	// handed to them must be absolute.
	targetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target directory: %w", err)
	}
	reportsDir, err = filepath.Abs(reportsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reports directory: %w", err)
	}

	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}

	var opts []detect.Option
	if len(a.Ignore) > 0 {
		opts = append(opts, detect.WithIgnore(a.Ignore))
	}
	det, err := detect.Detect(targetDir, opts...)
	if err != nil {
		return nil, err
	}

	jobs := Plan(det, targetDir, reportsDir)
	workers := a.workers()

	logger.WithFields(log.Fields{
		"keys":    det.Keys,
		"scripts": len(det.ShellScripts),
		"jobs":    len(jobs),
		"workers": workers,
	}).Info("starting scan")

	executor := a.Executor
	if executor == nil {
		executor = &Executor{}
	}

	results := make([]ExecutionResult, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = executor.Execute(ctx, job.Invocation)
			return nil
		})
	}
	_ = g.Wait()

	clock := a.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	summary := &ScanSummary{
		Engine: info.engineName(),
		ScanInfo: ScanInfo{
			Timestamp:    clock.Now(),
			TargetCommit: info.Commit,
			TargetBranch: info.Branch,
		},
		Results: results,
	}

	if err := WriteSummary(filepath.Join(reportsDir, SummaryFile), summary); err != nil {
		return summary, err
	}

	return summary, ctx.Err()
}

// WriteSummary persists summary as indented JSON.
func WriteSummary(path string, summary *ScanSummary) error {
	data, err := json.MarshalIndent(summary, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(path string) (*ScanSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var summary ScanSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &summary, nil
}

func (a *Aggregator) workers() int {
	if a.Workers > 0 {
		return a.Workers
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
