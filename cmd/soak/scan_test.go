package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelssec/soak/internal/config"
	"github.com/nelssec/soak/internal/sandbox"
	"github.com/nelssec/soak/internal/scanner"
)

func TestSandboxOptionsDropEngineStdout(t *testing.T) {
	cfg := &config.Config{
		Engine:  config.EngineConfig{Image: "soak-engine"},
		Sandbox: config.SandboxConfig{Strategy: "mount", RemoveAttempts: 5, RemoveBackoff: time.Second},
	}

	opts := sandboxOptions(cfg)
	assert.Equal(t, io.Discard, opts.Stdout, "the host prints the summary itself")
	assert.Equal(t, os.Stderr, opts.Stderr)
	assert.Equal(t, "soak-engine", opts.Image)
	assert.Equal(t, Version, opts.Version)
	assert.Equal(t, sandbox.StrategyMount, opts.Strategy)
	assert.Equal(t, 5, opts.RemoveAttempts)
}

func TestPrintSummaryPrintsOnce(t *testing.T) {
	outDir := t.TempDir()
	summary := &scanner.ScanSummary{
		Engine: "SOAK 1.1.0",
		Results: []scanner.ExecutionResult{
			{Tool: "gitleaks", Status: scanner.StatusSkipped, Reason: "gitleaks not found"},
		},
	}
	require.NoError(t, scanner.WriteSummary(filepath.Join(outDir, scanner.SummaryFile), summary))

	stdout := captureStdout(t, func() {
		require.NoError(t, printSummary(outDir, false))
	})
	assert.Equal(t, 1, bytes.Count([]byte(stdout), []byte("SOAK Scan Results")))
	assert.Contains(t, stdout, "gitleaks not found")
}

func TestPrintSummaryMissingIsNotFatal(t *testing.T) {
	stdout := captureStdout(t, func() {
		assert.NoError(t, printSummary(t.TempDir(), true))
	})
	assert.Empty(t, stdout)
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	fn()
	require.NoError(t, w.Close())
	return string(<-done)
}
