package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nelssec/soak/internal/config"
	"github.com/nelssec/soak/internal/container"
	"github.com/nelssec/soak/internal/gitmeta"
	"github.com/nelssec/soak/internal/output"
	"github.com/nelssec/soak/internal/publish"
	"github.com/nelssec/soak/internal/sandbox"
	"github.com/nelssec/soak/internal/scanner"
	"github.com/nelssec/soak/internal/update"
)

func runScan(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	outDir := cfg.GetOutputDir()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	rt, err := container.DetectRuntime(cfg.Runtime.Preference)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v. Install podman or docker.\n", err)
		os.Exit(1)
	}

	checkForUpdates(ctx, cfg, rt)

	md := gitmeta.LookupOrUnknown(ctx, target)

	mgr := sandbox.NewManager(rt, sandboxOptions(cfg))

	// Only a summary from this run may be printed.
	if err := os.Remove(filepath.Join(outDir, scanner.SummaryFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear previous summary: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("Scanning %s with %s (commit %s, branch %s)\n", target, rt.Name(), md.Commit, md.Branch)
	}

	handle, err := mgr.Run(ctx, sandbox.Request{
		Target:     target,
		ReportsDir: outDir,
		Commit:     md.Commit,
		Branch:     md.Branch,
	})
	if err != nil {
		// A failed run may still have produced a partial summary.
		_ = printSummary(outDir, jsonOutput)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(sandbox.ExitCode(err))
	}

	if err := printSummary(outDir, jsonOutput); err != nil {
		return err
	}

	if cfg.Publish.Enabled && cfg.PublishConfig().Enabled() {
		publishReports(ctx, cfg, outDir, handle.Name, jsonOutput)
	}

	if !jsonOutput {
		fmt.Printf("Reports written to %s\n", outDir)
	}
	return nil
}

// sandboxOptions wires the engine's streams to the host. The engine's own
// stdout only repeats the summary the host prints after extraction, so it is
// dropped; its log output arrives on stderr.
func sandboxOptions(cfg *config.Config) sandbox.Options {
	return sandbox.Options{
		Image:          cfg.Engine.Image,
		Version:        Version,
		Strategy:       cfg.GetStrategy(),
		RemoveAttempts: cfg.Sandbox.RemoveAttempts,
		RemoveBackoff:  cfg.Sandbox.RemoveBackoff,
		Stdout:         io.Discard,
		Stderr:         os.Stderr,
	}
}

func printSummary(outDir string, jsonOutput bool) error {
	summary, err := scanner.ReadSummary(filepath.Join(outDir, scanner.SummaryFile))
	if err != nil {
		logger.WithError(err).Warn("no summary extracted")
		return nil
	}
	if jsonOutput {
		return output.PrintJSON(os.Stdout, summary)
	}
	output.PrintTable(os.Stdout, summary)
	return nil
}

// checkForUpdates never fails the scan; notices go to stderr.
func checkForUpdates(ctx context.Context, cfg *config.Config, rt container.Runtime) {
	if cfg.Update.Skip {
		return
	}

	checker := &update.Checker{
		Runtime:   rt,
		Image:     cfg.Engine.Image,
		Version:   Version,
		MaxAge:    cfg.Update.MaxImageAge,
		Interval:  cfg.Update.Interval,
		StampFile: cfg.GetStampFile(),
	}
	if !cfg.Update.Force && !checker.Due() {
		return
	}

	notices, err := checker.Check(ctx)
	if err != nil {
		logger.WithError(err).Debug("update check failed")
	}
	for _, n := range notices {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Message)
	}
}

// publishReports uploads the reports directory. Failures are reported but
// leave the exit code alone.
func publishReports(ctx context.Context, cfg *config.Config, outDir, scanID string, quiet bool) {
	pc := cfg.PublishConfig()
	store, err := publish.New(ctx, pc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
		return
	}

	urls, err := publish.Directory(ctx, store, outDir, pc.Prefix, scanID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Publish failed after %d uploads: %v\n", len(urls), err)
		return
	}

	if !quiet {
		fmt.Printf("Published %d reports under %s/%s\n", len(urls), pc.Bucket, publish.ObjectKey(pc.Prefix, scanID, ""))
	}
}
