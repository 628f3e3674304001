package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nelssec/soak/internal/registry"
)

var logger = log.WithField("package", "scanner")

// Invocation is one planned tool run.
type Invocation struct {
	Tool       string
	Command    []string
	WorkDir    string
	ReportPath string
	// File is substituted for {FILE}; empty for project-wide tools.
	File string
}

// Executor runs a single tool defensively. A failure of any kind is returned
// as a result record, never as an error.
type Executor struct {
	// Timeout bounds a single tool run; zero disables it.
	Timeout time.Duration
}

func (e *Executor) Execute(ctx context.Context, inv Invocation) ExecutionResult {
	cmdArgs := registry.Resolve(inv.Command, inv.ReportPath, inv.File)
	if len(cmdArgs) == 0 {
		return ExecutionResult{Tool: inv.Tool, Status: StatusError, Message: "empty command"}
	}

	binary, err := exec.LookPath(cmdArgs[0])
	if err != nil {
		return ExecutionResult{
			Tool:   inv.Tool,
			Status: StatusSkipped,
			Reason: fmt.Sprintf("%s not found", cmdArgs[0]),
		}
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	logger.WithField("tool", inv.Tool).Info("running")

	cmd := exec.CommandContext(ctx, binary, cmdArgs[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	entry := logger.WithFields(log.Fields{
		"tool":     inv.Tool,
		"duration": time.Since(start).Round(time.Millisecond),
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := ctxErr.Error()
		if errors.Is(ctxErr, context.DeadlineExceeded) && e.Timeout > 0 {
			msg = fmt.Sprintf("timed out after %s", e.Timeout)
		}
		entry.Warn(msg)
		return ExecutionResult{Tool: inv.Tool, Status: StatusError, Message: msg}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			entry.WithError(err).Warn("tool failed to start")
			return ExecutionResult{Tool: inv.Tool, Status: StatusError, Message: err.Error()}
		}
		exitCode = exitErr.ExitCode()
	}

	if !registry.UsesOutput(inv.Command) {
		if err := os.WriteFile(inv.ReportPath, stdout.Bytes(), 0o644); err != nil {
			entry.WithError(err).Warn("failed to write report")
			return ExecutionResult{Tool: inv.Tool, Status: StatusError, Message: err.Error()}
		}
	}

	if stderr.Len() > 0 {
		entry = entry.WithField("stderr_bytes", stderr.Len())
	}
	entry.WithField("exit_code", exitCode).Debug("finished")

	return ExecutionResult{Tool: inv.Tool, Status: StatusCompleted, ExitCode: &exitCode}
}
