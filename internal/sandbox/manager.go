// Package sandbox owns the lifecycle of the ephemeral container a scan runs in.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nelssec/soak/internal/container"
)

var logger = log.WithField("package", "sandbox")

// NamePrefix starts every sandbox container name.
const NamePrefix = "soak-"

const teardownTimeout = 30 * time.Second

type Strategy string

const (
	// StrategyCopy creates the container without mounts and injects the
	// source with the runtime's copy primitive.
	StrategyCopy Strategy = "copy"
	// StrategyMount bind-mounts the source and reports directories.
	StrategyMount Strategy = "mount"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyCopy:
		return StrategyCopy, nil
	case StrategyMount:
		return StrategyMount, nil
	default:
		return "", fmt.Errorf("unknown staging strategy %q (want copy or mount)", s)
	}
}

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateRemoved   State = "removed"
)

// Handle is one ephemeral execution environment.
type Handle struct {
	Runtime container.Kind
	Name    string
	State   State
}

type Phase string

const (
	PhaseStage   Phase = "stage"
	PhaseRun     Phase = "run"
	PhaseExtract Phase = "extract"
)

// LifecycleError reports which step of a sandbox run failed.
type LifecycleError struct {
	Phase Phase
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

type Options struct {
	Image    string
	Version  string
	Strategy Strategy
	// SourcePath and ReportsPath are the fixed locations inside the sandbox.
	SourcePath  string
	ReportsPath string
	// RemoveAttempts bounds teardown retries; at least one attempt is made.
	RemoveAttempts int
	RemoveBackoff  time.Duration
	// NewName generates container names; defaults to NewName.
	NewName func() string
	Stdout  io.Writer
	Stderr  io.Writer
}

type Request struct {
	Target     string
	ReportsDir string
	Commit     string
	Branch     string
}

type Manager struct {
	runtime container.Runtime
	opts    Options
}

func NewManager(rt container.Runtime, opts Options) *Manager {
	if opts.Strategy == "" {
		opts.Strategy = StrategyCopy
	}
	if opts.SourcePath == "" {
		opts.SourcePath = "/src"
	}
	if opts.ReportsPath == "" {
		opts.ReportsPath = "/reports"
	}
	if opts.RemoveAttempts < 1 {
		opts.RemoveAttempts = 3
	}
	if opts.NewName == nil {
		opts.NewName = NewName
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Manager{runtime: rt, opts: opts}
}

// NewName returns a collision-resistant sandbox name.
func NewName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return NamePrefix + id[:12]
}

// Run stages req.Target into a fresh sandbox, runs the engine and extracts the
// reports into req.ReportsDir. The container is removed on every return path,
// including cancellation of ctx.
func (m *Manager) Run(ctx context.Context, req Request) (handle *Handle, err error) {
	target, err := filepath.Abs(req.Target)
	if err != nil {
		return nil, &LifecycleError{Phase: PhaseStage, Err: fmt.Errorf("failed to resolve target: %w", err)}
	}
	if info, statErr := os.Stat(target); statErr != nil {
		return nil, &LifecycleError{Phase: PhaseStage, Err: statErr}
	} else if !info.IsDir() {
		return nil, &LifecycleError{Phase: PhaseStage, Err: fmt.Errorf("%s is not a directory", target)}
	}

	reports, err := filepath.Abs(req.ReportsDir)
	if err != nil {
		return nil, &LifecycleError{Phase: PhaseStage, Err: fmt.Errorf("failed to resolve reports dir: %w", err)}
	}
	if err := os.MkdirAll(reports, 0o755); err != nil {
		return nil, &LifecycleError{Phase: PhaseStage, Err: fmt.Errorf("failed to create reports dir: %w", err)}
	}

	handle = &Handle{Runtime: m.runtime.Kind(), Name: m.opts.NewName()}
	entry := logger.WithFields(log.Fields{
		"container": handle.Name,
		"runtime":   handle.Runtime,
		"strategy":  m.opts.Strategy,
	})

	var staging string
	defer func() {
		m.teardown(ctx, handle, staging, entry)
	}()

	env := []string{
		"SOAK_VERSION=" + m.opts.Version,
		"SOAK_COMMIT=" + req.Commit,
		"SOAK_BRANCH=" + req.Branch,
	}

	switch m.opts.Strategy {
	case StrategyMount:
		staging, err = m.runMounted(ctx, handle, target, reports, env, entry)
	default:
		err = m.runInjected(ctx, handle, target, reports, env, entry)
	}
	if err != nil {
		entry.WithError(err).Error("sandbox run failed")
		return handle, err
	}
	return handle, nil
}

func (m *Manager) runInjected(ctx context.Context, h *Handle, target, reports string, env []string, entry *log.Entry) error {
	entry.Info("creating sandbox")
	if err := m.runtime.Create(ctx, container.CreateOptions{Name: h.Name, Image: m.opts.Image, Env: env}); err != nil {
		return &LifecycleError{Phase: PhaseStage, Err: err}
	}
	h.State = StateCreated

	entry.WithField("source", target).Info("copying source into sandbox")
	if err := m.runtime.CopyIn(ctx, h.Name, target+string(filepath.Separator)+".", m.opts.SourcePath); err != nil {
		return &LifecycleError{Phase: PhaseStage, Err: err}
	}

	h.State = StateRunning
	if err := m.runtime.Start(ctx, h.Name, m.opts.Stdout, m.opts.Stderr); err != nil {
		runErr := &LifecycleError{Phase: PhaseRun, Err: err}
		// Partial reports are extracted even when the engine failed.
		salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if copyErr := m.extract(salvageCtx, h, reports, entry); copyErr != nil {
			entry.WithError(copyErr).Debug("no partial reports extracted")
		}
		return runErr
	}
	h.State = StateCompleted

	if err := m.extract(ctx, h, reports, entry); err != nil {
		return &LifecycleError{Phase: PhaseExtract, Err: err}
	}
	return nil
}

func (m *Manager) extract(ctx context.Context, h *Handle, reports string, entry *log.Entry) error {
	entry.WithField("reports", reports).Info("extracting reports")
	return m.runtime.CopyOut(ctx, h.Name, strings.TrimSuffix(m.opts.ReportsPath, "/")+"/.", reports)
}

func (m *Manager) runMounted(ctx context.Context, h *Handle, target, reports string, env []string, entry *log.Entry) (string, error) {
	staging, err := os.MkdirTemp("", "soak-stage-*")
	if err != nil {
		return "", &LifecycleError{Phase: PhaseStage, Err: fmt.Errorf("failed to create staging dir: %w", err)}
	}

	src, err := mountSafePath(target, staging, "src")
	if err != nil {
		return staging, &LifecycleError{Phase: PhaseStage, Err: err}
	}
	out, err := mountSafePath(reports, staging, "reports")
	if err != nil {
		return staging, &LifecycleError{Phase: PhaseStage, Err: err}
	}

	entry.WithFields(log.Fields{"source": src, "reports": out}).Info("starting sandbox with mounts")
	h.State = StateRunning
	err = m.runtime.Run(ctx, container.RunOptions{
		CreateOptions: container.CreateOptions{Name: h.Name, Image: m.opts.Image, Env: env},
		Mounts: []container.Mount{
			{Source: src, Target: m.opts.SourcePath},
			{Source: out, Target: m.opts.ReportsPath},
		},
	}, m.opts.Stdout, m.opts.Stderr)
	if err != nil {
		return staging, &LifecycleError{Phase: PhaseRun, Err: err}
	}
	h.State = StateCompleted
	return staging, nil
}

// mountSafePath returns path unchanged unless it contains a colon, which the
// -v SRC:DST syntax cannot express. Such paths are reached through a symlink
// named link inside staging.
func mountSafePath(path, staging, link string) (string, error) {
	if !strings.Contains(path, ":") {
		return path, nil
	}
	if strings.Contains(staging, ":") {
		return "", fmt.Errorf("staging directory %s is not mount-safe", staging)
	}
	linkPath := filepath.Join(staging, link)
	if err := os.Symlink(path, linkPath); err != nil {
		return "", fmt.Errorf("failed to link %s: %w", path, err)
	}
	return linkPath, nil
}

// teardown always runs. It uses a context detached from cancellation so an
// interrupted scan still removes its container; failures are only logged.
func (m *Manager) teardown(ctx context.Context, h *Handle, staging string, entry *log.Entry) {
	if staging != "" {
		if err := os.RemoveAll(staging); err != nil {
			entry.WithError(err).Warn("failed to remove staging dir")
		}
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	attempts := m.opts.RemoveAttempts
	if h.State == "" {
		// Nothing was created; a single forced remove covers a half-made container.
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(m.opts.RemoveBackoff)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, cleanupCtx)

	err := backoff.Retry(func() error {
		return m.runtime.Remove(cleanupCtx, h.Name)
	}, b)
	if err != nil {
		entry.WithError(err).Debug("container removal failed")
	} else {
		entry.Debug("container removed")
	}
	h.State = StateRemoved
}

// ExitCode maps a Run error onto a process exit status: the container's own
// exit code when it ran and failed, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		if code := coded.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
