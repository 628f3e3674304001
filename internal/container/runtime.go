package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "container")

// ErrRuntimeNotFound is returned when no supported container engine is installed.
var ErrRuntimeNotFound = errors.New("no container runtime found")

// DefaultPreference is the probe order used by DetectRuntime.
var DefaultPreference = []string{"podman", "docker"}

type Kind string

const (
	KindPodman Kind = "podman"
	KindDocker Kind = "docker"
)

type Mount struct {
	Source string
	Target string
}

type CreateOptions struct {
	Name  string
	Image string
	// Env entries are KEY=VALUE, passed in order.
	Env []string
}

type RunOptions struct {
	CreateOptions
	Mounts []Mount
}

type BuildOptions struct {
	Tag       string
	Context   string
	BuildArgs []string
	Labels    []string
}

// Runtime is the subset of a container engine's CLI the sandbox needs.
type Runtime interface {
	Name() string
	Kind() Kind
	Create(ctx context.Context, opts CreateOptions) error
	CopyIn(ctx context.Context, name, src, dst string) error
	// Start starts a created container attached and waits for it to exit.
	Start(ctx context.Context, name string, stdout, stderr io.Writer) error
	// Run creates and starts a container with bind mounts, attached.
	Run(ctx context.Context, opts RunOptions, stdout, stderr io.Writer) error
	CopyOut(ctx context.Context, name, src, dst string) error
	Remove(ctx context.Context, name string) error
	ImageCreated(ctx context.Context, image string) (time.Time, error)
	ImageLabel(ctx context.Context, image, label string) (string, error)
	Build(ctx context.Context, opts BuildOptions, stdout, stderr io.Writer) error
	List(ctx context.Context, prefix string) ([]ContainerInfo, error)
}

type runFunc func(ctx context.Context, stdout, stderr io.Writer, args ...string) error

type cliRuntime struct {
	binary string
	kind   Kind
	run    runFunc
}

// DetectRuntime returns the first engine in preference order found on PATH.
func DetectRuntime(preference []string) (Runtime, error) {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	for _, name := range preference {
		kind := Kind(name)
		if kind != KindPodman && kind != KindDocker {
			return nil, fmt.Errorf("unsupported container runtime %q", name)
		}
		if path, err := exec.LookPath(name); err == nil {
			return NewRuntime(path, kind), nil
		}
	}
	return nil, fmt.Errorf("%w: looked for %s", ErrRuntimeNotFound, strings.Join(preference, ", "))
}

// NewRuntime returns a runtime driving the engine binary at path.
func NewRuntime(path string, kind Kind) Runtime {
	r := &cliRuntime{binary: path, kind: kind}
	r.run = r.exec
	return r
}

func (r *cliRuntime) Name() string {
	return filepath.Base(r.binary)
}

func (r *cliRuntime) Kind() Kind {
	return r.kind
}

func (r *cliRuntime) exec(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	logger.WithField("args", args).Debug(r.Name())

	c := exec.CommandContext(ctx, r.binary, args...)
	var errBuf bytes.Buffer
	c.Stdout = stdout
	if stderr != nil {
		c.Stderr = io.MultiWriter(stderr, &errBuf)
	} else {
		c.Stderr = &errBuf
	}

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			return fmt.Errorf("%s %s failed: %w (stderr: %s)", r.Name(), args[0], err, msg)
		}
		return fmt.Errorf("%s %s failed: %w", r.Name(), args[0], err)
	}
	return nil
}

func (r *cliRuntime) output(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	if err := r.run(ctx, &out, nil, args...); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func envArgs(env []string) []string {
	args := make([]string, 0, 2*len(env))
	for _, e := range env {
		args = append(args, "-e", e)
	}
	return args
}

func (r *cliRuntime) Create(ctx context.Context, opts CreateOptions) error {
	args := []string{"create", "--name", opts.Name}
	args = append(args, envArgs(opts.Env)...)
	args = append(args, opts.Image)
	return r.run(ctx, io.Discard, nil, args...)
}

func (r *cliRuntime) CopyIn(ctx context.Context, name, src, dst string) error {
	return r.run(ctx, io.Discard, nil, "cp", src, name+":"+dst)
}

func (r *cliRuntime) CopyOut(ctx context.Context, name, src, dst string) error {
	return r.run(ctx, io.Discard, nil, "cp", name+":"+src, dst)
}

func (r *cliRuntime) Start(ctx context.Context, name string, stdout, stderr io.Writer) error {
	return r.run(ctx, stdout, stderr, "start", "--attach", name)
}

func (r *cliRuntime) Run(ctx context.Context, opts RunOptions, stdout, stderr io.Writer) error {
	args := []string{"run", "--name", opts.Name}
	args = append(args, envArgs(opts.Env)...)

	switch r.kind {
	case KindPodman:
		args = append(args, "--userns=keep-id")
		for _, m := range opts.Mounts {
			args = append(args, "-v", fmt.Sprintf("%s:%s:Z", m.Source, m.Target))
		}
	default:
		args = append(args, "-u", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
		for _, m := range opts.Mounts {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.Source, m.Target))
		}
	}

	args = append(args, opts.Image)
	return r.run(ctx, stdout, stderr, args...)
}

func (r *cliRuntime) Remove(ctx context.Context, name string) error {
	return r.run(ctx, io.Discard, nil, "rm", "--force", name)
}

func (r *cliRuntime) ImageCreated(ctx context.Context, image string) (time.Time, error) {
	out, err := r.output(ctx, "image", "inspect", "--format", "{{.Created}}", image)
	if err != nil {
		return time.Time{}, err
	}
	return parseCreated(out)
}

func (r *cliRuntime) ImageLabel(ctx context.Context, image, label string) (string, error) {
	format := fmt.Sprintf(`{{index .Config.Labels %q}}`, label)
	if r.kind == KindPodman {
		format = fmt.Sprintf(`{{index .Labels %q}}`, label)
	}
	out, err := r.output(ctx, "image", "inspect", "--format", format, image)
	if err != nil {
		return "", err
	}
	if out == "<no value>" {
		return "", nil
	}
	return out, nil
}

func (r *cliRuntime) Build(ctx context.Context, opts BuildOptions, stdout, stderr io.Writer) error {
	args := []string{"build", "-t", opts.Tag}
	for _, a := range opts.BuildArgs {
		args = append(args, "--build-arg", a)
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	args = append(args, opts.Context)
	return r.run(ctx, stdout, stderr, args...)
}

// createdLayouts covers docker (RFC 3339) and podman (Go time.Time.String).
var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999 -0700 -0700",
	"2006-01-02 15:04:05 -0700 MST",
}

func parseCreated(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised image creation time %q", s)
}
