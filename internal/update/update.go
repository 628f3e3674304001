// Package update performs the best-effort, throttled freshness check of the
// engine image.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	log "github.com/sirupsen/logrus"

	"github.com/nelssec/soak/internal/container"
)

var logger = log.WithField("package", "update")

// VersionLabel is the image label carrying the CLI version it was built from.
const VersionLabel = "soak.version"

type Level string

const (
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Notice struct {
	Level   Level
	Message string
}

type Checker struct {
	Runtime container.Runtime
	Image   string
	Version string
	MaxAge  time.Duration
	// Interval throttles checks; StampFile records the last one.
	Interval  time.Duration
	StampFile string
	Now       func() time.Time
}

// DefaultStampFile is the throttle stamp in the user cache directory.
func DefaultStampFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "soak", "last-update-check")
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Due reports whether the throttle interval has elapsed since the last check.
func (c *Checker) Due() bool {
	if c.StampFile == "" || c.Interval <= 0 {
		return true
	}
	data, err := os.ReadFile(c.StampFile)
	if err != nil {
		return true
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	return c.now().Sub(time.Unix(unix, 0)) >= c.Interval
}

func (c *Checker) markChecked() {
	if c.StampFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.StampFile), 0o755); err != nil {
		logger.WithError(err).Debug("failed to create stamp dir")
		return
	}
	stamp := strconv.FormatInt(c.now().Unix(), 10)
	if err := os.WriteFile(c.StampFile, []byte(stamp), 0o644); err != nil {
		logger.WithError(err).Debug("failed to write stamp")
	}
}

// Check inspects the engine image. A missing image is reported as a notice,
// not an error; the returned error is reserved for unexpected failures and is
// never fatal to a scan.
func (c *Checker) Check(ctx context.Context) ([]Notice, error) {
	defer c.markChecked()

	var notices []Notice

	created, err := c.Runtime.ImageCreated(ctx, c.Image)
	if err != nil {
		logger.WithError(err).Debug("image inspect failed")
		return append(notices, Notice{
			Level:   LevelError,
			Message: fmt.Sprintf("engine image %s not found, run 'soak setup' first", c.Image),
		}), nil
	}

	if c.MaxAge > 0 {
		age := c.now().Sub(created)
		if age > c.MaxAge {
			days := int(age.Hours() / 24)
			notices = append(notices, Notice{
				Level:   LevelWarn,
				Message: fmt.Sprintf("engine is %d days old, run 'soak setup' to refresh tools", days),
			})
		}
	}

	label, err := c.Runtime.ImageLabel(ctx, c.Image, VersionLabel)
	if err != nil {
		return notices, fmt.Errorf("failed to read image version: %w", err)
	}
	stale, err := Older(label, c.Version)
	if err != nil {
		logger.WithError(err).Debug("version comparison skipped")
		return notices, nil
	}
	if stale {
		notices = append(notices, Notice{
			Level:   LevelWarn,
			Message: fmt.Sprintf("engine image was built by soak %s, this is %s; run 'soak setup'", label, c.Version),
		})
	}

	return notices, nil
}

// Older reports whether imageVersion predates cliVersion. Either side failing
// to parse as semver is an error.
func Older(imageVersion, cliVersion string) (bool, error) {
	iv, err := semver.NewVersion(imageVersion)
	if err != nil {
		return false, fmt.Errorf("image version %q: %w", imageVersion, err)
	}
	cv, err := semver.NewVersion(cliVersion)
	if err != nil {
		return false, fmt.Errorf("cli version %q: %w", cliVersion, err)
	}
	return iv.LessThan(cv), nil
}
