// Package detect walks a source tree and reports which registry categories
// apply to it.
package detect

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nelssec/soak/internal/registry"
)

var logger = log.WithField("package", "detect")

// MaxShellScripts caps the per-file shell batch.
const MaxShellScripts = 10

// DefaultIgnore lists directory names whose subtrees are never scanned.
var DefaultIgnore = []string{"node_modules", ".git", "venv", ".venv", "__pycache__"}

// Detection is the outcome of one walk.
type Detection struct {
	// Keys holds the detected keys in registry order. It never contains
	// GLOBAL or per-file keys.
	Keys []registry.TriggerKey
	// ShellScripts holds the first MaxShellScripts shell scripts in walk order.
	ShellScripts []string
}

// Has reports whether key was detected.
func (d *Detection) Has(key registry.TriggerKey) bool {
	for _, k := range d.Keys {
		if k == key {
			return true
		}
	}
	return false
}

type options struct {
	ignore []string
}

// Option customises Detect.
type Option func(*options)

// WithIgnore replaces the ignored directory names.
func WithIgnore(names []string) Option {
	return func(o *options) {
		o.ignore = names
	}
}

// Detect walks root once. Unreadable subdirectories are skipped; only an
// unreadable root is reported as an error.
func Detect(root string, opts ...Option) (*Detection, error) {
	o := options{ignore: DefaultIgnore}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	found := make(map[registry.TriggerKey]bool)
	var scripts []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.WithField("path", path).WithError(err).Debug("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && ignored(d.Name(), o.ignore) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		key, ok := registry.Match(d.Name())
		if !ok {
			return nil
		}
		if registry.IsPerFile(key) {
			if len(scripts) < MaxShellScripts {
				scripts = append(scripts, path)
			}
			return nil
		}
		found[key] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	det := &Detection{ShellScripts: scripts}
	for _, key := range registry.Keys() {
		if found[key] {
			det.Keys = append(det.Keys, key)
		}
	}

	logger.WithFields(log.Fields{
		"keys":    det.Keys,
		"scripts": len(det.ShellScripts),
	}).Debug("detection complete")

	return det, nil
}

func ignored(name string, ignore []string) bool {
	for _, pattern := range ignore {
		if strings.Contains(pattern, "*") {
			if matched, _ := filepath.Match(pattern, name); matched {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}
