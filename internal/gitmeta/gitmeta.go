// Package gitmeta reads commit and branch information from a target tree.
package gitmeta

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const Placeholder = "none"

type Metadata struct {
	Commit string
	Branch string
}

// Unknown is used when the target is not a git work tree.
var Unknown = Metadata{Commit: Placeholder, Branch: Placeholder}

// Lookup asks git for the short HEAD commit and the current branch of dir.
func Lookup(ctx context.Context, dir string) (Metadata, error) {
	commit, err := revParse(ctx, dir, "--short", "HEAD")
	if err != nil {
		return Unknown, err
	}
	branch, err := revParse(ctx, dir, "--abbrev-ref", "HEAD")
	if err != nil {
		return Unknown, err
	}
	return Metadata{Commit: commit, Branch: branch}, nil
}

// LookupOrUnknown never fails; any git error degrades to Unknown.
func LookupOrUnknown(ctx context.Context, dir string) Metadata {
	md, err := Lookup(ctx, dir)
	if err != nil {
		return Unknown
	}
	return md
}

func revParse(ctx context.Context, dir string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", dir, "rev-parse"}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w", strings.Join(args, " "), err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("git rev-parse %s: empty output", strings.Join(args, " "))
	}
	return out, nil
}
