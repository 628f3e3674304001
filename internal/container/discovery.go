package container

import (
	"context"
	"fmt"
	"strings"
)

// ContainerInfo describes a sandbox left behind on the host.
type ContainerInfo struct {
	Name   string
	Status string
}

// List returns containers, running or not, whose name starts with prefix.
func (r *cliRuntime) List(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	out, err := r.output(ctx, "ps", "--all",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return parseList(out, prefix), nil
}

func parseList(out, prefix string) []ContainerInfo {
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, status, _ := strings.Cut(line, "\t")
		// The runtime's name filter is a substring match.
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		containers = append(containers, ContainerInfo{Name: name, Status: strings.TrimSpace(status)})
	}
	return containers
}

// Prune force-removes every container whose name starts with prefix and
// returns the names it removed.
func Prune(ctx context.Context, rt Runtime, prefix string) ([]string, error) {
	containers, err := rt.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var removed []string
	var failed []string
	for _, c := range containers {
		if err := rt.Remove(ctx, c.Name); err != nil {
			logger.WithField("container", c.Name).WithError(err).Warn("failed to remove")
			failed = append(failed, c.Name)
			continue
		}
		removed = append(removed, c.Name)
	}

	if len(failed) > 0 {
		return removed, fmt.Errorf("failed to remove %s", strings.Join(failed, ", "))
	}
	return removed, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Describe renders a one-line view of c for listings.
func (c ContainerInfo) Describe() string {
	return fmt.Sprintf("%-24s %s", c.Name, truncateString(c.Status, 60))
}
