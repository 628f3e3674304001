package scanner

import (
	"time"
)

// SummaryFile is the name of the aggregated report inside the reports dir.
const SummaryFile = "soak_summary.json"

type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// ExecutionResult records the outcome of one tool invocation. ExitCode is set
// only when Status is completed, Reason only when skipped, Message only on error.
type ExecutionResult struct {
	Tool     string `json:"tool"`
	Status   Status `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ScanInfo struct {
	Timestamp    time.Time `json:"timestamp"`
	TargetCommit string    `json:"target_commit"`
	TargetBranch string    `json:"target_branch"`
}

type ScanSummary struct {
	Engine   string            `json:"engine"`
	ScanInfo ScanInfo          `json:"scan_info"`
	Results  []ExecutionResult `json:"results"`
}

// EngineInfo is the build and target metadata embedded in the summary.
type EngineInfo struct {
	Version string
	Commit  string
	Branch  string
}

func (e EngineInfo) engineName() string {
	return "SOAK " + e.Version
}

// Counts tallies results by status.
func (s *ScanSummary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}

// Clock lets tests pin the summary timestamp.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
