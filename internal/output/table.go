package output

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/nelssec/soak/internal/scanner"
)

// PrintTable renders a summary as a per-tool table followed by status totals.
func PrintTable(w io.Writer, summary *scanner.ScanSummary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SOAK Scan Results")
	fmt.Fprintln(w, "=================")
	fmt.Fprintf(w, "Engine:     %s\n", summary.Engine)
	fmt.Fprintf(w, "Commit:     %s\n", summary.ScanInfo.TargetCommit)
	fmt.Fprintf(w, "Branch:     %s\n", summary.ScanInfo.TargetBranch)
	fmt.Fprintf(w, "Timestamp:  %s\n", summary.ScanInfo.Timestamp.Format("2006-01-02 15:04:05 MST"))

	if len(summary.Results) > 0 {
		fmt.Fprintln(w)

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Tool", "Status", "Exit", "Detail"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)

		for _, r := range summary.Results {
			table.Append(Row(r))
		}

		table.Render()
	}

	counts := summary.Counts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Fprintln(w)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-10s %d\n", s+":", counts[scanner.Status(s)])
	}
	fmt.Fprintln(w)
}

// Row flattens one result into table cells.
func Row(r scanner.ExecutionResult) []string {
	exit := "-"
	if r.ExitCode != nil {
		exit = strconv.Itoa(*r.ExitCode)
	}
	detail := r.Reason
	if r.Message != "" {
		detail = r.Message
	}
	return []string{r.Tool, string(r.Status), exit, detail}
}
