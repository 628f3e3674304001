package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nelssec/soak/internal/scanner"
)

func PrintJSON(w io.Writer, summary *scanner.ScanSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	fmt.Fprintln(w, string(data))
	return nil
}
