package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/persist"
	"github.com/collabiq/collabiq/internal/tracker"
)

// RunReport is the machine-readable per-run report.
type RunReport struct {
	Run       domain.RunRecord                   `json:"run"`
	Providers map[string]tracker.ProviderQuality `json:"providers,omitempty"`
	Costs     map[string]tracker.ProviderCost    `json:"costs,omitempty"`
}

// WriteReport writes both the JSON and markdown report for a finished run
// under <data_root>/reports/.
func WriteReport(dataDir string, run domain.RunRecord, quality map[string]tracker.ProviderQuality, costs map[string]tracker.ProviderCost) error {
	dir := filepath.Join(dataDir, "reports")
	report := RunReport{Run: run, Providers: quality, Costs: costs}
	if err := persist.WriteJSON(filepath.Join(dir, run.RunID+"_report.json"), report); err != nil {
		return fmt.Errorf("op=pipeline.WriteReport: %w", err)
	}
	md := renderMarkdown(report)
	if err := os.WriteFile(filepath.Join(dir, run.RunID+"_report.md"), []byte(md), 0o644); err != nil {
		return fmt.Errorf("op=pipeline.WriteReport: %w", err)
	}
	return nil
}

func renderMarkdown(r RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", r.Run.RunID)
	fmt.Fprintf(&b, "- Status: %s\n", r.Run.Status)
	fmt.Fprintf(&b, "- Started: %s\n", r.Run.StartedAt.Format(time.RFC3339))
	if r.Run.EndedAt != nil {
		fmt.Fprintf(&b, "- Ended: %s (%.1fs)\n", r.Run.EndedAt.Format(time.RFC3339), r.Run.EndedAt.Sub(r.Run.StartedAt).Seconds())
	}
	fmt.Fprintf(&b, "- Received: %d, processed: %d, skipped: %d, failed: %d\n\n",
		r.Run.Counters.Received, r.Run.Counters.Processed, r.Run.Counters.Skipped, r.Run.Counters.Failed)

	if len(r.Providers) > 0 {
		b.WriteString("## Providers\n\n")
		b.WriteString("| Provider | Extractions | Avg confidence | Completeness | Validation rate | Trend | Cost (USD) |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for name, q := range r.Providers {
			cost := 0.0
			if c, ok := r.Costs[name]; ok {
				cost = c.CostUSD
			}
			fmt.Fprintf(&b, "| %s | %d | %.3f | %.1f%% | %.1f%% | %s | %.4f |\n",
				name, q.Extractions, q.AvgConfidence, q.AvgCompleteness, q.ValidationRate, q.Trend, cost)
		}
		b.WriteString("\n")
	}

	if len(r.Run.Errors) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range r.Run.Errors {
			fmt.Fprintf(&b, "- `%s` at %s (%s): %s\n", e.EmailID, e.Stage, e.Severity, e.Message)
			if e.Hint != "" {
				fmt.Fprintf(&b, "  - hint: %s\n", e.Hint)
			}
		}
	}
	return b.String()
}
