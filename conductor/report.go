// ABOUTME: Final report assembly: query, pivot, per-perspective summaries, citation stats, synthesis.
// ABOUTME: Written once during the finalize stage; terminal runs keep it inspectable forever.
package conductor

import (
	"fmt"
	"os"
	"strings"
)

// WriteFinalReport assembles final/report.md from the run's artifacts.
func WriteFinalReport(runRoot string, m *Manifest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Query)
	fmt.Fprintf(&b, "Run `%s`, created %s.\n\n", m.RunID, m.CreatedAt)

	if m.Pivot != nil {
		b.WriteString("## Direction\n\n")
		fmt.Fprintf(&b, "Pivot decision: **%s** — %s\n\n", m.Pivot.Decision, m.Pivot.Rationale)
	}

	b.WriteString("## Perspective summaries\n")
	for _, p := range m.Perspectives {
		data, err := os.ReadFile(SummaryPath(runRoot, p.ID))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", p.Title, strings.TrimSpace(string(data)))
	}

	if report, err := ReadCitationReport(runRoot); err == nil {
		b.WriteString("\n## Citations\n\n")
		fmt.Fprintf(&b, "%d citations, %d valid (%.0f%%).\n",
			report.Total, report.Valid, report.ValidRatio*100)
	}

	if data, err := os.ReadFile(SynthesisPath(runRoot)); err == nil {
		b.WriteString("\n## Synthesis\n\n")
		b.WriteString(strings.TrimSpace(string(data)))
		b.WriteString("\n")
	}

	return writeFileAtomic(FinalReportPath(runRoot), []byte(b.String()))
}
