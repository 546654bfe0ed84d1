// ABOUTME: Prompt builders for the driver: one markdown prompt per stage work unit.
// ABOUTME: Prompts restate the run query plus whatever prior artifacts the stage builds on.
package conductor

import (
	"fmt"
	"os"
	"strings"
)

// draftPrompt asks for the initial research draft of one perspective.
func draftPrompt(m *Manifest, p *Perspective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research draft: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Research question: %s\n\n", m.Query)
	fmt.Fprintf(&b, "Perspective focus: %s\n\n", p.Focus)
	b.WriteString("Write a sourced markdown draft for this perspective. ")
	b.WriteString("Cite every claim with a markdown link to its source.\n")
	return b.String()
}

// summaryPrompt asks for a condensation of one finished draft.
func summaryPrompt(m *Manifest, p *Perspective, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Summary: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Research question: %s\n\n", m.Query)
	b.WriteString("Summarize the draft below into its key findings, keeping citations.\n\n")
	b.WriteString("---\n\n")
	b.WriteString(draft)
	return b.String()
}

// pivotPrompt asks for the mid-run direction decision. The driver's output
// must contain a DECISION: line (proceed, deepen, or broaden).
func pivotPrompt(runRoot string, m *Manifest) string {
	var b strings.Builder
	b.WriteString("# Pivot decision\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", m.Query)
	b.WriteString("Review the drafts below and decide how to proceed. ")
	b.WriteString("Your output must begin with a line of the form:\n\n")
	b.WriteString("    DECISION: proceed|deepen|broaden\n\n")
	b.WriteString("followed by a short rationale.\n")
	appendArtifacts(&b, "Drafts", draftExcerpts(runRoot, m))
	return b.String()
}

// synthesisPrompt asks for the combined synthesis over all summaries.
func synthesisPrompt(runRoot string, m *Manifest) string {
	var b strings.Builder
	b.WriteString("# Synthesis\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", m.Query)
	if m.Pivot != nil {
		fmt.Fprintf(&b, "Pivot decision: %s — %s\n\n", m.Pivot.Decision, m.Pivot.Rationale)
	}
	b.WriteString("Synthesize the perspective summaries below into one coherent answer.\n")
	appendArtifacts(&b, "Summaries", summaryExcerpts(runRoot, m))
	return b.String()
}

// reviewPrompt asks for the final quality verdict. The driver's output must
// contain a VERDICT: line (approved or revise).
func reviewPrompt(runRoot string, m *Manifest) string {
	var b strings.Builder
	b.WriteString("# Review\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", m.Query)
	b.WriteString("Review the synthesis below for accuracy, coverage, and sourcing. ")
	b.WriteString("Your output must begin with a line of the form:\n\n")
	b.WriteString("    VERDICT: approved|revise\n\n")
	b.WriteString("followed by your review notes.\n\n")
	if data, err := os.ReadFile(SynthesisPath(runRoot)); err == nil {
		b.WriteString("---\n\n")
		b.Write(data)
	}
	return b.String()
}

// appendArtifacts renders a named list of (title, content) excerpts.
func appendArtifacts(b *strings.Builder, heading string, items [][2]string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "\n### %s\n\n%s\n", it[0], it[1])
	}
}

func draftExcerpts(runRoot string, m *Manifest) [][2]string {
	var out [][2]string
	for _, p := range m.Perspectives {
		if data, err := os.ReadFile(DraftPath(runRoot, p.ID)); err == nil {
			out = append(out, [2]string{p.Title, string(data)})
		}
	}
	return out
}

func summaryExcerpts(runRoot string, m *Manifest) [][2]string {
	var out [][2]string
	for _, p := range m.Perspectives {
		if data, err := os.ReadFile(SummaryPath(runRoot, p.ID)); err == nil {
			out = append(out, [2]string{p.Title, string(data)})
		}
	}
	return out
}

// parseMarkerLine finds "MARKER: value" in content and returns the value and
// the remaining text. Used for DECISION: and VERDICT: lines.
func parseMarkerLine(content, marker string) (value, rest string, ok bool) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, marker+":") {
			continue
		}
		value = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, marker+":")))
		rest = strings.TrimSpace(strings.Join(append(lines[:i:i], lines[i+1:]...), "\n"))
		return value, rest, true
	}
	return "", content, false
}
