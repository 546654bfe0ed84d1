// ABOUTME: Halt/checkpoint artifacts: the structured "cannot proceed yet" record a blocked tick leaves behind.
// ABOUTME: Every halt is written as schema-versioned JSON plus human-readable markdown, with concrete next commands.
package conductor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Halt is the machine-actionable record of why a tick could not proceed.
// Per-kind fields are populated only for the relevant code.
type Halt struct {
	SchemaVersion string   `json:"schema_version"`
	Code          Code     `json:"code"`
	Stage         string   `json:"stage"`
	CreatedAt     string   `json:"created_at"`
	Reason        string   `json:"reason"`
	NextCommands  []string `json:"next_commands"`

	// Watchdog timeouts.
	ElapsedS         *float64 `json:"elapsed_s,omitempty"`
	TimeoutS         *float64 `json:"timeout_s,omitempty"`
	TimerOriginField string   `json:"timer_origin_field,omitempty"`
	TimerOrigin      string   `json:"timer_origin,omitempty"`

	// Gate blocks.
	Gate     string            `json:"gate,omitempty"`
	Statuses map[string]string `json:"statuses,omitempty"`

	// Missing artifacts.
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`

	// Agent-required suspensions.
	PromptPaths []string `json:"prompt_paths,omitempty"`
	OutputPaths []string `json:"output_paths,omitempty"`

	// Crash detection.
	Tick *int `json:"tick,omitempty"`
}

// HaltPaths locates the artifacts written for one halt.
type HaltPaths struct {
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
}

// WriteHalt persists the halt as a timestamped JSON+markdown pair under
// halts/ and refreshes halts/latest.json. Returns the pair's paths.
func WriteHalt(runRoot string, h *Halt, now time.Time) (*HaltPaths, error) {
	if h.SchemaVersion == "" {
		h.SchemaVersion = HaltSchemaVersion
	}
	if h.CreatedAt == "" {
		h.CreatedAt = now.UTC().Format(timeFormat)
	}
	if len(h.NextCommands) == 0 {
		return nil, Errf(CodeInvalidArgs, "halt %s carries no next_commands", h.Code)
	}

	stamp := now.UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("%s-%s", stamp, strings.ToLower(string(h.Code)))
	paths := &HaltPaths{
		JSON:     filepath.Join(HaltsDir(runRoot), base+".json"),
		Markdown: filepath.Join(HaltsDir(runRoot), base+".md"),
	}

	if err := writeJSONAtomic(paths.JSON, h); err != nil {
		return nil, fmt.Errorf("write halt json: %w", err)
	}
	if err := writeFileAtomic(paths.Markdown, []byte(h.markdown())); err != nil {
		return nil, fmt.Errorf("write halt markdown: %w", err)
	}
	if err := writeJSONAtomic(LatestHaltPath(runRoot), h); err != nil {
		return nil, fmt.Errorf("write latest halt: %w", err)
	}
	return paths, nil
}

// LatestHaltPath returns the path of the most recent halt snapshot.
func LatestHaltPath(runRoot string) string {
	return filepath.Join(HaltsDir(runRoot), "latest.json")
}

// ReadLatestHalt loads halts/latest.json, or nil when the run has never
// halted.
func ReadLatestHalt(runRoot string) (*Halt, error) {
	var h Halt
	if err := readJSONFile(LatestHaltPath(runRoot), &h); err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read latest halt: %w", err)
	}
	return &h, nil
}

// markdown renders the operator-facing view of the halt.
func (h *Halt) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run halted: %s\n\n", h.Code)
	fmt.Fprintf(&b, "- **Stage:** %s\n", h.Stage)
	fmt.Fprintf(&b, "- **At:** %s\n", h.CreatedAt)
	fmt.Fprintf(&b, "- **Reason:** %s\n", h.Reason)

	if h.ElapsedS != nil && h.TimeoutS != nil {
		fmt.Fprintf(&b, "- **Elapsed:** %.0fs (timeout %.0fs, measured from %s = %s)\n",
			*h.ElapsedS, *h.TimeoutS, h.TimerOriginField, h.TimerOrigin)
	}
	if h.Gate != "" {
		fmt.Fprintf(&b, "- **Blocking gate:** %s\n", h.Gate)
	}
	for g, s := range h.Statuses {
		fmt.Fprintf(&b, "  - gate %s: %s\n", g, s)
	}
	if len(h.MissingArtifacts) > 0 {
		b.WriteString("\n## Missing artifacts\n\n")
		for _, p := range h.MissingArtifacts {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	if len(h.OutputPaths) > 0 {
		b.WriteString("\n## Awaiting agent output\n\n")
		for i, out := range h.OutputPaths {
			prompt := ""
			if i < len(h.PromptPaths) {
				prompt = h.PromptPaths[i]
			}
			fmt.Fprintf(&b, "- write `%s` (prompt: `%s`)\n", out, prompt)
		}
	}
	if h.Tick != nil {
		fmt.Fprintf(&b, "\nCrashed tick index: %d\n", *h.Tick)
	}

	b.WriteString("\n## Next commands\n\n")
	for _, c := range h.NextCommands {
		fmt.Fprintf(&b, "    %s\n", c)
	}
	return b.String()
}
