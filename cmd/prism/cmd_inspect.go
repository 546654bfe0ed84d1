// ABOUTME: `prism inspect`: deep read-only view of one run: artifacts on disk, gates, latest halt, event tail.
// ABOUTME: The artifact listing mirrors the run-root layout so operators see what exists and what is missing.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

// artifactInfo reports one expected run artifact and whether it exists.
type artifactInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// inspectResult is the machine-mode payload for `prism inspect`.
type inspectResult struct {
	Manifest  *conductor.Manifest `json:"manifest"`
	Gates     *conductor.Gates    `json:"gates"`
	Halt      *conductor.Halt     `json:"halt,omitempty"`
	Artifacts []artifactInfo      `json:"artifacts"`
	Events    []telemetry.Event   `json:"events,omitempty"`
}

func inspectCmd(a *app) *cobra.Command {
	var tailN int

	cmd := &cobra.Command{
		Use:   "inspect <run>",
		Short: "Show a run's artifacts, gates, halts, and recent events",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("inspect", nil, nil, nil, err, nil)
			}
			m, err := conductor.ReadManifest(runRoot)
			if err != nil {
				return a.output("inspect", contractFor(runRoot), nil, nil, err, nil)
			}
			g, err := conductor.ReadGates(runRoot)
			if err != nil {
				return a.output("inspect", contractFor(runRoot), nil, nil, err, nil)
			}

			result := &inspectResult{
				Manifest:  m,
				Gates:     g,
				Artifacts: collectArtifacts(runRoot, m),
			}
			if halt, err := conductor.ReadLatestHalt(runRoot); err == nil {
				result.Halt = halt
			}
			if events, err := telemetry.Open(runRoot); err == nil {
				if tail, err := events.Tail(tailN); err == nil {
					result.Events = tail
				}
			}

			return a.output("inspect", contractFor(runRoot), result, nil, nil, func() {
				printInspect(result)
			})
		},
	}

	cmd.Flags().IntVar(&tailN, "events", 20, "number of telemetry events to show")
	return cmd
}

// collectArtifacts lists the run's expected stage outputs and whether each
// exists on disk.
func collectArtifacts(runRoot string, m *conductor.Manifest) []artifactInfo {
	var out []artifactInfo
	add := func(name, path string) {
		_, err := os.Stat(path)
		out = append(out, artifactInfo{Name: name, Path: path, Exists: err == nil})
	}

	for _, p := range m.Perspectives {
		add("draft/"+p.ID, conductor.DraftPath(runRoot, p.ID))
		add("summary/"+p.ID, conductor.SummaryPath(runRoot, p.ID))
	}
	add("pivot", conductor.PivotPath(runRoot))
	add("citations", conductor.CitationsPath(runRoot))
	add("synthesis", conductor.SynthesisPath(runRoot))
	add("review", conductor.ReviewPath(runRoot))
	add("final report", conductor.FinalReportPath(runRoot))
	return out
}

func printInspect(r *inspectResult) {
	printStatus(r.Manifest, r.Gates)

	fmt.Println("\nartifacts:")
	for _, art := range r.Artifacts {
		mark := color.New(color.FgGreen).Sprint("present")
		if !art.Exists {
			mark = color.New(color.FgHiBlack).Sprint("absent")
		}
		fmt.Printf("  %-8s %-16s %s\n", mark, art.Name, art.Path)
	}

	if r.Halt != nil {
		fmt.Println()
		color.New(color.FgYellow, color.Bold).Printf("latest halt: %s (stage %s, %s)\n",
			r.Halt.Code, r.Halt.Stage, r.Halt.CreatedAt)
		fmt.Printf("  %s\n", r.Halt.Reason)
		for _, c := range r.Halt.NextCommands {
			fmt.Printf("  $ %s\n", c)
		}
	}

	if len(r.Events) > 0 {
		fmt.Println("\nrecent events:")
		for _, e := range r.Events {
			line := fmt.Sprintf("  %5d %-22s %s", e.Seq, e.Type, e.Stage)
			if e.Perspective != "" {
				line += "/" + e.Perspective
			}
			fmt.Println(line)
		}
	}
}
