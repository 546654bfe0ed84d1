// ABOUTME: `prism status`: one-screen summary of a run's stage, gates, and perspectives.
// ABOUTME: Read-only; colored for humans, envelope for machines.
package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
)

// statusResult is the machine-mode payload for `prism status`.
type statusResult struct {
	Manifest *conductor.Manifest `json:"manifest"`
	Gates    *conductor.Gates    `json:"gates"`
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run>",
		Short: "Show a run's current stage, status, and gates",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("status", nil, nil, nil, err, nil)
			}
			m, err := conductor.ReadManifest(runRoot)
			if err != nil {
				return a.output("status", contractFor(runRoot), nil, nil, err, nil)
			}
			g, err := conductor.ReadGates(runRoot)
			if err != nil {
				return a.output("status", contractFor(runRoot), nil, nil, err, nil)
			}

			result := &statusResult{Manifest: m, Gates: g}
			return a.output("status", contractFor(runRoot), result, nil, nil, func() {
				printStatus(m, g)
			})
		},
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case conductor.StatusRunning:
		return color.New(color.FgYellow, color.Bold)
	case conductor.StatusPaused:
		return color.New(color.FgHiBlack)
	case conductor.StatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case conductor.StatusFailed, conductor.StatusCancelled:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

func gateColor(status string) *color.Color {
	switch status {
	case "pass":
		return color.New(color.FgGreen)
	case "warn":
		return color.New(color.FgYellow)
	case "fail":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printStatus(m *conductor.Manifest, g *conductor.Gates) {
	fmt.Printf("%s  ", color.New(color.Bold).Sprint(m.RunID))
	statusColor(m.Status).Printf("%s", m.Status)
	fmt.Printf("  stage %s (rev %d)\n", m.Stage.Current, m.Revision)
	fmt.Printf("query: %s\n\n", m.Query)

	fmt.Println("gates:")
	for _, id := range conductor.AllGates {
		rec := g.Gates[id]
		status := rec.Status
		if status == "" {
			status = "pending"
		}
		fmt.Printf("  %s %-8s %s\n", id, gateColor(status).Sprint(status), conductor.GateNames[id])
	}

	fmt.Println("\nperspectives:")
	for _, p := range m.Perspectives {
		fmt.Printf("  %-12s wave %d  %-11s %s\n", p.ID, p.Wave, p.Status, p.Title)
	}

	if len(m.Failures) > 0 {
		fmt.Println()
		color.New(color.FgRed).Printf("failures: %d (latest: %s)\n",
			len(m.Failures), m.Failures[len(m.Failures)-1].Message)
	}
}
