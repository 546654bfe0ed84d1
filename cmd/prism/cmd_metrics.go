// ABOUTME: `prism metrics`: refresh the SQLite telemetry mirror and show aggregates.
// ABOUTME: Recompute is incremental; unchanged telemetry logs are a no-op.
package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/telemetry"
)

type metricsResult struct {
	Recompute *telemetry.RecomputeReport `json:"recompute"`
	ByType    []telemetry.TypeCount      `json:"by_type"`
	ByStage   []telemetry.TypeCount      `json:"by_stage"`
}

func metricsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <run>",
		Short: "Recompute and show telemetry aggregates for a run",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("metrics", nil, nil, nil, err, nil)
			}
			mx, err := telemetry.OpenMetrics(runRoot)
			if err != nil {
				return a.output("metrics", contractFor(runRoot), nil, nil, err, nil)
			}
			defer mx.Close()

			report, err := mx.Recompute(runRoot)
			if err != nil {
				return a.output("metrics", contractFor(runRoot), nil, nil, err, nil)
			}
			byType, err := mx.CountByType()
			if err != nil {
				return a.output("metrics", contractFor(runRoot), nil, nil, err, nil)
			}
			byStage, err := mx.CountByStage()
			if err != nil {
				return a.output("metrics", contractFor(runRoot), nil, nil, err, nil)
			}

			result := &metricsResult{Recompute: report, ByType: byType, ByStage: byStage}
			return a.output("metrics", contractFor(runRoot), result, nil, nil, func() {
				printMetrics(result)
			})
		},
	}
}

func printMetrics(r *metricsResult) {
	if r.Recompute.Skipped {
		color.New(color.Faint).Printf("mirror up to date (last_seq=%d)\n", r.Recompute.LastSeq)
	} else {
		color.New(color.FgGreen).Printf("mirrored %d new event(s) (last_seq=%d)\n", r.Recompute.Inserted, r.Recompute.LastSeq)
	}
	if len(r.ByType) > 0 {
		color.New(color.Bold).Println("events by type")
		for _, row := range r.ByType {
			color.New(color.Faint).Printf("  %-28s %d\n", row.Type, row.Count)
		}
	}
	if len(r.ByStage) > 0 {
		color.New(color.Bold).Println("events by stage")
		for _, row := range r.ByStage {
			color.New(color.Faint).Printf("  %-28s %d\n", row.Type, row.Count)
		}
	}
}
