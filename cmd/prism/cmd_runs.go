// ABOUTME: `prism runs`: list every run root under the data dir, newest first.
// ABOUTME: Reuses the web package's directory scan so CLI and dashboard agree.
package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/web"
)

func runsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs under the data directory",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := web.ListRuns(a.runsDir())
			if err != nil {
				return a.output("runs", nil, nil, nil, err, nil)
			}
			return a.output("runs", nil, summaries, nil, nil, func() {
				printRuns(summaries)
			})
		},
	}
}

func printRuns(summaries []web.RunSummary) {
	if len(summaries) == 0 {
		color.New(color.Faint).Println("no runs yet; start one with: prism init --query \"...\"")
		return
	}
	for _, s := range summaries {
		statusColor(s.Status).Printf("%-10s", s.Status)
		query := s.Query
		if len(query) > 60 {
			query = query[:57] + "..."
		}
		color.New(color.Bold).Printf(" %s", s.RunID)
		color.New(color.Faint).Printf("  stage=%s perspectives=%d  %s\n", s.Stage, s.Perspectives, query)
	}
}
