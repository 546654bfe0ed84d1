// ABOUTME: `prism pause` and `prism resume`: operator status flips under the run lock.
// ABOUTME: Both are ordinary CAS manifest writes; a paused run's ticks become no-ops until resume.
package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
)

func pauseCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause <run>",
		Short: "Pause a run so future ticks do nothing",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("pause", nil, nil, nil, err, nil)
			}
			if err := conductor.PauseRun(runRoot, reason); err != nil {
				return a.output("pause", contractFor(runRoot), nil, nil, err, nil)
			}
			return a.output("pause", contractFor(runRoot), nil, nil, nil, func() {
				color.New(color.FgYellow).Printf("paused %s\n", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator pause", "reason recorded in the audit log")
	return cmd
}

func resumeCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resume <run>",
		Short: "Resume a paused run",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("resume", nil, nil, nil, err, nil)
			}
			if err := conductor.ResumeRun(runRoot, reason); err != nil {
				return a.output("resume", contractFor(runRoot), nil, nil, err, nil)
			}
			return a.output("resume", contractFor(runRoot), nil, nil, nil, func() {
				color.New(color.FgGreen).Printf("resumed %s\n", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator resume", "reason recorded in the audit log")
	return cmd
}
