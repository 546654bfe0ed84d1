// ABOUTME: `prism watch`: full-screen terminal dashboard for one run.
// ABOUTME: Thin wrapper over the tui package; not available in --json mode.
package main

import (
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/tui"
)

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run>",
		Short: "Watch a run in a live terminal dashboard",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return usagef("watch is interactive and has no --json mode")
			}
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return err
			}
			return tui.Watch(runRoot)
		},
	}
}
