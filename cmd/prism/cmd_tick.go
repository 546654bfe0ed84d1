// ABOUTME: `prism tick`: run one bounded orchestrator tick against a run root.
// ABOUTME: A halt is a clean exit 0 with the halt in the output; only real failures exit 1.
package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
)

func tickCmd(a *app) *cobra.Command {
	var (
		ackCrash bool
		redo     string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "tick <run>",
		Short: "Advance a run by one tick",
		Long: `Run one tick: recovery check, lock acquire, stage work, gate evaluation,
and stage advance. A structured halt (agent output needed, gate blocked,
crash detected) is a successful invocation; the halt artifact says what to
do next.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("tick", nil, nil, nil, err, nil)
			}

			o, err := conductor.NewOrchestrator(runRoot)
			if err != nil {
				return a.output("tick", contractFor(runRoot), nil, nil, err, nil)
			}
			outcome, err := o.Tick(context.Background(), conductor.TickOptions{
				AckCrash:  ackCrash,
				RedoStage: redo,
				Reason:    reason,
			})
			contract := contractFor(runRoot)
			if err != nil {
				return a.output("tick", contract, outcome, nil, err, nil)
			}

			var halt *conductor.Halt
			if outcome != nil {
				halt = outcome.Halt
			}
			return a.output("tick", contract, outcome, halt, nil, func() {
				printTickOutcome(outcome)
			})
		},
	}

	cmd.Flags().BoolVar(&ackCrash, "ack-crash", false, "acknowledge a detected crash and proceed")
	cmd.Flags().StringVar(&redo, "redo", "", "remove a stage output before work: pivot, synthesis, or review")
	cmd.Flags().StringVar(&reason, "reason", "cli tick", "reason recorded in the lock and audit log")

	return cmd
}

func printTickOutcome(o *conductor.TickOutcome) {
	switch {
	case o.Halt != nil:
		color.New(color.FgYellow, color.Bold).Printf("halted: %s\n", o.Halt.Code)
		fmt.Printf("  %s\n", o.Halt.Reason)
		if len(o.Halt.NextCommands) > 0 {
			fmt.Println("  next:")
			for _, c := range o.Halt.NextCommands {
				fmt.Printf("    $ %s\n", c)
			}
		}
	case o.Completed:
		color.New(color.FgGreen, color.Bold).Println("run completed")
	case o.Advanced:
		color.New(color.FgGreen).Printf("advanced: %s -> %s\n", o.StageBefore, o.StageAfter)
	case o.Note != "":
		fmt.Println(o.Note)
	default:
		fmt.Printf("tick %d done at stage %s\n", o.Tick, o.StageAfter)
	}
}
