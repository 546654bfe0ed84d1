// ABOUTME: `prism init`: create a new run root from a query or a plan.yaml file.
// ABOUTME: Policy comes from defaults overlaid with tool config and flags; the run starts at the init stage.
package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
)

func initCmd(a *app) *cobra.Command {
	var (
		query       string
		planFile    string
		driverMode  string
		fixturesDir string
		command     string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new run",
		Long: `Create a new run root under the data dir. The plan comes from --plan
(a plan.yaml file) or is generated from --query with default perspectives.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (query == "") == (planFile == "") {
				return usagef("exactly one of --query or --plan is required")
			}

			var plan *conductor.Plan
			var err error
			if planFile != "" {
				plan, err = conductor.LoadPlanFile(planFile)
				if err != nil {
					return err
				}
			} else {
				plan = conductor.DefaultPlan(query)
			}

			policy := conductor.DefaultPolicy()
			if a.cfg != nil {
				if a.cfg.Driver.Mode != "" {
					policy.Driver.Mode = a.cfg.Driver.Mode
				}
				policy.Driver.FixturesDir = a.cfg.Driver.FixturesDir
				policy.Driver.Command = a.cfg.Driver.Command
			}
			if driverMode != "" {
				policy.Driver.Mode = driverMode
			}
			if fixturesDir != "" {
				policy.Driver.FixturesDir = fixturesDir
			}
			if command != "" {
				policy.Driver.Command = command
			}

			info, err := conductor.InitRun(a.runsDir(), plan, policy)
			if err != nil {
				return a.output("init", nil, nil, nil, err, nil)
			}

			contract := contractFor(info.RunRoot)
			return a.output("init", contract, info, nil, nil, func() {
				color.New(color.FgGreen, color.Bold).Printf("created run %s\n", info.RunID)
				fmt.Printf("  root:  %s\n", info.RunRoot)
				fmt.Printf("  query: %s\n", plan.Query)
				fmt.Printf("\nnext: prism tick %s\n", info.RunID)
			})
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "research question for a default plan")
	cmd.Flags().StringVar(&planFile, "plan", "", "path to a plan.yaml file")
	cmd.Flags().StringVar(&driverMode, "driver", "", "driver mode: fixture, task, or command")
	cmd.Flags().StringVar(&fixturesDir, "fixtures", "", "fixtures directory for the fixture driver")
	cmd.Flags().StringVar(&command, "command", "", "agent command for the command driver")

	return cmd
}
