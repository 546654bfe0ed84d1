// ABOUTME: CLI entrypoint for the prism run orchestrator: cobra command tree and exit-code policy.
// ABOUTME: Every command works against run roots on disk; --json emits one machine envelope on stdout.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
)

var version = "dev"

// app carries resolved global state into every command.
type app struct {
	jsonOut bool
	dataDir string
	cfg     *toolConfig
}

// runsDir is where run roots live under the data dir.
func (a *app) runsDir() string {
	return filepath.Join(a.dataDir, "runs")
}

// resolveRun maps a command argument to a run root. The argument is either a
// run id under the data dir or a path to a run root.
func (a *app) resolveRun(arg string) (string, error) {
	if arg == "" {
		return "", usagef("a run id or run root path is required")
	}
	candidates := []string{filepath.Join(a.runsDir(), arg), arg}
	for _, root := range candidates {
		if _, err := os.Stat(conductor.ManifestPath(root)); err == nil {
			return root, nil
		}
	}
	return "", fmt.Errorf("no run found for %q (looked in %s)", arg, a.runsDir())
}

// output finishes a command in either machine or human mode. In --json mode
// exactly one envelope goes to stdout and the human renderer is skipped.
func (a *app) output(command string, contract *Contract, result any, halt *conductor.Halt, cmdErr error, human func()) error {
	if a.jsonOut {
		env := &Envelope{
			OK:       cmdErr == nil,
			Command:  command,
			Contract: contract,
			Result:   result,
			Halt:     halt,
		}
		if cmdErr != nil {
			env.Error = envelopeError(cmdErr)
		}
		if err := emitEnvelope(env); err != nil {
			return err
		}
		return cmdErr
	}
	if cmdErr != nil {
		return cmdErr
	}
	human()
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "prism",
		Short:         "prism - tick-driven multi-perspective research runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `prism orchestrates multi-perspective research runs as repeated short-lived
tick invocations. All run state lives on disk in a run root; any invocation
may crash at any point and the next tick picks up safely.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadToolConfig()
			if err != nil {
				return err
			}
			a.cfg = cfg
			if a.dataDir == "" {
				a.dataDir = cfg.DataDir
			}
			a.dataDir, err = resolveDataDir(a.dataDir)
			if err != nil {
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "machine mode: emit one JSON envelope on stdout")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: $XDG_DATA_HOME/prism)")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usagef("%v", err)
	})

	root.AddCommand(initCmd(a))
	root.AddCommand(tickCmd(a))
	root.AddCommand(statusCmd(a))
	root.AddCommand(inspectCmd(a))
	root.AddCommand(triageCmd(a))
	root.AddCommand(pauseCmd(a))
	root.AddCommand(resumeCmd(a))
	root.AddCommand(runsCmd(a))
	root.AddCommand(metricsCmd(a))
	root.AddCommand(watchCmd(a))
	root.AddCommand(serveCmd(a))

	return root
}

// exactArgs is cobra.ExactArgs with usage-error semantics for exit code 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func main() {
	loadDotEnv(".env")

	a := &app{}
	root := newRootCmd(a)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(exitUsage)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
