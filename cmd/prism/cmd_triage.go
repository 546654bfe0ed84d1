// ABOUTME: `prism triage`: diagnose why a run is stuck: lock, ledger, watchdog, gate dry-run, telemetry index.
// ABOUTME: Every finding comes with the concrete command that would unstick the run.
package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

// triageFinding is one diagnosis line with its remedy.
type triageFinding struct {
	Area         string   `json:"area"`
	Severity     string   `json:"severity"` // ok | warn | problem
	Message      string   `json:"message"`
	NextCommands []string `json:"next_commands,omitempty"`
}

// triageResult is the machine-mode payload for `prism triage`.
type triageResult struct {
	Findings   []triageFinding             `json:"findings"`
	Transition *conductor.TransitionReport `json:"transition,omitempty"`
}

func triageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "triage <run>",
		Short: "Diagnose a stuck run",
		Long: `Inspect the lock, the tick ledger, the watchdog timer, the next stage
transition's gates, and the telemetry index, and report what (if anything)
is blocking the run along with the commands that would fix it.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runRoot, err := a.resolveRun(args[0])
			if err != nil {
				return a.output("triage", nil, nil, nil, err, nil)
			}
			result, err := runTriage(runRoot, args[0])
			if err != nil {
				return a.output("triage", contractFor(runRoot), nil, nil, err, nil)
			}
			return a.output("triage", contractFor(runRoot), result, nil, nil, func() {
				printTriage(result)
			})
		},
	}
}

// runTriage assembles all findings for one run root.
func runTriage(runRoot, runArg string) (*triageResult, error) {
	m, err := conductor.ReadManifest(runRoot)
	if err != nil {
		return nil, err
	}
	policy, err := conductor.LoadPolicy(runRoot)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	result := &triageResult{}
	add := func(f triageFinding) { result.Findings = append(result.Findings, f) }

	// Run state.
	switch {
	case m.Terminal():
		add(triageFinding{Area: "run", Severity: "ok",
			Message: fmt.Sprintf("run is %s; no further ticks apply", m.Status)})
	case m.Status == conductor.StatusPaused:
		add(triageFinding{Area: "run", Severity: "warn",
			Message:      "run is paused",
			NextCommands: []string{fmt.Sprintf("prism resume %s", runArg)}})
	default:
		add(triageFinding{Area: "run", Severity: "ok",
			Message: fmt.Sprintf("run is %s at stage %s", m.Status, m.Stage.Current)})
	}

	// Lock. ReadLock returns nil with no error when the run is unlocked,
	// which is the normal state between ticks.
	lock, err := conductor.ReadLock(runRoot)
	switch {
	case err != nil:
		add(triageFinding{Area: "lock", Severity: "problem",
			Message: fmt.Sprintf("lock file is unreadable: %v", err)})
	case lock == nil:
		add(triageFinding{Area: "lock", Severity: "ok", Message: "no lock held"})
	case lock.Expired(now):
		add(triageFinding{Area: "lock", Severity: "warn",
			Message:      fmt.Sprintf("stale lock from owner %s (expired %s); the next tick will reclaim it", lock.OwnerID, lock.ExpiresAt),
			NextCommands: []string{fmt.Sprintf("prism tick %s", runArg)}})
	default:
		add(triageFinding{Area: "lock", Severity: "warn",
			Message: fmt.Sprintf("live lock held by owner %s until %s; another tick may be running", lock.OwnerID, lock.ExpiresAt)})
	}

	// Ledger.
	crash, err := conductor.OpenLedger(runRoot).RecoveryCheck(policy.DanglingTickThreshold())
	if err != nil {
		return nil, err
	}
	if crash != nil {
		add(triageFinding{Area: "ledger", Severity: "problem",
			Message: fmt.Sprintf("tick %d started %s ago and never finished; a prior invocation likely crashed",
				crash.Tick, crash.Age.Round(time.Second)),
			NextCommands: []string{fmt.Sprintf("prism tick %s --ack-crash", runArg)}})
	} else {
		add(triageFinding{Area: "ledger", Severity: "ok", Message: "no dangling ticks"})
	}

	// Watchdog.
	if !m.Terminal() && m.Status != conductor.StatusPaused {
		wd, err := conductor.WatchdogCheck(runRoot, "triage", now)
		if err != nil {
			return nil, err
		}
		if wd.TimedOut {
			add(triageFinding{Area: "watchdog", Severity: "problem",
				Message: fmt.Sprintf("stage %s has made no progress for %.0fs (timeout %.0fs); checkpoint written",
					wd.Stage, wd.ElapsedS, wd.TimeoutS),
				NextCommands: []string{fmt.Sprintf("prism tick %s", runArg)}})
		} else {
			add(triageFinding{Area: "watchdog", Severity: "ok",
				Message: fmt.Sprintf("stage %s within timeout (%.0fs of %.0fs)", wd.Stage, wd.ElapsedS, wd.TimeoutS)})
		}
	}

	// Next transition dry-run.
	if next := conductor.NextStage(m.Stage.Current); next != "" && !m.Terminal() {
		in := &conductor.EvalInput{RunRoot: runRoot, Manifest: m, Policy: policy}
		report, err := conductor.NewGuard(runRoot).Explain(m.Stage.Current, next, in)
		if err != nil {
			return nil, err
		}
		result.Transition = report
		if report.OK {
			add(triageFinding{Area: "gates", Severity: "ok",
				Message:      fmt.Sprintf("transition %s -> %s would be allowed", m.Stage.Current, next),
				NextCommands: []string{fmt.Sprintf("prism tick %s", runArg)}})
		} else {
			for _, c := range report.Conditions {
				if c.Met {
					continue
				}
				switch c.Kind {
				case "gate":
					status := ""
					if c.Result != nil {
						status = c.Result.Status
					}
					add(triageFinding{Area: "gates", Severity: "problem",
						Message:      fmt.Sprintf("gate %s (%s) is %s", c.Gate, conductor.GateNames[c.Gate], status),
						NextCommands: []string{fmt.Sprintf("prism inspect %s", runArg)}})
				case "artifact":
					add(triageFinding{Area: "gates", Severity: "problem",
						Message: fmt.Sprintf("required artifact missing: %s", c.Artifact)})
				}
			}
		}
	}

	// Telemetry index.
	if events, err := telemetry.Open(runRoot); err == nil {
		last, lastErr := events.LastSeq()
		count, countErr := events.Count()
		if lastErr == nil && countErr == nil && last != count {
			fixed, err := events.Reconcile()
			if err != nil {
				return nil, err
			}
			add(triageFinding{Area: "telemetry", Severity: "warn",
				Message: fmt.Sprintf("index said %d but the log holds %d events; reconciled to %d", last, count, fixed)})
		} else {
			add(triageFinding{Area: "telemetry", Severity: "ok",
				Message: fmt.Sprintf("index consistent at seq %d", last)})
		}
	}

	return result, nil
}

func severityColor(sev string) *color.Color {
	switch sev {
	case "problem":
		return color.New(color.FgRed, color.Bold)
	case "warn":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func printTriage(r *triageResult) {
	for _, f := range r.Findings {
		severityColor(f.Severity).Printf("%-8s", f.Severity)
		fmt.Printf(" [%s] %s\n", f.Area, f.Message)
		for _, c := range f.NextCommands {
			fmt.Printf("           $ %s\n", c)
		}
	}
}
