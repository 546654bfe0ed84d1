// ABOUTME: The orchestrator tick: one bounded, crash-safe attempt to move a run forward.
// ABOUTME: Phases: recovery-check, lock-acquire, ledger-start, do-work, gate/advance, ledger-finish, lock-release.
package conductor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/leppikallio/prism/telemetry"
)

// TickOptions carries operator flags into one tick invocation.
type TickOptions struct {
	// AckCrash closes a dangling ledger entry before proceeding. Without it
	// a detected crash halts the tick with PREVIOUS_TICK_INCOMPLETE.
	AckCrash bool
	// RedoStage removes the named stage's output artifact before work so
	// the driver regenerates it. Supported: pivot, synthesis, review.
	RedoStage string
	// Reason is recorded in the lock file, audit records, and telemetry.
	Reason string
}

// TickOutcome summarizes what one tick did. A halted tick is a successful
// invocation carrying a Halt, not an error.
type TickOutcome struct {
	Tick        int        `json:"tick"`
	StageBefore string     `json:"stage_before"`
	StageAfter  string     `json:"stage_after"`
	Status      string     `json:"status"`
	Advanced    bool       `json:"advanced"`
	Completed   bool       `json:"completed"`
	Halt        *Halt      `json:"halt,omitempty"`
	HaltPaths   *HaltPaths `json:"halt_paths,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// Orchestrator drives one run root. It holds no run state of its own: every
// tick re-derives everything from disk.
type Orchestrator struct {
	runRoot  string
	policy   *Policy
	manifest *DocStore
	gates    *DocStore
	ledger   *Ledger
	guard    *Guard
	events   *telemetry.Appender
	driver   Driver
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator over an existing run root, wiring
// the driver the run's policy selects.
func NewOrchestrator(runRoot string) (*Orchestrator, error) {
	policy, err := LoadPolicy(runRoot)
	if err != nil {
		return nil, err
	}
	driver, err := NewDriver(policy.Driver)
	if err != nil {
		return nil, err
	}
	events, err := telemetry.Open(runRoot)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		runRoot:  runRoot,
		policy:   policy,
		manifest: ManifestStore(runRoot),
		gates:    GatesStore(runRoot),
		ledger:   OpenLedger(runRoot),
		guard:    NewGuard(runRoot),
		events:   events,
		driver:   driver,
		now:      time.Now,
	}, nil
}

// SetDriver replaces the policy-selected driver. Tests use this to inject
// scripted drivers without rewriting policy.json.
func (o *Orchestrator) SetDriver(d Driver) {
	o.driver = d
}

// Tick runs one full tick. A structured inability to proceed (crash
// detected, gate blocked, agent output needed) is returned inside the
// outcome; errors are reserved for genuinely failed invocations.
func (o *Orchestrator) Tick(ctx context.Context, opts TickOptions) (*TickOutcome, error) {
	outcome := &TickOutcome{}

	// Recovery check runs before the lock: a crashed prior tick must be an
	// explicit operator decision, never silently re-run.
	crash, err := o.ledger.RecoveryCheck(o.policy.DanglingTickThreshold())
	if err != nil {
		return nil, err
	}
	if crash != nil {
		if !opts.AckCrash {
			return o.haltCrash(outcome, crash)
		}
		if err := o.ledger.Acknowledge(crash.Tick, opts.Reason); err != nil {
			return nil, err
		}
		o.emit(telemetry.Event{
			Type:  telemetry.EventRecoveryAcknowledged,
			Stage: crash.Stage,
			Data:  map[string]any{"tick": crash.Tick, "reason": opts.Reason},
		})
	}

	handle, err := AcquireLock(o.runRoot, o.policy.LockLease(), opts.Reason)
	if err != nil {
		return nil, err
	}
	defer func() { _ = handle.Release() }()

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var lockLost atomic.Bool
	hb := StartHeartbeat(handle, HeartbeatConfig{
		Interval:    o.policy.HeartbeatInterval(),
		Lease:       o.policy.LockLease(),
		MaxFailures: o.policy.Lock.HeartbeatMaxFailures,
		OnFailure: func(err error) {
			lockLost.Store(true)
			cancelWork()
		},
	})
	defer hb.Stop()

	m, err := ReadManifest(o.runRoot)
	if err != nil {
		return nil, err
	}
	outcome.StageBefore = m.Stage.Current
	outcome.StageAfter = m.Stage.Current
	outcome.Status = m.Status

	if m.Terminal() {
		outcome.Note = fmt.Sprintf("run is %s; nothing to do", m.Status)
		return outcome, nil
	}
	if m.Status == StatusPaused {
		outcome.Note = "run is paused; resume it to continue"
		return outcome, nil
	}

	if opts.RedoStage != "" {
		if err := o.redoStage(opts.RedoStage, m); err != nil {
			return nil, err
		}
		m, err = ReadManifest(o.runRoot)
		if err != nil {
			return nil, err
		}
	}

	tick, err := o.ledger.NextTick()
	if err != nil {
		return nil, err
	}
	outcome.Tick = tick
	if err := o.ledger.Append(LedgerEntry{
		Tick:         tick,
		Phase:        PhaseStart,
		StageBefore:  m.Stage.Current,
		StatusBefore: m.Status,
	}); err != nil {
		return nil, err
	}
	o.emit(telemetry.Event{Type: telemetry.EventTickStarted, Stage: m.Stage.Current,
		Data: map[string]any{"tick": tick}})

	var workErr error
	var work *stageOutcome

	// The finish entry must close every tick that reached ledger-start,
	// even on panic or failure in the stage work.
	defer func() {
		result := "ok"
		switch {
		case workErr != nil:
			result = "error:" + string(CodeOf(workErr))
		case outcome.Halt != nil:
			result = "halt:" + string(outcome.Halt.Code)
		}
		final, readErr := ReadManifest(o.runRoot)
		entry := LedgerEntry{
			Tick:         tick,
			Phase:        PhaseFinish,
			StageBefore:  outcome.StageBefore,
			StatusBefore: m.Status,
			Result:       result,
		}
		if readErr == nil {
			entry.StageAfter = final.Stage.Current
			entry.StatusAfter = final.Status
			outcome.StageAfter = final.Stage.Current
			outcome.Status = final.Status
		}
		_ = o.ledger.Append(entry)
		o.emit(telemetry.Event{Type: telemetry.EventTickFinished, Stage: entry.StageAfter,
			Data: map[string]any{"tick": tick, "result": result}})
	}()

	work, workErr = o.doWork(workCtx, m)

	if lockLost.Load() {
		workErr = o.failLockLost(m)
		return outcome, workErr
	}
	if workErr != nil {
		return outcome, workErr
	}

	if work.halt != nil {
		paths, err := WriteHalt(o.runRoot, work.halt, o.now())
		if err != nil {
			workErr = err
			return outcome, err
		}
		outcome.Halt = work.halt
		outcome.HaltPaths = paths
		o.emit(telemetry.Event{Type: telemetry.EventHaltWritten, Stage: work.halt.Stage,
			Data: map[string]any{"code": string(work.halt.Code)}})
	}
	outcome.Advanced = work.advancedTo != ""
	outcome.Completed = work.completed
	outcome.Note = work.note
	return outcome, nil
}

// haltCrash writes the PREVIOUS_TICK_INCOMPLETE halt without doing any work.
func (o *Orchestrator) haltCrash(outcome *TickOutcome, crash *CrashInfo) (*TickOutcome, error) {
	tick := crash.Tick
	m, err := ReadManifest(o.runRoot)
	if err != nil {
		return nil, err
	}
	outcome.StageBefore = m.Stage.Current
	outcome.StageAfter = m.Stage.Current
	outcome.Status = m.Status

	h := &Halt{
		Code:  CodePreviousTickIncomplete,
		Stage: crash.Stage,
		Reason: fmt.Sprintf("tick %d started %s ago and never finished; a prior invocation likely crashed",
			crash.Tick, crash.Age.Round(time.Second)),
		Tick: &tick,
		NextCommands: []string{
			fmt.Sprintf("prism inspect %s", m.RunID),
			fmt.Sprintf("prism tick %s --ack-crash", m.RunID),
		},
	}
	paths, err := WriteHalt(o.runRoot, h, o.now())
	if err != nil {
		return nil, err
	}
	outcome.Halt = h
	outcome.HaltPaths = paths
	o.emit(telemetry.Event{Type: telemetry.EventHaltWritten, Stage: crash.Stage,
		Data: map[string]any{"code": string(CodePreviousTickIncomplete), "tick": crash.Tick}})
	return outcome, nil
}

// failLockLost marks the manifest failed after heartbeat loss. Continuing to
// write without a valid lease is unsafe, so this is terminal for the run
// until an operator intervenes.
func (o *Orchestrator) failLockLost(m *Manifest) error {
	patch := map[string]any{
		"status": StatusFailed,
		"failures": []any{map[string]any{
			"at":      o.now().UTC().Format(timeFormat),
			"kind":    "lock_lost",
			"stage":   m.Stage.Current,
			"message": "heartbeat could not renew the run lock lease",
		}},
	}
	// Best effort: the lease is already gone, but the failure must not be
	// silent.
	_ = writeWithRetry(o.manifest, patch, "lock lost during tick")
	o.emit(telemetry.Event{Type: telemetry.EventLockLost, Stage: m.Stage.Current})
	return Errf(CodeLockNotHeld, "run lock lease lost during tick; manifest marked failed")
}

// redoStage deletes a stage's output artifact so the next driver call
// regenerates it, and clears the related manifest record.
func (o *Orchestrator) redoStage(stage string, m *Manifest) error {
	var path string
	patch := map[string]any{}
	switch stage {
	case StagePivot:
		path = PivotPath(o.runRoot)
		patch["pivot"] = nil
	case StageSynthesis:
		path = SynthesisPath(o.runRoot)
	case StageReview:
		path = ReviewPath(o.runRoot)
		patch["review"] = nil
	default:
		return Errf(CodeInvalidArgs, "stage %q does not support redo", stage)
	}
	if err := removeIfExists(path); err != nil {
		return err
	}
	if len(patch) > 0 {
		if err := writeWithRetry(o.manifest, patch, "redo "+stage); err != nil {
			return err
		}
	}
	return nil
}

// emit appends a telemetry event, logging failures to stderr rather than
// aborting the tick: telemetry is observability, not correctness.
func (o *Orchestrator) emit(e telemetry.Event) {
	if _, err := o.events.Append(e); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: telemetry append failed: %v\n", err)
	}
}

// removeIfExists deletes a file, tolerating its absence.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
