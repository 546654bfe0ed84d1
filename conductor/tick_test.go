// ABOUTME: End-to-end tick tests: fixture runs to completion, agent suspensions, crash recovery, pause.
// ABOUTME: Exercises the full orchestrator loop against real run roots under temp dirs.
package conductor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/leppikallio/prism/telemetry"
)

func TestTickFixtureRunToCompletion(t *testing.T) {
	fixtures := t.TempDir()
	writeFixtureTree(t, fixtures)
	root := newTestRun(t, testPolicy(DriverModeFixture, fixtures))

	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	outcome := tickUntilDone(t, o, 15)
	if outcome == nil {
		t.Fatal("run never produced an outcome")
	}
	if outcome.Halt != nil {
		t.Fatalf("fixture run halted: %s (%s)", outcome.Halt.Code, outcome.Halt.Reason)
	}
	if !outcome.Completed {
		t.Fatalf("fixture run did not complete; last outcome: %+v", outcome)
	}

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusCompleted {
		t.Errorf("status: got %s, want %s", m.Status, StatusCompleted)
	}
	if m.Stage.Current != StageFinalize {
		t.Errorf("stage: got %s, want %s", m.Stage.Current, StageFinalize)
	}
	if _, err := os.Stat(FinalReportPath(root)); err != nil {
		t.Errorf("final report missing: %v", err)
	}

	// Every ledger start has a matching finish.
	entries, err := OpenLedger(root).Entries()
	if err != nil {
		t.Fatal(err)
	}
	open := map[int]bool{}
	for _, e := range entries {
		switch e.Phase {
		case PhaseStart:
			open[e.Tick] = true
		case PhaseFinish:
			delete(open, e.Tick)
		}
	}
	if len(open) != 0 {
		t.Errorf("ledger has unfinished ticks: %v", open)
	}

	// Telemetry recorded completion.
	events, err := telemetry.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	tail, err := events.Tail(5)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range tail {
		if e.Type == telemetry.EventRunCompleted {
			found = true
		}
	}
	if !found {
		t.Error("telemetry tail has no run.completed event")
	}

	// Ticking a completed run is a no-op.
	before := len(entries)
	again, err := o.Tick(context.Background(), TickOptions{Reason: "post-completion tick"})
	if err != nil {
		t.Fatalf("tick on completed run: %v", err)
	}
	if again.Note == "" {
		t.Error("no-op tick should carry an explanatory note")
	}
	entries, err = OpenLedger(root).Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != before {
		t.Errorf("no-op tick appended ledger entries: %d -> %d", before, len(entries))
	}
}

func TestTickTaskDriverSuspendsAndResumes(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))
	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// First tick: init advances to waves without any driver call.
	out, err := o.Tick(ctx, TickOptions{Reason: "first"})
	if err != nil {
		t.Fatalf("init tick: %v", err)
	}
	if !out.Advanced || out.StageAfter != StageWaves {
		t.Fatalf("init tick: advanced=%v stage_after=%s", out.Advanced, out.StageAfter)
	}

	// Second tick: the wave suspends on agent output for both perspectives.
	out, err = o.Tick(ctx, TickOptions{Reason: "wave"})
	if err != nil {
		t.Fatalf("wave tick: %v", err)
	}
	if out.Halt == nil || out.Halt.Code != CodeRunAgentRequired {
		t.Fatalf("wave tick: want RUN_AGENT_REQUIRED halt, got %+v", out.Halt)
	}
	if len(out.Halt.OutputPaths) != 2 || len(out.Halt.PromptPaths) != 2 {
		t.Fatalf("halt should list both perspectives: %+v", out.Halt)
	}
	if len(out.Halt.NextCommands) == 0 {
		t.Error("halt must carry next_commands")
	}
	for _, p := range out.Halt.PromptPaths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("prompt not written: %v", err)
		}
	}
	if _, err := os.Stat(LatestHaltPath(root)); err != nil {
		t.Errorf("halts/latest.json missing: %v", err)
	}

	// Operator writes the requested outputs and re-ticks.
	for _, p := range out.Halt.OutputPaths {
		if err := os.WriteFile(p, []byte("Draft with [src](https://example.org/x).\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out, err = o.Tick(ctx, TickOptions{Reason: "after outputs"})
	if err != nil {
		t.Fatalf("resume tick: %v", err)
	}
	if out.Halt != nil {
		t.Fatalf("resume tick halted: %+v", out.Halt)
	}

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range m.Perspectives {
		if p.Status != PerspectiveDrafted {
			t.Errorf("perspective %s: got %s, want %s", p.ID, p.Status, PerspectiveDrafted)
		}
	}

	// Next tick advances past waves, then pivot suspends on a single output.
	out, err = o.Tick(ctx, TickOptions{Reason: "advance"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Advanced || out.StageAfter != StagePivot {
		t.Fatalf("expected advance to pivot: %+v", out)
	}
	out, err = o.Tick(ctx, TickOptions{Reason: "pivot"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt == nil || out.Halt.Code != CodeRunAgentRequired {
		t.Fatalf("pivot tick: want RUN_AGENT_REQUIRED halt, got %+v", out.Halt)
	}
	if len(out.Halt.OutputPaths) != 1 {
		t.Errorf("pivot halt should name one output: %v", out.Halt.OutputPaths)
	}
}

func TestTickCrashDetectionAndAcknowledge(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	// Simulate a crashed prior invocation: a start entry well past the
	// recovery threshold with no finish.
	ledger := OpenLedger(root)
	stale := time.Now().Add(-5 * time.Minute).UTC().Format(timeFormat)
	if err := ledger.Append(LedgerEntry{
		Tick:         1,
		Phase:        PhaseStart,
		StageBefore:  StageInit,
		StatusBefore: StatusRunning,
		At:           stale,
	}); err != nil {
		t.Fatal(err)
	}

	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := o.Tick(ctx, TickOptions{Reason: "unaware"})
	if err != nil {
		t.Fatalf("tick with dangling ledger: %v", err)
	}
	if out.Halt == nil || out.Halt.Code != CodePreviousTickIncomplete {
		t.Fatalf("want PREVIOUS_TICK_INCOMPLETE halt, got %+v", out.Halt)
	}
	if out.Halt.Tick == nil || *out.Halt.Tick != 1 {
		t.Errorf("halt should name the crashed tick: %+v", out.Halt.Tick)
	}

	// A second unacknowledged tick halts again; the crash never clears itself.
	out, err = o.Tick(ctx, TickOptions{Reason: "still unaware"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt == nil || out.Halt.Code != CodePreviousTickIncomplete {
		t.Fatalf("second tick should still halt, got %+v", out.Halt)
	}

	// Acknowledging closes the crashed tick and lets work proceed.
	out, err = o.Tick(ctx, TickOptions{AckCrash: true, Reason: "operator ack"})
	if err != nil {
		t.Fatalf("ack tick: %v", err)
	}
	if out.Halt != nil {
		t.Fatalf("ack tick halted: %+v", out.Halt)
	}
	if !out.Advanced || out.StageAfter != StageWaves {
		t.Errorf("ack tick should do the init work: %+v", out)
	}

	entries, err := ledger.Entries()
	if err != nil {
		t.Fatal(err)
	}
	acked := false
	for _, e := range entries {
		if e.Tick == 1 && e.Phase == PhaseFinish && e.Result == ResultCrashAcknowledged {
			acked = true
		}
	}
	if !acked {
		t.Error("ledger has no crash_acknowledged finish for tick 1")
	}
}

func TestTickPausedRunIsNoop(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))
	if err := PauseRun(root, "operator pause"); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}

	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := o.Tick(ctx, TickOptions{Reason: "while paused"})
	if err != nil {
		t.Fatalf("tick on paused run: %v", err)
	}
	if out.Note == "" || out.Status != StatusPaused {
		t.Errorf("paused tick: note=%q status=%s", out.Note, out.Status)
	}
	entries, err := OpenLedger(root).Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("paused tick wrote %d ledger entries", len(entries))
	}

	if err := ResumeRun(root, "operator resume"); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	out, err = o.Tick(ctx, TickOptions{Reason: "after resume"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Advanced || out.StageAfter != StageWaves {
		t.Errorf("resumed tick should work the init stage: %+v", out)
	}
}

func TestTickRedoRejectsUnknownStage(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))
	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Tick(context.Background(), TickOptions{RedoStage: "waves", Reason: "bad redo"})
	if !HasCode(err, CodeInvalidArgs) {
		t.Fatalf("redo waves: got %v, want %s", err, CodeInvalidArgs)
	}
}

func TestTickRedoReviewRegenerates(t *testing.T) {
	fixtures := t.TempDir()
	writeFixtureTree(t, fixtures)
	root := newTestRun(t, testPolicy(DriverModeFixture, fixtures))

	o, err := NewOrchestrator(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Run up to the review stage.
	for i := 0; i < 15; i++ {
		m, err := ReadManifest(root)
		if err != nil {
			t.Fatal(err)
		}
		if m.Stage.Current == StageReview {
			break
		}
		if _, err := o.Tick(ctx, TickOptions{Reason: "advance"}); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	// Plant a revise verdict, tick, and expect the gate-F block with redo
	// instructions.
	if err := os.WriteFile(ReviewPath(root), []byte("VERDICT: revise\n\nNeeds work.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := o.Tick(ctx, TickOptions{Reason: "review"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Halt == nil || out.Halt.Code != CodeGateBlocked || out.Halt.Gate != GateReviewApproval {
		t.Fatalf("revise verdict: want gate F block, got %+v", out.Halt)
	}

	// Redo review: the planted file is removed and the fixture's approved
	// verdict takes its place.
	out, err = o.Tick(ctx, TickOptions{RedoStage: StageReview, Reason: "redo review"})
	if err != nil {
		t.Fatalf("redo tick: %v", err)
	}
	if out.Halt != nil {
		t.Fatalf("redo tick halted: %+v", out.Halt)
	}
	if !out.Advanced || out.StageAfter != StageFinalize {
		t.Errorf("redo tick should advance to finalize: %+v", out)
	}
}
