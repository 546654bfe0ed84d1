// ABOUTME: Tests for the file-reading watchdog and its checkpoint artifacts.
// ABOUTME: Covers the timer origin, policy-driven timeouts, and paused/terminal exemptions.
package conductor

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leppikallio/prism/telemetry"
)

// setStageProgress rewrites the manifest's progress timestamp directly;
// tests own the run root, no lock is needed.
func setStageProgress(t *testing.T, runRoot, at string) {
	t.Helper()
	store := ManifestStore(runRoot)
	_, rev, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Write(map[string]any{
		"stage": map[string]any{"last_progress_at": at},
	}, rev, "test setup")
	if err != nil {
		t.Fatal(err)
	}
}

func TestWatchdogNotTimedOutWhenFresh(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	res, err := WatchdogCheck(root, "test", time.Now())
	if err != nil {
		t.Fatalf("WatchdogCheck: %v", err)
	}
	if res.TimedOut {
		t.Error("a fresh run should not be timed out")
	}
	if res.Checkpoint != nil {
		t.Error("no checkpoint should be written without a timeout")
	}
}

func TestWatchdogTimedOutWritesCheckpoints(t *testing.T) {
	policy := testPolicy(DriverModeTask, "")
	policy.DefaultStageTimeoutS = 60
	root := newTestRun(t, policy)

	stale := time.Now().Add(-10 * time.Minute).UTC().Format(timeFormat)
	setStageProgress(t, root, stale)

	res, err := WatchdogCheck(root, "test", time.Now())
	if err != nil {
		t.Fatalf("WatchdogCheck: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timed_out=true, elapsed=%.0fs timeout=%.0fs", res.ElapsedS, res.TimeoutS)
	}
	if res.Checkpoint == nil {
		t.Fatal("expected checkpoint paths")
	}

	var halt Halt
	data, err := os.ReadFile(res.Checkpoint.JSON)
	if err != nil {
		t.Fatalf("read json checkpoint: %v", err)
	}
	if err := json.Unmarshal(data, &halt); err != nil {
		t.Fatalf("parse json checkpoint: %v", err)
	}
	if halt.Code != CodeWatchdogTimeout {
		t.Errorf("code: got %s, want WATCHDOG_TIMEOUT", halt.Code)
	}
	if halt.Stage != StageInit {
		t.Errorf("stage: got %s, want init", halt.Stage)
	}
	if halt.ElapsedS == nil || *halt.ElapsedS < 60 {
		t.Errorf("elapsed_s: got %v, want >= 60", halt.ElapsedS)
	}
	if halt.TimeoutS == nil || *halt.TimeoutS != 60 {
		t.Errorf("timeout_s: got %v, want 60", halt.TimeoutS)
	}
	if halt.TimerOriginField != "stage.last_progress_at" {
		t.Errorf("timer_origin_field: got %s", halt.TimerOriginField)
	}
	if halt.TimerOrigin != stale {
		t.Errorf("timer_origin: got %s, want %s", halt.TimerOrigin, stale)
	}
	if len(halt.NextCommands) == 0 {
		t.Error("expected next_commands")
	}

	md, err := os.ReadFile(res.Checkpoint.Markdown)
	if err != nil {
		t.Fatalf("read markdown checkpoint: %v", err)
	}
	if !strings.Contains(string(md), "WATCHDOG_TIMEOUT") {
		t.Errorf("markdown checkpoint missing code: %s", md)
	}

	events, err := telemetry.Open(root)
	if err != nil {
		t.Fatalf("open telemetry: %v", err)
	}
	tail, err := events.Tail(5)
	if err != nil {
		t.Fatalf("tail telemetry: %v", err)
	}
	found := false
	for _, e := range tail {
		if e.Type == telemetry.EventWatchdogTimeout {
			found = true
			if e.Stage != StageInit {
				t.Errorf("watchdog event stage: got %s, want init", e.Stage)
			}
		}
	}
	if !found {
		t.Error("timeout did not emit a watchdog.timeout telemetry event")
	}
}

func TestWatchdogUsesPolicyTimeoutPerStage(t *testing.T) {
	policy := testPolicy(DriverModeTask, "")
	policy.StageTimeoutsS[StageInit] = 3600
	root := newTestRun(t, policy)

	// Ten minutes stale, but the init stage allows an hour.
	stale := time.Now().Add(-10 * time.Minute).UTC().Format(timeFormat)
	setStageProgress(t, root, stale)

	res, err := WatchdogCheck(root, "test", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.TimedOut {
		t.Error("per-stage timeout should have kept the run from timing out")
	}
}

func TestWatchdogIgnoresPausedRun(t *testing.T) {
	policy := testPolicy(DriverModeTask, "")
	policy.DefaultStageTimeoutS = 1
	root := newTestRun(t, policy)

	stale := time.Now().Add(-time.Hour).UTC().Format(timeFormat)
	setStageProgress(t, root, stale)

	store := ManifestStore(root)
	_, rev, _ := store.Read()
	if _, err := store.Write(map[string]any{"status": StatusPaused}, rev, "pause"); err != nil {
		t.Fatal(err)
	}

	res, err := WatchdogCheck(root, "test", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.TimedOut {
		t.Error("a paused run must never time out")
	}
}
