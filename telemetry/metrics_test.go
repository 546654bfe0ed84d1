// ABOUTME: Tests for the SQLite metrics mirror and its skip-if-unchanged recompute.
// ABOUTME: Uses real telemetry logs under temp dirs; the database is always rebuildable state.
package telemetry

import (
	"testing"
)

func seedEvents(t *testing.T, root string, events []Event) *Appender {
	t.Helper()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, e := range events {
		if _, err := a.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return a
}

func TestRecomputeInsertsAndAggregates(t *testing.T) {
	root := t.TempDir()
	seedEvents(t, root, []Event{
		{Type: EventTickStarted, Stage: "waves"},
		{Type: EventTickFinished, Stage: "waves"},
		{Type: EventTickStarted, Stage: "pivot"},
		{Type: EventGateEvaluated, Stage: "pivot"},
		{Type: EventRunCompleted},
	})

	m, err := OpenMetrics(root)
	if err != nil {
		t.Fatalf("OpenMetrics: %v", err)
	}
	defer m.Close()

	report, err := m.Recompute(root)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if report.Skipped {
		t.Fatal("first recompute should not skip")
	}
	if report.Inserted != 5 || report.LastSeq != 5 {
		t.Errorf("recompute: inserted=%d last_seq=%d, want 5/5", report.Inserted, report.LastSeq)
	}

	byType, err := m.CountByType()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	for _, tc := range byType {
		counts[tc.Type] = tc.Count
	}
	if counts[EventTickStarted] != 2 {
		t.Errorf("tick.started count: got %d, want 2", counts[EventTickStarted])
	}
	if counts[EventRunCompleted] != 1 {
		t.Errorf("run.completed count: got %d, want 1", counts[EventRunCompleted])
	}

	byStage, err := m.CountByStage()
	if err != nil {
		t.Fatal(err)
	}
	stageCounts := map[string]int64{}
	for _, sc := range byStage {
		stageCounts[sc.Type] = sc.Count
	}
	if stageCounts["waves"] != 2 || stageCounts["pivot"] != 2 {
		t.Errorf("stage counts: %v", stageCounts)
	}
	if _, ok := stageCounts[""]; ok {
		t.Error("stage aggregate must skip events with no stage")
	}
}

func TestRecomputeSkipsWhenUnchanged(t *testing.T) {
	root := t.TempDir()
	a := seedEvents(t, root, []Event{
		{Type: EventTickStarted, Stage: "init"},
		{Type: EventTickFinished, Stage: "init"},
	})

	m, err := OpenMetrics(root)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	first, err := m.Recompute(root)
	if err != nil {
		t.Fatal(err)
	}
	if first.Skipped || first.Inserted != 2 {
		t.Fatalf("first recompute: %+v", first)
	}

	second, err := m.Recompute(root)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Skipped {
		t.Error("unchanged log: recompute should skip")
	}
	if second.LastSeq != 2 {
		t.Errorf("skipped recompute last_seq: got %d", second.LastSeq)
	}

	// New events make the next recompute incremental, not a full rebuild.
	if _, err := a.Append(Event{Type: EventHaltWritten, Stage: "waves"}); err != nil {
		t.Fatal(err)
	}
	third, err := m.Recompute(root)
	if err != nil {
		t.Fatal(err)
	}
	if third.Skipped || third.Inserted != 1 || third.LastSeq != 3 {
		t.Errorf("incremental recompute: %+v", third)
	}
}

func TestMetricsSurviveReopen(t *testing.T) {
	root := t.TempDir()
	seedEvents(t, root, []Event{{Type: EventRunCreated}})

	m, err := OpenMetrics(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Recompute(root); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenMetrics(root)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	report, err := reopened.Recompute(root)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Skipped {
		t.Error("reopened metrics db should remember last_seq and skip")
	}
}
