// ABOUTME: Tests for gate evaluators and the transition guard.
// ABOUTME: Covers the review->finalize gate-F block, dry-run purity, idempotent digests, and artifact checks.
package conductor

import (
	"os"
	"testing"
)

// seedReviewStage puts a run at the review stage with approved-or-not
// content so gates E and F can be exercised directly.
func seedReviewStage(t *testing.T, verdict string) string {
	t.Helper()
	root := newTestRun(t, testPolicy(DriverModeTask, ""))

	for _, id := range []string{"alpha", "beta"} {
		dir := PerspectiveDir(root, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(DraftPath(root, id), []byte("draft [s](https://example.org/x)\n"), 0o644)
		os.WriteFile(SummaryPath(root, id), []byte("summary\n"), 0o644)
	}
	store := ManifestStore(root)
	_, rev, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	perspectives := []any{
		map[string]any{"id": "alpha", "title": "Alpha", "focus": "f", "wave": 1, "status": PerspectiveSummarized},
		map[string]any{"id": "beta", "title": "Beta", "focus": "f", "wave": 1, "status": PerspectiveSummarized},
	}
	patch := map[string]any{
		"perspectives": perspectives,
		"stage":        map[string]any{"current": StageReview},
		"review":       map[string]any{"verdict": verdict, "reviewed_at": "2026-01-01T00:00:00Z"},
	}
	if _, err := store.Write(patch, rev, "test seed"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ReviewPath(root), []byte("VERDICT: "+verdict+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestAdvanceBlockedByReviewGate(t *testing.T) {
	root := seedReviewStage(t, "revise")

	m, err := ReadManifest(root)
	if err != nil {
		t.Fatal(err)
	}
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	guard := NewGuard(root)
	report, err := guard.Advance(StageReview, StageFinalize, in, ManifestStore(root), "test")
	if err == nil {
		t.Fatal("expected GATE_BLOCKED")
	}
	if !HasCode(err, CodeGateBlocked) {
		t.Fatalf("code: got %s, want GATE_BLOCKED (%v)", CodeOf(err), err)
	}

	// Gate E passed, gate F is the blocker.
	var eMet, fMet bool
	for _, c := range report.Conditions {
		switch c.Gate {
		case GateSummaryCoverage:
			eMet = c.Met
		case GateReviewApproval:
			fMet = c.Met
		}
	}
	if !eMet {
		t.Error("gate E should pass with all summaries present")
	}
	if fMet {
		t.Error("gate F should fail with a revise verdict")
	}

	// The run must not have advanced.
	after, _ := ReadManifest(root)
	if after.Stage.Current != StageReview {
		t.Errorf("stage after blocked advance: got %s, want review", after.Stage.Current)
	}
}

func TestAdvancePassesWithApprovedReview(t *testing.T) {
	root := seedReviewStage(t, "approved")

	m, _ := ReadManifest(root)
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	report, err := NewGuard(root).Advance(StageReview, StageFinalize, in, ManifestStore(root), "test")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !report.OK {
		t.Errorf("report should be ok: %+v", report)
	}

	after, _ := ReadManifest(root)
	if after.Stage.Current != StageFinalize {
		t.Errorf("stage: got %s, want finalize", after.Stage.Current)
	}

	// Gate results must be persisted through the gates store.
	gates, err := ReadGates(root)
	if err != nil {
		t.Fatal(err)
	}
	if gates.Gates[GateReviewApproval].Status != GatePass {
		t.Errorf("persisted gate F: got %s, want pass", gates.Gates[GateReviewApproval].Status)
	}
	if gates.Revision < 2 {
		t.Errorf("gates revision should have advanced, got %d", gates.Revision)
	}
}

func TestExplainIsDryRun(t *testing.T) {
	root := seedReviewStage(t, "revise")

	m, _ := ReadManifest(root)
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	gatesBefore, _ := os.ReadFile(GatesPath(root))
	manifestBefore, _ := os.ReadFile(ManifestPath(root))

	report, err := NewGuard(root).Explain(StageReview, StageFinalize, in)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if report.OK {
		t.Error("explain should report the block")
	}

	gatesAfter, _ := os.ReadFile(GatesPath(root))
	manifestAfter, _ := os.ReadFile(ManifestPath(root))
	if string(gatesBefore) != string(gatesAfter) {
		t.Error("Explain mutated gates.json")
	}
	if string(manifestBefore) != string(manifestAfter) {
		t.Error("Explain mutated manifest.json")
	}
}

func TestExplainRejectsUnknownTransition(t *testing.T) {
	root := newTestRun(t, testPolicy(DriverModeTask, ""))
	m, _ := ReadManifest(root)
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	_, err := NewGuard(root).Explain(StageInit, StageFinalize, in)
	if !HasCode(err, CodeInvalidArgs) {
		t.Errorf("got %v, want INVALID_ARGS", err)
	}
}

func TestGateEvaluationIdempotent(t *testing.T) {
	root := seedReviewStage(t, "approved")
	m, _ := ReadManifest(root)
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	for _, gate := range []string{GateSummaryCoverage, GateReviewApproval} {
		first, err := EvaluateGate(gate, in)
		if err != nil {
			t.Fatalf("gate %s: %v", gate, err)
		}
		second, err := EvaluateGate(gate, in)
		if err != nil {
			t.Fatalf("gate %s: %v", gate, err)
		}
		if first.Status != second.Status {
			t.Errorf("gate %s status not idempotent: %s vs %s", gate, first.Status, second.Status)
		}
		if first.InputsDigest != second.InputsDigest {
			t.Errorf("gate %s inputs_digest not idempotent: %s vs %s",
				gate, first.InputsDigest, second.InputsDigest)
		}
		if first.InputsDigest == "" {
			t.Errorf("gate %s has empty inputs_digest", gate)
		}
	}
}

func TestAdvanceMissingArtifact(t *testing.T) {
	root := seedReviewStage(t, "approved")
	if err := os.Remove(ReviewPath(root)); err != nil {
		t.Fatal(err)
	}

	m, _ := ReadManifest(root)
	policy, _ := LoadPolicy(root)
	in := &EvalInput{RunRoot: root, Manifest: m, Policy: policy}

	_, err := NewGuard(root).Advance(StageReview, StageFinalize, in, ManifestStore(root), "test")
	if !HasCode(err, CodeMissingArtifact) {
		t.Errorf("got %v, want MISSING_ARTIFACT", err)
	}
}

func TestTransitionTableCoversStageOrder(t *testing.T) {
	for i := 0; i < len(StageOrder)-1; i++ {
		from, to := StageOrder[i], StageOrder[i+1]
		if TransitionFor(from, to) == nil {
			t.Errorf("no transition row for %s -> %s", from, to)
		}
	}
	if got := NextStage(StageReview); got != StageFinalize {
		t.Errorf("NextStage(review): got %s, want finalize", got)
	}
	if got := NextStage(StageFinalize); got != "" {
		t.Errorf("NextStage(finalize): got %s, want empty", got)
	}
}
