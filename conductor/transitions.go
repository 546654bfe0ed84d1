// ABOUTME: Static stage transition table and the guard that enforces it.
// ABOUTME: Explain is the dry-run diagnostic mode; Advance persists refreshed gate results and the stage patch.
package conductor

import (
	"fmt"
	"path/filepath"
	"time"
)

// GateRequirement names one gate and the statuses that satisfy it.
type GateRequirement struct {
	Gate   string
	Accept []string
}

// Transition is one row of the static (from, to) table.
type Transition struct {
	From      string
	To        string
	Gates     []GateRequirement
	Artifacts []string // run-root-relative paths that must exist
}

// transitionTable is the fixed stage progression. Every stage advance must
// match exactly one row; gates cannot be skipped.
var transitionTable = []Transition{
	{
		From:  StageInit,
		To:    StageWaves,
		Gates: []GateRequirement{{Gate: GatePlanReady, Accept: []string{GatePass}}},
		Artifacts: []string{
			"policy.json",
		},
	},
	{
		From:  StageWaves,
		To:    StagePivot,
		Gates: []GateRequirement{{Gate: GateWaveCoverage, Accept: []string{GatePass}}},
	},
	{
		From:  StagePivot,
		To:    StageCitations,
		Gates: []GateRequirement{{Gate: GatePivotRecorded, Accept: []string{GatePass}}},
		Artifacts: []string{
			"pivot/pivot.md",
		},
	},
	{
		From:  StageCitations,
		To:    StageSummaries,
		Gates: []GateRequirement{{Gate: GateCitationValidation, Accept: []string{GatePass, GateWarn}}},
		Artifacts: []string{
			"citations/citations.json",
		},
	},
	{
		From:  StageSummaries,
		To:    StageSynthesis,
		Gates: []GateRequirement{{Gate: GateSummaryCoverage, Accept: []string{GatePass}}},
	},
	{
		From: StageSynthesis,
		To:   StageReview,
		Artifacts: []string{
			"synthesis/synthesis.md",
		},
	},
	{
		From: StageReview,
		To:   StageFinalize,
		Gates: []GateRequirement{
			{Gate: GateSummaryCoverage, Accept: []string{GatePass}},
			{Gate: GateReviewApproval, Accept: []string{GatePass}},
		},
		Artifacts: []string{
			"review/review.md",
		},
	},
}

// TransitionFor returns the table row for (from, to), or nil.
func TransitionFor(from, to string) *Transition {
	for i := range transitionTable {
		if transitionTable[i].From == from && transitionTable[i].To == to {
			return &transitionTable[i]
		}
	}
	return nil
}

// NextStage returns the stage that follows from in the fixed progression,
// or "" when from is the last stage.
func NextStage(from string) string {
	for i, s := range StageOrder {
		if s == from && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// ConditionReport is the per-condition breakdown produced by Explain.
type ConditionReport struct {
	Kind     string      `json:"kind"` // gate | artifact
	Gate     string      `json:"gate,omitempty"`
	Accept   []string    `json:"accept,omitempty"`
	Artifact string      `json:"artifact,omitempty"`
	Met      bool        `json:"met"`
	Result   *GateResult `json:"result,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// TransitionReport is the full dry-run view of one candidate stage advance.
type TransitionReport struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	OK         bool              `json:"ok"`
	Conditions []ConditionReport `json:"conditions"`
}

// Guard enforces the transition table over one run root.
type Guard struct {
	runRoot string
	gates   *DocStore
	now     func() time.Time
}

// NewGuard builds a transition guard for a run root.
func NewGuard(runRoot string) *Guard {
	return &Guard{runRoot: runRoot, gates: GatesStore(runRoot), now: time.Now}
}

// Explain evaluates every condition for (from, to) without mutating any
// state. This is the "why is this run stuck" diagnostic used by triage.
func (g *Guard) Explain(from, to string, in *EvalInput) (*TransitionReport, error) {
	t := TransitionFor(from, to)
	if t == nil {
		return nil, Errf(CodeInvalidArgs, "no transition from %q to %q", from, to)
	}
	if in.Manifest.Stage.Current != from {
		return nil, Errf(CodeInvalidArgs, "run is at stage %q, not %q",
			in.Manifest.Stage.Current, from)
	}

	report := &TransitionReport{From: from, To: to, OK: true}
	for _, req := range t.Gates {
		res, err := EvaluateGate(req.Gate, in)
		if err != nil {
			return nil, err
		}
		met := statusAccepted(res.Status, req.Accept)
		if !met {
			report.OK = false
		}
		report.Conditions = append(report.Conditions, ConditionReport{
			Kind:   "gate",
			Gate:   req.Gate,
			Accept: req.Accept,
			Met:    met,
			Result: res,
			Detail: fmt.Sprintf("gate %s (%s) is %s", req.Gate, GateNames[req.Gate], res.Status),
		})
	}
	for _, rel := range t.Artifacts {
		path := filepath.Join(g.runRoot, filepath.FromSlash(rel))
		met := fileExists(path)
		if !met {
			report.OK = false
		}
		report.Conditions = append(report.Conditions, ConditionReport{
			Kind:     "artifact",
			Artifact: rel,
			Met:      met,
		})
	}
	return report, nil
}

// Advance performs a guarded stage transition. Gate results from the check
// are persisted to gates.json through the CAS contract, then the manifest
// stage patch is applied via the supplied writer. Unmet gates yield
// GATE_BLOCKED; missing artifacts MISSING_ARTIFACT. The returned report
// always reflects what was evaluated, even on rejection.
func (g *Guard) Advance(from, to string, in *EvalInput, manifest *DocStore, reason string) (*TransitionReport, error) {
	report, err := g.Explain(from, to, in)
	if err != nil {
		return nil, err
	}

	// Persist every freshly evaluated gate result, pass or fail, so the
	// audit trail shows what was seen at decision time.
	if err := g.persistGateResults(report, reason); err != nil {
		return report, err
	}

	if !report.OK {
		for _, c := range report.Conditions {
			if c.Met {
				continue
			}
			if c.Kind == "artifact" {
				return report, Errf(CodeMissingArtifact,
					"transition %s->%s requires artifact %s", from, to, c.Artifact)
			}
			return report, Errf(CodeGateBlocked,
				"transition %s->%s blocked by gate %s (%s): %s",
				from, to, c.Gate, GateNames[c.Gate], c.Result.Status)
		}
	}

	now := g.now().UTC().Format(timeFormat)
	patch := map[string]any{
		"stage": map[string]any{
			"current":          to,
			"started_at":       now,
			"last_progress_at": now,
		},
	}
	if err := writeWithRetry(manifest, patch, reason); err != nil {
		return report, err
	}
	return report, nil
}

// persistGateResults stores the evaluated gate records with a CAS retry.
func (g *Guard) persistGateResults(report *TransitionReport, reason string) error {
	records := map[string]any{}
	checkedAt := g.now().UTC().Format(timeFormat)
	for _, c := range report.Conditions {
		if c.Kind != "gate" || c.Result == nil {
			continue
		}
		records[c.Gate] = map[string]any{
			"status":        c.Result.Status,
			"metrics":       c.Result.Metrics,
			"warnings":      c.Result.Warnings,
			"checked_at":    checkedAt,
			"inputs_digest": c.Result.InputsDigest,
		}
	}
	if len(records) == 0 {
		return nil
	}
	return writeWithRetry(g.gates, map[string]any{"gates": records}, reason)
}

// writeWithRetry applies a patch through the CAS contract, re-reading and
// retrying on REVISION_CONFLICT a bounded number of times.
func writeWithRetry(store *DocStore, patch map[string]any, reason string) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, rev, err := store.Read()
		if err != nil {
			return err
		}
		_, err = store.Write(patch, rev, reason)
		if err == nil {
			return nil
		}
		if !HasCode(err, CodeRevisionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func statusAccepted(status string, accept []string) bool {
	for _, a := range accept {
		if status == a {
			return true
		}
	}
	return false
}
