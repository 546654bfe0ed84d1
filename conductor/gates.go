// ABOUTME: The six named gates (A-F) and their deterministic evaluators.
// ABOUTME: Identical inputs always yield identical status, metrics, and inputs_digest, enabling audit replay.
package conductor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
)

// Gate statuses.
const (
	GatePending = "pending"
	GatePass    = "pass"
	GateFail    = "fail"
	GateWarn    = "warn"
)

// Gate identifiers. The letters are the stable ids; names are for humans.
const (
	GatePlanReady          = "A"
	GateWaveCoverage       = "B"
	GatePivotRecorded      = "C"
	GateCitationValidation = "D"
	GateSummaryCoverage    = "E"
	GateReviewApproval     = "F"
)

// GateNames maps gate ids to their human-readable names.
var GateNames = map[string]string{
	GatePlanReady:          "plan-ready",
	GateWaveCoverage:       "wave-coverage",
	GatePivotRecorded:      "pivot-recorded",
	GateCitationValidation: "citation-validation",
	GateSummaryCoverage:    "summary-coverage",
	GateReviewApproval:     "review-approval",
}

// AllGates lists every gate id in order.
var AllGates = []string{
	GatePlanReady, GateWaveCoverage, GatePivotRecorded,
	GateCitationValidation, GateSummaryCoverage, GateReviewApproval,
}

// EvalInput carries everything an evaluator may consult. Evaluators are pure
// over these inputs plus the named artifact files.
type EvalInput struct {
	RunRoot  string
	Manifest *Manifest
	Policy   *Policy
}

// GateResult is the outcome of one evaluation, persisted to gates.json.
type GateResult struct {
	Status       string         `json:"status"`
	Metrics      map[string]any `json:"metrics"`
	Warnings     []string       `json:"warnings"`
	InputsDigest string         `json:"inputs_digest"`
}

// GateEvaluator is one pluggable gate predicate.
type GateEvaluator func(in *EvalInput) (*GateResult, error)

// gateEvaluators maps gate ids to their evaluators. The thresholds behind
// each predicate live in the run policy, not here.
var gateEvaluators = map[string]GateEvaluator{
	GatePlanReady:          evalPlanReady,
	GateWaveCoverage:       evalWaveCoverage,
	GatePivotRecorded:      evalPivotRecorded,
	GateCitationValidation: evalCitationValidation,
	GateSummaryCoverage:    evalSummaryCoverage,
	GateReviewApproval:     evalReviewApproval,
}

// EvaluateGate runs the evaluator for one gate id.
func EvaluateGate(gateID string, in *EvalInput) (*GateResult, error) {
	eval, ok := gateEvaluators[gateID]
	if !ok {
		return nil, Errf(CodeInvalidArgs, "unknown gate %q", gateID)
	}
	res, err := eval(in)
	if err != nil {
		return nil, fmt.Errorf("evaluate gate %s: %w", gateID, err)
	}
	if res.Metrics == nil {
		res.Metrics = map[string]any{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res, nil
}

// gateInputsDigest fingerprints the evaluator's inputs: the gate id, the
// manifest fields it read, and a content hash per artifact file consulted.
// Key order never matters because DigestJSON canonicalizes.
func gateInputsDigest(gateID string, fields map[string]any, artifacts ...string) (string, error) {
	files := map[string]string{}
	for _, path := range artifacts {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				files[path] = "absent"
				continue
			}
			return "", fmt.Errorf("read artifact %s: %w", path, err)
		}
		sum := sha256.Sum256(data)
		files[path] = hex.EncodeToString(sum[:])
	}
	return DigestJSON(map[string]any{
		"gate":      gateID,
		"fields":    fields,
		"artifacts": files,
	})
}

// evalPlanReady (A): the run has a policy document and enough perspectives
// to be worth starting.
func evalPlanReady(in *EvalInput) (*GateResult, error) {
	count := len(in.Manifest.Perspectives)
	min := in.Policy.Waves.MinPerspectives

	digest, err := gateInputsDigest(GatePlanReady, map[string]any{
		"perspective_count": count,
		"min_perspectives":  min,
		"query":             in.Manifest.Query,
	}, PolicyPath(in.RunRoot))
	if err != nil {
		return nil, err
	}

	res := &GateResult{
		Status:       GatePass,
		Metrics:      map[string]any{"perspective_count": count, "min_perspectives": min},
		InputsDigest: digest,
	}
	if !fileExists(PolicyPath(in.RunRoot)) {
		res.Status = GateFail
		res.Warnings = []string{"policy.json is missing"}
	} else if count < min {
		res.Status = GateFail
		res.Warnings = []string{fmt.Sprintf("only %d perspectives declared, need %d", count, min)}
	}
	return res, nil
}

// evalWaveCoverage (B): every perspective has left pending and its draft
// artifact exists on disk.
func evalWaveCoverage(in *EvalInput) (*GateResult, error) {
	statuses := map[string]string{}
	var drafts []string
	drafted := 0
	var missing []string
	for _, p := range in.Manifest.Perspectives {
		statuses[p.ID] = p.Status
		path := DraftPath(in.RunRoot, p.ID)
		drafts = append(drafts, path)
		if p.Status == PerspectivePending {
			missing = append(missing, fmt.Sprintf("perspective %s is still pending", p.ID))
			continue
		}
		if !fileExists(path) {
			missing = append(missing, fmt.Sprintf("perspective %s has no draft at %s", p.ID, path))
			continue
		}
		drafted++
	}

	digest, err := gateInputsDigest(GateWaveCoverage, map[string]any{
		"statuses": statuses,
	}, drafts...)
	if err != nil {
		return nil, err
	}

	res := &GateResult{
		Status: GatePass,
		Metrics: map[string]any{
			"drafted": drafted,
			"total":   len(in.Manifest.Perspectives),
		},
		Warnings:     missing,
		InputsDigest: digest,
	}
	if len(missing) > 0 {
		res.Status = GateFail
	}
	return res, nil
}

// evalPivotRecorded (C): the pivot decision is in the manifest and the pivot
// artifact exists.
func evalPivotRecorded(in *EvalInput) (*GateResult, error) {
	decision := ""
	if in.Manifest.Pivot != nil {
		decision = in.Manifest.Pivot.Decision
	}
	digest, err := gateInputsDigest(GatePivotRecorded, map[string]any{
		"decision": decision,
	}, PivotPath(in.RunRoot))
	if err != nil {
		return nil, err
	}

	res := &GateResult{
		Status:       GatePass,
		Metrics:      map[string]any{"decision": decision},
		InputsDigest: digest,
	}
	switch {
	case decision == "":
		res.Status = GateFail
		res.Warnings = []string{"no pivot decision recorded in manifest"}
	case !fileExists(PivotPath(in.RunRoot)):
		res.Status = GateFail
		res.Warnings = []string{"pivot decision recorded but pivot.md is missing"}
	}
	return res, nil
}

// evalCitationValidation (D): the scanned citation set meets the policy's
// validity thresholds. Pass above warn_valid_ratio, warn above
// min_valid_ratio, fail below.
func evalCitationValidation(in *EvalInput) (*GateResult, error) {
	path := CitationsPath(in.RunRoot)
	digest, err := gateInputsDigest(GateCitationValidation, map[string]any{
		"min_valid_ratio":  in.Policy.Citations.MinValidRatio,
		"warn_valid_ratio": in.Policy.Citations.WarnValidRatio,
	}, path)
	if err != nil {
		return nil, err
	}

	res := &GateResult{Status: GateFail, Metrics: map[string]any{}, InputsDigest: digest}
	report, err := ReadCitationReport(in.RunRoot)
	if err != nil {
		if isNotExist(err) {
			res.Warnings = []string{"citations.json has not been produced"}
			return res, nil
		}
		return nil, err
	}

	res.Metrics["total"] = report.Total
	res.Metrics["valid"] = report.Valid
	res.Metrics["valid_ratio"] = report.ValidRatio
	switch {
	case report.Total == 0:
		res.Warnings = []string{"no citations found in any draft"}
	case report.ValidRatio >= in.Policy.Citations.WarnValidRatio:
		res.Status = GatePass
	case report.ValidRatio >= in.Policy.Citations.MinValidRatio:
		res.Status = GateWarn
		res.Warnings = []string{fmt.Sprintf("valid ratio %.2f is below the clean threshold %.2f",
			report.ValidRatio, in.Policy.Citations.WarnValidRatio)}
	default:
		res.Warnings = []string{fmt.Sprintf("valid ratio %.2f is below the minimum %.2f",
			report.ValidRatio, in.Policy.Citations.MinValidRatio)}
	}
	return res, nil
}

// evalSummaryCoverage (E): every drafted perspective has a summary artifact.
func evalSummaryCoverage(in *EvalInput) (*GateResult, error) {
	statuses := map[string]string{}
	var summaries []string
	var missing []string
	covered := 0
	for _, p := range in.Manifest.Perspectives {
		statuses[p.ID] = p.Status
		if p.Status == PerspectivePending || p.Status == PerspectiveFailed {
			continue
		}
		path := SummaryPath(in.RunRoot, p.ID)
		summaries = append(summaries, path)
		if !fileExists(path) {
			missing = append(missing, fmt.Sprintf("perspective %s has no summary at %s", p.ID, path))
			continue
		}
		covered++
	}
	sort.Strings(missing)

	digest, err := gateInputsDigest(GateSummaryCoverage, map[string]any{
		"statuses": statuses,
	}, summaries...)
	if err != nil {
		return nil, err
	}

	res := &GateResult{
		Status:       GatePass,
		Metrics:      map[string]any{"summarized": covered, "expected": len(summaries)},
		Warnings:     missing,
		InputsDigest: digest,
	}
	if len(missing) > 0 || covered == 0 {
		res.Status = GateFail
		if covered == 0 && len(missing) == 0 {
			res.Warnings = append(res.Warnings, "no perspectives have been drafted yet")
		}
	}
	return res, nil
}

// evalReviewApproval (F): the recorded review verdict is "approved".
func evalReviewApproval(in *EvalInput) (*GateResult, error) {
	verdict := ""
	if in.Manifest.Review != nil {
		verdict = in.Manifest.Review.Verdict
	}
	digest, err := gateInputsDigest(GateReviewApproval, map[string]any{
		"verdict": verdict,
	}, ReviewPath(in.RunRoot))
	if err != nil {
		return nil, err
	}

	res := &GateResult{
		Status:       GatePass,
		Metrics:      map[string]any{"verdict": verdict},
		InputsDigest: digest,
	}
	if verdict != "approved" {
		res.Status = GateFail
		if verdict == "" {
			res.Warnings = []string{"no review verdict recorded"}
		} else {
			res.Warnings = []string{fmt.Sprintf("review verdict is %q", verdict)}
		}
	}
	return res, nil
}
