// ABOUTME: Per-stage work functions dispatched by the tick: waves, pivot, citations, summaries, synthesis, review, finalize.
// ABOUTME: Each returns either forward progress, a structured halt, or an error; blocking paths always produce a halt.
package conductor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/leppikallio/prism/telemetry"
)

// stageOutcome is what one stage work function reports back to the tick.
type stageOutcome struct {
	halt       *Halt
	advancedTo string
	completed  bool
	note       string
}

// doWork dispatches to the current stage's work function.
func (o *Orchestrator) doWork(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	switch m.Stage.Current {
	case StageInit:
		return o.workInit(m)
	case StageWaves:
		return o.workWaves(ctx, m)
	case StagePivot:
		return o.workPivot(ctx, m)
	case StageCitations:
		return o.workCitations(m)
	case StageSummaries:
		return o.workSummaries(ctx, m)
	case StageSynthesis:
		return o.workSynthesis(ctx, m)
	case StageReview:
		return o.workReview(ctx, m)
	case StageFinalize:
		return o.workFinalize(m)
	default:
		return nil, Errf(CodeInvalidArgs, "manifest names unknown stage %q", m.Stage.Current)
	}
}

// advance runs the transition guard and converts its operator-actionable
// rejections (GATE_BLOCKED, MISSING_ARTIFACT) into halts.
func (o *Orchestrator) advance(m *Manifest, from, to, reason string) (*stageOutcome, error) {
	in := &EvalInput{RunRoot: o.runRoot, Manifest: m, Policy: o.policy}
	report, err := o.guard.Advance(from, to, in, o.manifest, reason)
	if report != nil {
		for _, c := range report.Conditions {
			if c.Kind == "gate" && c.Result != nil {
				o.emit(telemetry.Event{Type: telemetry.EventGateEvaluated, Stage: from,
					Data: map[string]any{
						"gate":          c.Gate,
						"status":        c.Result.Status,
						"inputs_digest": c.Result.InputsDigest,
					}})
			}
		}
	}
	if err != nil {
		halt := o.haltFromGuardErr(err, report, m, from, to)
		if halt != nil {
			return &stageOutcome{halt: halt}, nil
		}
		return nil, err
	}

	o.emit(telemetry.Event{Type: telemetry.EventStageAdvanced, Stage: to,
		Data: map[string]any{"from": from, "to": to}})
	return &stageOutcome{advancedTo: to}, nil
}

// haltFromGuardErr builds a halt for guard rejections; other errors pass
// through as nil.
func (o *Orchestrator) haltFromGuardErr(err error, report *TransitionReport, m *Manifest, from, to string) *Halt {
	code := CodeOf(err)
	if code != CodeGateBlocked && code != CodeMissingArtifact {
		return nil
	}
	h := &Halt{
		Code:   code,
		Stage:  from,
		Reason: fmt.Sprintf("stage advance %s -> %s rejected: %v", from, to, err),
		NextCommands: []string{
			fmt.Sprintf("prism triage %s", m.RunID),
			fmt.Sprintf("prism tick %s", m.RunID),
		},
	}
	if report != nil {
		h.Statuses = map[string]string{}
		for _, c := range report.Conditions {
			switch {
			case c.Kind == "gate" && c.Result != nil:
				h.Statuses[c.Gate] = c.Result.Status
				if !c.Met && h.Gate == "" {
					h.Gate = c.Gate
				}
			case c.Kind == "artifact" && !c.Met:
				h.MissingArtifacts = append(h.MissingArtifacts, c.Artifact)
			}
		}
	}
	return h
}

// touchProgress bumps stage.last_progress_at so the watchdog sees activity.
func (o *Orchestrator) touchProgress(reason string) error {
	return writeWithRetry(o.manifest, map[string]any{
		"stage": map[string]any{
			"last_progress_at": o.now().UTC().Format(timeFormat),
		},
	}, reason)
}

// workInit finishes run setup and advances to the wave stage. All artifacts
// were created by InitRun; the init tick exists so gate A is evaluated and
// audited like every other transition.
func (o *Orchestrator) workInit(m *Manifest) (*stageOutcome, error) {
	if err := o.touchProgress("init tick"); err != nil {
		return nil, err
	}
	return o.advance(m, StageInit, StageWaves, "init complete")
}

// perspectiveResult collects one driver call's outcome inside the wave pool.
type perspectiveResult struct {
	id          string
	status      string
	promptPath  string
	outputPath  string
	agentNeeded bool
	err         error
}

// workWaves drives the current wave: the lowest wave number that still has
// pending perspectives. Driver calls run through a bounded worker pool.
// When no pending perspectives remain the stage advances through gate B.
func (o *Orchestrator) workWaves(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	wave := 0
	for _, p := range m.Perspectives {
		if p.Status != PerspectivePending {
			continue
		}
		if wave == 0 || p.Wave < wave {
			wave = p.Wave
		}
	}
	if wave == 0 {
		return o.advance(m, StageWaves, StagePivot, "all waves drafted")
	}

	var targets []Perspective
	for _, p := range m.Perspectives {
		if p.Status == PerspectivePending && p.Wave == wave {
			targets = append(targets, p)
		}
	}

	results := o.runPerspectivePool(ctx, m, targets, wave)

	// One merged manifest patch for the whole wave.
	byID := map[string]perspectiveResult{}
	for _, r := range results {
		byID[r.id] = r
	}
	updated := make([]any, 0, len(m.Perspectives))
	var failures []any
	drafted := 0
	for _, p := range m.Perspectives {
		status := p.Status
		if r, ok := byID[p.ID]; ok {
			if r.status != "" {
				status = r.status
			}
			if r.err != nil {
				failures = append(failures, map[string]any{
					"at":      o.now().UTC().Format(timeFormat),
					"kind":    "driver_error",
					"stage":   StageWaves,
					"message": fmt.Sprintf("perspective %s: %v", p.ID, r.err),
				})
			}
		}
		if status == PerspectiveDrafted || status == PerspectiveSummarized {
			drafted++
		}
		updated = append(updated, map[string]any{
			"id": p.ID, "title": p.Title, "focus": p.Focus, "wave": p.Wave, "status": status,
		})
	}
	patch := map[string]any{
		"perspectives": updated,
		"stage": map[string]any{
			"last_progress_at": o.now().UTC().Format(timeFormat),
		},
	}
	if len(failures) > 0 {
		patch["failures"] = failures
	}
	if err := writeWithRetry(o.manifest, patch, fmt.Sprintf("wave %d results", wave)); err != nil {
		return nil, err
	}

	if halt := aggregateAgentHalt(m, StageWaves, results); halt != nil {
		return &stageOutcome{halt: halt}, nil
	}
	for _, r := range results {
		if r.err != nil {
			return nil, Wrap(CodeInternal, r.err, "wave %d perspective %s failed", wave, r.id)
		}
	}
	return &stageOutcome{note: fmt.Sprintf("wave %d drafted %d perspectives", wave, len(targets))}, nil
}

// runPerspectivePool runs draft production for a set of perspectives with
// bounded parallelism.
func (o *Orchestrator) runPerspectivePool(ctx context.Context, m *Manifest, targets []Perspective, wave int) []perspectiveResult {
	parallelism := o.policy.Waves.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]perspectiveResult, len(targets))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.draftPerspective(ctx, m, &targets[i])
		}(i)
	}
	wg.Wait()
	return results
}

// draftPerspective produces one draft.md, skipping the driver entirely when
// the artifact already exists (operator-supplied output, or a retry).
func (o *Orchestrator) draftPerspective(ctx context.Context, m *Manifest, p *Perspective) perspectiveResult {
	res := perspectiveResult{
		id:         p.ID,
		promptPath: DraftPromptPath(o.runRoot, p.ID),
		outputPath: DraftPath(o.runRoot, p.ID),
	}
	if fileExists(res.outputPath) {
		res.status = PerspectiveDrafted
		return res
	}
	if err := os.MkdirAll(PerspectiveDir(o.runRoot, p.ID), 0o755); err != nil {
		res.err = err
		res.status = PerspectiveFailed
		return res
	}

	out, err := o.driver.RunStage(ctx, StageRequest{
		RunRoot:     o.runRoot,
		Stage:       StageWaves,
		Perspective: p.ID,
		Prompt:      draftPrompt(m, p),
		PromptPath:  res.promptPath,
		OutputPath:  res.outputPath,
	})
	if err != nil {
		if HasCode(err, CodeRunAgentRequired) {
			res.agentNeeded = true
			return res
		}
		res.err = err
		res.status = PerspectiveFailed
		return res
	}
	if err := writeFileAtomic(res.outputPath, []byte(out.Markdown)); err != nil {
		res.err = err
		res.status = PerspectiveFailed
		return res
	}
	res.status = PerspectiveDrafted
	o.emit(telemetry.Event{Type: telemetry.EventDriverCompleted, Stage: StageWaves,
		Perspective: p.ID})
	return res
}

// aggregateAgentHalt collects every agent-required result into one halt so
// the operator sees the whole batch of prompts at once.
func aggregateAgentHalt(m *Manifest, stage string, results []perspectiveResult) *Halt {
	var prompts, outputs []string
	for _, r := range results {
		if r.agentNeeded {
			prompts = append(prompts, r.promptPath)
			outputs = append(outputs, r.outputPath)
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	sort.Strings(prompts)
	sort.Strings(outputs)
	return &Halt{
		Code:        CodeRunAgentRequired,
		Stage:       stage,
		Reason:      fmt.Sprintf("%d %s outputs must be produced by an agent or operator", len(outputs), stage),
		PromptPaths: prompts,
		OutputPaths: outputs,
		NextCommands: []string{
			fmt.Sprintf("prism inspect %s", m.RunID),
			fmt.Sprintf("prism tick %s  # after writing the output files", m.RunID),
		},
	}
}

// workPivot obtains the pivot document, parses its DECISION line into the
// manifest, and advances through gate C.
func (o *Orchestrator) workPivot(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	path := PivotPath(o.runRoot)
	if !fileExists(path) {
		out, err := o.driver.RunStage(ctx, StageRequest{
			RunRoot:    o.runRoot,
			Stage:      StagePivot,
			Prompt:     pivotPrompt(o.runRoot, m),
			PromptPath: PivotPromptPath(o.runRoot),
			OutputPath: path,
		})
		if err != nil {
			return o.singleAgentHalt(err, m, StagePivot, PivotPromptPath(o.runRoot), path)
		}
		if err := writeFileAtomic(path, []byte(out.Markdown)); err != nil {
			return nil, err
		}
		o.emit(telemetry.Event{Type: telemetry.EventDriverCompleted, Stage: StagePivot})
	}

	if m.Pivot == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		decision, rationale, ok := parseMarkerLine(string(data), "DECISION")
		if !ok {
			return &stageOutcome{halt: &Halt{
				Code:             CodeMissingArtifact,
				Stage:            StagePivot,
				Reason:           "pivot.md exists but has no DECISION: line",
				MissingArtifacts: []string{"pivot/pivot.md (DECISION: line)"},
				NextCommands: []string{
					fmt.Sprintf("edit %s and add 'DECISION: proceed|deepen|broaden'", path),
					fmt.Sprintf("prism tick %s", m.RunID),
				},
			}}, nil
		}
		switch decision {
		case "proceed", "deepen", "broaden":
		default:
			return nil, Errf(CodeInvalidArgs, "pivot decision %q is not proceed, deepen, or broaden", decision)
		}
		patch := map[string]any{
			"pivot": map[string]any{
				"decision":   decision,
				"rationale":  firstLine(rationale),
				"decided_at": o.now().UTC().Format(timeFormat),
			},
			"stage": map[string]any{
				"last_progress_at": o.now().UTC().Format(timeFormat),
			},
		}
		if err := writeWithRetry(o.manifest, patch, "record pivot decision"); err != nil {
			return nil, err
		}
		m, err = ReadManifest(o.runRoot)
		if err != nil {
			return nil, err
		}
	}

	return o.advance(m, StagePivot, StageCitations, "pivot recorded")
}

// workCitations runs the deterministic citation scan and advances through
// gate D. No driver is involved.
func (o *Orchestrator) workCitations(m *Manifest) (*stageOutcome, error) {
	if _, err := ScanCitations(o.runRoot, m); err != nil {
		return nil, err
	}
	if err := o.touchProgress("citation scan"); err != nil {
		return nil, err
	}
	m, err := ReadManifest(o.runRoot)
	if err != nil {
		return nil, err
	}
	return o.advance(m, StageCitations, StageSummaries, "citations scanned")
}

// workSummaries produces a summary per drafted perspective through the
// worker pool, then advances through gate E.
func (o *Orchestrator) workSummaries(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	var targets []Perspective
	for _, p := range m.Perspectives {
		if p.Status == PerspectiveDrafted && !fileExists(SummaryPath(o.runRoot, p.ID)) {
			targets = append(targets, p)
		}
	}

	if len(targets) > 0 {
		results := make([]perspectiveResult, len(targets))
		sem := make(chan struct{}, maxInt(o.policy.Waves.Parallelism, 1))
		var wg sync.WaitGroup
		for i := range targets {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = o.summarizePerspective(ctx, m, &targets[i])
			}(i)
		}
		wg.Wait()

		if err := o.touchProgress("summaries produced"); err != nil {
			return nil, err
		}
		if halt := aggregateAgentHalt(m, StageSummaries, results); halt != nil {
			return &stageOutcome{halt: halt}, nil
		}
		for _, r := range results {
			if r.err != nil {
				return nil, Wrap(CodeInternal, r.err, "summary for %s failed", r.id)
			}
		}
	}

	// Mark everything with a summary on disk as summarized in one patch.
	updated := make([]any, 0, len(m.Perspectives))
	changed := false
	for _, p := range m.Perspectives {
		status := p.Status
		if p.Status == PerspectiveDrafted && fileExists(SummaryPath(o.runRoot, p.ID)) {
			status = PerspectiveSummarized
			changed = true
		}
		updated = append(updated, map[string]any{
			"id": p.ID, "title": p.Title, "focus": p.Focus, "wave": p.Wave, "status": status,
		})
	}
	if changed {
		patch := map[string]any{
			"perspectives": updated,
			"stage": map[string]any{
				"last_progress_at": o.now().UTC().Format(timeFormat),
			},
		}
		if err := writeWithRetry(o.manifest, patch, "perspectives summarized"); err != nil {
			return nil, err
		}
	}

	fresh, err := ReadManifest(o.runRoot)
	if err != nil {
		return nil, err
	}
	return o.advance(fresh, StageSummaries, StageSynthesis, "summaries complete")
}

func (o *Orchestrator) summarizePerspective(ctx context.Context, m *Manifest, p *Perspective) perspectiveResult {
	res := perspectiveResult{
		id:         p.ID,
		promptPath: SummaryPromptPath(o.runRoot, p.ID),
		outputPath: SummaryPath(o.runRoot, p.ID),
	}
	draft, err := os.ReadFile(DraftPath(o.runRoot, p.ID))
	if err != nil {
		res.err = err
		return res
	}
	out, err := o.driver.RunStage(ctx, StageRequest{
		RunRoot:     o.runRoot,
		Stage:       StageSummaries,
		Perspective: p.ID,
		Prompt:      summaryPrompt(m, p, string(draft)),
		PromptPath:  res.promptPath,
		OutputPath:  res.outputPath,
	})
	if err != nil {
		if HasCode(err, CodeRunAgentRequired) {
			res.agentNeeded = true
			return res
		}
		res.err = err
		return res
	}
	if err := writeFileAtomic(res.outputPath, []byte(out.Markdown)); err != nil {
		res.err = err
		return res
	}
	res.status = PerspectiveSummarized
	o.emit(telemetry.Event{Type: telemetry.EventDriverCompleted, Stage: StageSummaries,
		Perspective: p.ID})
	return res
}

// workSynthesis obtains synthesis.md and advances; the transition is guarded
// only by the artifact's existence.
func (o *Orchestrator) workSynthesis(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	path := SynthesisPath(o.runRoot)
	if !fileExists(path) {
		out, err := o.driver.RunStage(ctx, StageRequest{
			RunRoot:    o.runRoot,
			Stage:      StageSynthesis,
			Prompt:     synthesisPrompt(o.runRoot, m),
			PromptPath: SynthesisPromptPath(o.runRoot),
			OutputPath: path,
		})
		if err != nil {
			return o.singleAgentHalt(err, m, StageSynthesis, SynthesisPromptPath(o.runRoot), path)
		}
		if err := writeFileAtomic(path, []byte(out.Markdown)); err != nil {
			return nil, err
		}
		o.emit(telemetry.Event{Type: telemetry.EventDriverCompleted, Stage: StageSynthesis})
	}
	if err := o.touchProgress("synthesis produced"); err != nil {
		return nil, err
	}
	m, err := ReadManifest(o.runRoot)
	if err != nil {
		return nil, err
	}
	return o.advance(m, StageSynthesis, StageReview, "synthesis complete")
}

// workReview obtains review.md, records its VERDICT, and either advances
// through gates E and F or halts with redo instructions on a revise verdict.
// An existing review.md is never regenerated; `tick --redo review` removes
// it first.
func (o *Orchestrator) workReview(ctx context.Context, m *Manifest) (*stageOutcome, error) {
	path := ReviewPath(o.runRoot)
	if !fileExists(path) {
		out, err := o.driver.RunStage(ctx, StageRequest{
			RunRoot:    o.runRoot,
			Stage:      StageReview,
			Prompt:     reviewPrompt(o.runRoot, m),
			PromptPath: ReviewPromptPath(o.runRoot),
			OutputPath: path,
		})
		if err != nil {
			return o.singleAgentHalt(err, m, StageReview, ReviewPromptPath(o.runRoot), path)
		}
		if err := writeFileAtomic(path, []byte(out.Markdown)); err != nil {
			return nil, err
		}
		o.emit(telemetry.Event{Type: telemetry.EventDriverCompleted, Stage: StageReview})
	}

	if m.Review == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		verdict, _, ok := parseMarkerLine(string(data), "VERDICT")
		if !ok {
			return &stageOutcome{halt: &Halt{
				Code:             CodeMissingArtifact,
				Stage:            StageReview,
				Reason:           "review.md exists but has no VERDICT: line",
				MissingArtifacts: []string{"review/review.md (VERDICT: line)"},
				NextCommands: []string{
					fmt.Sprintf("edit %s and add 'VERDICT: approved|revise'", path),
					fmt.Sprintf("prism tick %s", m.RunID),
				},
			}}, nil
		}
		if verdict != "approved" && verdict != "revise" {
			return nil, Errf(CodeInvalidArgs, "review verdict %q is not approved or revise", verdict)
		}
		patch := map[string]any{
			"review": map[string]any{
				"verdict":     verdict,
				"reviewed_at": o.now().UTC().Format(timeFormat),
			},
			"stage": map[string]any{
				"last_progress_at": o.now().UTC().Format(timeFormat),
			},
		}
		if err := writeWithRetry(o.manifest, patch, "record review verdict"); err != nil {
			return nil, err
		}
		var readErr error
		m, readErr = ReadManifest(o.runRoot)
		if readErr != nil {
			return nil, readErr
		}
	}

	if m.Review != nil && m.Review.Verdict == "revise" {
		return &stageOutcome{halt: &Halt{
			Code:   CodeGateBlocked,
			Stage:  StageReview,
			Gate:   GateReviewApproval,
			Reason: "review verdict is revise; the synthesis needs rework before finalize",
			NextCommands: []string{
				fmt.Sprintf("prism tick %s --redo synthesis", m.RunID),
				fmt.Sprintf("prism tick %s --redo review", m.RunID),
			},
		}}, nil
	}

	return o.advance(m, StageReview, StageFinalize, "review approved")
}

// workFinalize assembles the final report and marks the run completed.
func (o *Orchestrator) workFinalize(m *Manifest) (*stageOutcome, error) {
	if err := WriteFinalReport(o.runRoot, m); err != nil {
		return nil, err
	}
	patch := map[string]any{
		"status": StatusCompleted,
		"stage": map[string]any{
			"last_progress_at": o.now().UTC().Format(timeFormat),
		},
	}
	if err := writeWithRetry(o.manifest, patch, "run finalized"); err != nil {
		return nil, err
	}
	o.emit(telemetry.Event{Type: telemetry.EventRunCompleted, Stage: StageFinalize})
	return &stageOutcome{completed: true, note: "final report written"}, nil
}

// singleAgentHalt converts a RUN_AGENT_REQUIRED driver error for one output
// into a halt; other driver errors pass through.
func (o *Orchestrator) singleAgentHalt(err error, m *Manifest, stage, promptPath, outputPath string) (*stageOutcome, error) {
	if !HasCode(err, CodeRunAgentRequired) {
		return nil, err
	}
	return &stageOutcome{halt: &Halt{
		Code:        CodeRunAgentRequired,
		Stage:       stage,
		Reason:      fmt.Sprintf("the %s output must be produced by an agent or operator", stage),
		PromptPaths: []string{promptPath},
		OutputPaths: []string{outputPath},
		NextCommands: []string{
			fmt.Sprintf("write %s following the prompt at %s", outputPath, promptPath),
			fmt.Sprintf("prism tick %s", m.RunID),
		},
	}}, nil
}

// firstLine truncates a rationale to its first non-empty line.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
