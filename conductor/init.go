// ABOUTME: Run creation: lays out a fresh run root with manifest, gates, policy, plan, and telemetry.
// ABOUTME: The manifest starts at revision 1 in the init stage; all gates start pending.
package conductor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/leppikallio/prism/telemetry"
)

// RunInfo identifies a freshly created run.
type RunInfo struct {
	RunID   string `json:"run_id"`
	RunRoot string `json:"run_root"`
}

// InitRun creates a new run root under runsDir from the given plan and
// policy. Returns the run's identity.
func InitRun(runsDir string, plan *Plan, policy *Policy) (*RunInfo, error) {
	if plan == nil {
		return nil, Errf(CodeInvalidArgs, "init requires a plan")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}

	runID := NewRunID()
	runRoot := filepath.Join(runsDir, runID)
	if err := EnsureLayout(runRoot); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(timeFormat)

	perspectives := make([]Perspective, 0, len(plan.Perspectives))
	for _, pp := range plan.Perspectives {
		perspectives = append(perspectives, Perspective{
			ID:     pp.ID,
			Title:  pp.Title,
			Focus:  pp.Focus,
			Wave:   pp.Wave,
			Status: PerspectivePending,
		})
	}

	manifest := Manifest{
		SchemaVersion: ManifestSchemaVersion,
		RunID:         runID,
		Status:        StatusRunning,
		Stage: StageInfo{
			Current:        StageInit,
			StartedAt:      now,
			LastProgressAt: now,
		},
		Revision: 1,
		Query:    plan.Query,
		Limits: Limits{
			MaxWaves:        plan.Limits.MaxWaves,
			MaxPerspectives: plan.Limits.MaxPerspectives,
		},
		Perspectives: perspectives,
		Failures:     []Failure{},
		CreatedAt:    now,
	}
	if err := writeJSONAtomic(ManifestPath(runRoot), manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	gates := Gates{
		SchemaVersion: GatesSchemaVersion,
		Revision:      1,
		Gates:         map[string]GateRecord{},
	}
	for _, id := range AllGates {
		gates.Gates[id] = GateRecord{Status: GatePending, Metrics: map[string]any{}, Warnings: []string{}}
	}
	if err := writeJSONAtomic(GatesPath(runRoot), gates); err != nil {
		return nil, fmt.Errorf("write gates: %w", err)
	}

	if err := SavePolicy(runRoot, policy); err != nil {
		return nil, fmt.Errorf("write policy: %w", err)
	}

	planYAML, err := plan.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	if err := writeFileAtomic(PlanPath(runRoot), planYAML); err != nil {
		return nil, fmt.Errorf("write plan copy: %w", err)
	}

	events, err := telemetry.Open(runRoot)
	if err != nil {
		return nil, err
	}
	if _, err := events.Append(telemetry.Event{
		Type:  telemetry.EventRunCreated,
		Stage: StageInit,
		Data:  map[string]any{"run_id": runID, "perspectives": len(perspectives)},
	}); err != nil {
		return nil, err
	}

	return &RunInfo{RunID: runID, RunRoot: runRoot}, nil
}
