// ABOUTME: Shared test fixtures: seeded run roots, fixture trees, and scripted drivers.
// ABOUTME: Used by the watchdog, gate, transition, and tick tests.
package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// testPlan returns a two-perspective, single-wave plan.
func testPlan() *Plan {
	p := &Plan{
		Query: "what makes tick-based orchestration crash-safe?",
		Perspectives: []PlanPerspective{
			{ID: "alpha", Title: "Alpha", Focus: "first angle", Wave: 1},
			{ID: "beta", Title: "Beta", Focus: "second angle", Wave: 1},
		},
	}
	if err := p.normalize(); err != nil {
		panic(err)
	}
	return p
}

// testPolicy returns a policy tuned for fast tests.
func testPolicy(driverMode, fixturesDir string) *Policy {
	p := DefaultPolicy()
	p.Lock.LeaseS = 60
	p.Lock.HeartbeatIntervalMS = 50
	p.Recovery.DanglingTickThresholdS = 60
	p.Waves.MinPerspectives = 2
	p.Driver.Mode = driverMode
	p.Driver.FixturesDir = fixturesDir
	return p
}

// newTestRun initializes a run under a temp dir and returns its root.
func newTestRun(t *testing.T, policy *Policy) string {
	t.Helper()
	info, err := InitRun(filepath.Join(t.TempDir(), "runs"), testPlan(), policy)
	if err != nil {
		t.Fatalf("InitRun: %v", err)
	}
	return info.RunRoot
}

// writeFixtureTree lays out fixture driver content that carries a full run
// to completion: drafts with citations, pivot, summaries, synthesis, review.
func writeFixtureTree(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"waves/alpha.md":     "# Alpha draft\n\nA claim [src](https://example.org/a).\n",
		"waves/beta.md":      "# Beta draft\n\nAnother claim [src](https://example.org/b).\n",
		"pivot.md":           "DECISION: proceed\n\nThe drafts cover the question adequately.\n",
		"summaries/alpha.md": "Alpha summary with [src](https://example.org/a).\n",
		"summaries/beta.md":  "Beta summary with [src](https://example.org/b).\n",
		"synthesis.md":       "# Synthesis\n\nCombined findings.\n",
		"review.md":          "VERDICT: approved\n\nLooks sound.\n",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// scriptedDriver returns canned markdown per stage/perspective key and
// records the requests it saw.
type scriptedDriver struct {
	outputs  map[string]string
	requests []StageRequest
}

func (d *scriptedDriver) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	d.requests = append(d.requests, req)
	key := req.Stage
	if req.Perspective != "" {
		key = req.Stage + "/" + req.Perspective
	}
	out, ok := d.outputs[key]
	if !ok {
		return nil, fmt.Errorf("scripted driver has no output for %s", key)
	}
	return &StageResult{Markdown: out}, nil
}

// tickUntilDone ticks repeatedly until the run completes or halts, bounded
// by maxTicks.
func tickUntilDone(t *testing.T, o *Orchestrator, maxTicks int) *TickOutcome {
	t.Helper()
	var last *TickOutcome
	for i := 0; i < maxTicks; i++ {
		outcome, err := o.Tick(context.Background(), TickOptions{Reason: "test"})
		if err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		last = outcome
		if outcome.Completed || outcome.Halt != nil {
			return outcome
		}
	}
	return last
}
