// ABOUTME: Tests for the machine-mode envelope, contract block, and usage errors.
// ABOUTME: Also covers run reference resolution against a real run root.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leppikallio/prism/conductor"
)

func newTestApp(t *testing.T) (*app, *conductor.RunInfo) {
	t.Helper()
	a := &app{dataDir: t.TempDir()}
	info, err := conductor.InitRun(a.runsDir(), conductor.DefaultPlan("what makes distributed locks hard?"), conductor.DefaultPolicy())
	if err != nil {
		t.Fatalf("InitRun: %v", err)
	}
	return a, info
}

func TestContractForReadsManifest(t *testing.T) {
	_, info := newTestApp(t)

	c := contractFor(info.RunRoot)
	if c.RunID != info.RunID {
		t.Errorf("RunID = %q, want %q", c.RunID, info.RunID)
	}
	if c.StageCurrent != conductor.StageInit {
		t.Errorf("StageCurrent = %q, want %q", c.StageCurrent, conductor.StageInit)
	}
	if c.Status != conductor.StatusRunning {
		t.Errorf("Status = %q, want %q", c.Status, conductor.StatusRunning)
	}
	if c.ManifestPath != conductor.ManifestPath(info.RunRoot) {
		t.Errorf("ManifestPath = %q", c.ManifestPath)
	}
}

func TestContractForMissingRunStillHasPaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nope")

	c := contractFor(root)
	if c.RunID != "" || c.Status != "" {
		t.Errorf("expected empty identity for missing run, got %+v", c)
	}
	if c.RunRoot != root {
		t.Errorf("RunRoot = %q, want %q", c.RunRoot, root)
	}
}

func TestResolveRunByIDAndPath(t *testing.T) {
	a, info := newTestApp(t)

	byID, err := a.resolveRun(info.RunID)
	if err != nil {
		t.Fatalf("resolveRun(id): %v", err)
	}
	if byID != filepath.Join(a.runsDir(), info.RunID) {
		t.Errorf("byID = %q", byID)
	}

	byPath, err := a.resolveRun(info.RunRoot)
	if err != nil {
		t.Fatalf("resolveRun(path): %v", err)
	}
	if byPath != info.RunRoot {
		t.Errorf("byPath = %q, want %q", byPath, info.RunRoot)
	}

	if _, err := a.resolveRun("missing-run"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestResolveRunEmptyIsUsageError(t *testing.T) {
	a := &app{dataDir: t.TempDir()}

	_, err := a.resolveRun("")
	var usage *usageError
	if !errors.As(err, &usage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestUsagefWrapsAndUnwraps(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := usagef("bad flag: %w", inner)

	var usage *usageError
	if !errors.As(err, &usage) {
		t.Fatal("usagef did not produce a usageError")
	}
	if !errors.Is(err, inner) {
		t.Error("usageError does not unwrap to the inner error")
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := &Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		OK:            false,
		Command:       "tick",
		Error:         envelopeError(fmt.Errorf("plain failure")),
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["schema_version"] != EnvelopeSchemaVersion {
		t.Errorf("schema_version = %v", decoded["schema_version"])
	}
	if decoded["ok"] != false {
		t.Errorf("ok = %v, want false", decoded["ok"])
	}
	if _, present := decoded["contract"]; present {
		t.Error("nil contract should be omitted")
	}
	errBlock, ok := decoded["error"].(map[string]any)
	if !ok {
		t.Fatal("missing error block")
	}
	if errBlock["code"] == "" {
		t.Error("error code should never be empty")
	}
}

func TestOutputHumanModeSkipsEnvelope(t *testing.T) {
	a := &app{jsonOut: false}

	called := false
	if err := a.output("status", nil, nil, nil, nil, func() { called = true }); err != nil {
		t.Fatalf("output: %v", err)
	}
	if !called {
		t.Error("human renderer not invoked")
	}

	cmdErr := fmt.Errorf("broken")
	if err := a.output("status", nil, nil, nil, cmdErr, func() { t.Error("human renderer ran despite error") }); err != cmdErr {
		t.Errorf("output returned %v, want the command error", err)
	}
}
