// ABOUTME: Run-root layout: path helpers for every artifact plus atomic write primitives.
// ABOUTME: The run root directory is the sole source of truth; nothing survives in memory between ticks.
package conductor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// timeFormat is the layout used for serializing timestamps to JSON strings.
const timeFormat = time.RFC3339

// Run status values stored in the manifest.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Stage names in their fixed progression order.
const (
	StageInit      = "init"
	StageWaves     = "waves"
	StagePivot     = "pivot"
	StageCitations = "citations"
	StageSummaries = "summaries"
	StageSynthesis = "synthesis"
	StageReview    = "review"
	StageFinalize  = "finalize"
)

// StageOrder lists all stages from first to last.
var StageOrder = []string{
	StageInit, StageWaves, StagePivot, StageCitations,
	StageSummaries, StageSynthesis, StageReview, StageFinalize,
}

// NewRunID returns a fresh lowercase ULID for use as a run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

// Artifact path helpers. All take the run root directory.

func ManifestPath(runRoot string) string { return filepath.Join(runRoot, "manifest.json") }
func GatesPath(runRoot string) string    { return filepath.Join(runRoot, "gates.json") }
func PolicyPath(runRoot string) string   { return filepath.Join(runRoot, "policy.json") }
func PlanPath(runRoot string) string     { return filepath.Join(runRoot, "plan.yaml") }
func LockPath(runRoot string) string     { return filepath.Join(runRoot, "run.lock") }
func LedgerPath(runRoot string) string   { return filepath.Join(runRoot, "ledger.jsonl") }
func AuditPath(runRoot string) string    { return filepath.Join(runRoot, "audit.jsonl") }
func HaltsDir(runRoot string) string     { return filepath.Join(runRoot, "halts") }

func PerspectiveDir(runRoot, id string) string {
	return filepath.Join(runRoot, "perspectives", id)
}

func DraftPath(runRoot, id string) string {
	return filepath.Join(PerspectiveDir(runRoot, id), "draft.md")
}

func DraftPromptPath(runRoot, id string) string {
	return filepath.Join(PerspectiveDir(runRoot, id), "prompt.md")
}

func SummaryPath(runRoot, id string) string {
	return filepath.Join(PerspectiveDir(runRoot, id), "summary.md")
}

func SummaryPromptPath(runRoot, id string) string {
	return filepath.Join(PerspectiveDir(runRoot, id), "summary-prompt.md")
}

func PivotPath(runRoot string) string       { return filepath.Join(runRoot, "pivot", "pivot.md") }
func PivotPromptPath(runRoot string) string { return filepath.Join(runRoot, "pivot", "prompt.md") }

func CitationsPath(runRoot string) string {
	return filepath.Join(runRoot, "citations", "citations.json")
}

func CitationReportPath(runRoot string) string {
	return filepath.Join(runRoot, "citations", "report.md")
}

func SynthesisPath(runRoot string) string {
	return filepath.Join(runRoot, "synthesis", "synthesis.md")
}

func SynthesisPromptPath(runRoot string) string {
	return filepath.Join(runRoot, "synthesis", "prompt.md")
}

func ReviewPath(runRoot string) string       { return filepath.Join(runRoot, "review", "review.md") }
func ReviewPromptPath(runRoot string) string { return filepath.Join(runRoot, "review", "prompt.md") }

func FinalReportPath(runRoot string) string {
	return filepath.Join(runRoot, "final", "report.md")
}

// EnsureLayout creates the run root and its fixed subdirectories.
func EnsureLayout(runRoot string) error {
	dirs := []string{
		runRoot,
		HaltsDir(runRoot),
		filepath.Join(runRoot, "perspectives"),
		filepath.Join(runRoot, "pivot"),
		filepath.Join(runRoot, "citations"),
		filepath.Join(runRoot, "synthesis"),
		filepath.Join(runRoot, "review"),
		filepath.Join(runRoot, "final"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// marshalIndented renders v as indented JSON with a trailing newline.
func marshalIndented(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeJSONAtomic writes a JSON-encoded value to a file using a temp file +
// rename for atomicity. Readers never observe a partially written document.
func writeJSONAtomic(path string, v any) error {
	data, err := marshalIndented(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes raw bytes via temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// appendJSONLine marshals v as one JSONL line, appends it, and fsyncs.
func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// readJSONFile reads and unmarshals a JSON document from disk.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// isNotExist reports whether err (possibly wrapped) is a missing-file error.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
