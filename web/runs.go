// ABOUTME: Read-only views over a runs directory: summaries for listing, full detail for one run.
// ABOUTME: Everything is derived from the run root artifacts; the server holds no state of its own.
package web

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

// RunSummary is one row in the runs listing.
type RunSummary struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	Query        string `json:"query"`
	Perspectives int    `json:"perspectives"`
	CreatedAt    string `json:"created_at"`
}

// RunDetail is the full read-only view of one run.
type RunDetail struct {
	Manifest *conductor.Manifest `json:"manifest"`
	Gates    *conductor.Gates    `json:"gates"`
	Halt     *conductor.Halt     `json:"halt,omitempty"`
	Events   []telemetry.Event   `json:"events,omitempty"`
}

// ListRuns scans runsDir for directories holding a manifest.json and returns
// their summaries, newest first. Directories without a readable manifest are
// skipped rather than failing the whole listing.
func ListRuns(runsDir string) ([]RunSummary, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := conductor.ReadManifest(filepath.Join(runsDir, e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, RunSummary{
			RunID:        m.RunID,
			Status:       m.Status,
			Stage:        m.Stage.Current,
			Query:        m.Query,
			Perspectives: len(m.Perspectives),
			CreatedAt:    m.CreatedAt,
		})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt > runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

// resolveRunRoot maps a run id to its directory under runsDir, rejecting ids
// that could escape it.
func resolveRunRoot(runsDir, runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.ContainsAny(runID, `/\`) || runID == ".." || runID == "." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	root := filepath.Join(runsDir, runID)
	if _, err := os.Stat(conductor.ManifestPath(root)); err != nil {
		return "", fmt.Errorf("run %s not found", runID)
	}
	return root, nil
}

// loadRunDetail assembles the detail view for one run root.
func loadRunDetail(runRoot string, tailN int) (*RunDetail, error) {
	m, err := conductor.ReadManifest(runRoot)
	if err != nil {
		return nil, err
	}
	g, err := conductor.ReadGates(runRoot)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Manifest: m, Gates: g}

	if halt, err := conductor.ReadLatestHalt(runRoot); err == nil {
		detail.Halt = halt
	}

	events, err := telemetry.Open(runRoot)
	if err == nil {
		if tail, err := events.Tail(tailN); err == nil {
			detail.Events = tail
		}
	}
	return detail, nil
}
