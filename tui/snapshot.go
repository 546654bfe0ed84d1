// ABOUTME: Point-in-time snapshot of a run root for the watch TUI.
// ABOUTME: Loaded from disk on every refresh; the model never caches run state across refreshes.
package tui

import (
	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

// Snapshot is everything the watch view renders, read in one pass.
type Snapshot struct {
	Manifest *conductor.Manifest
	Gates    *conductor.Gates
	Halt     *conductor.Halt
	Events   []telemetry.Event
}

// LoadSnapshot reads the run root's current state. A missing halt or
// telemetry log is not an error; the manifest and gates must be readable.
func LoadSnapshot(runRoot string, tailN int) (*Snapshot, error) {
	m, err := conductor.ReadManifest(runRoot)
	if err != nil {
		return nil, err
	}
	g, err := conductor.ReadGates(runRoot)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Manifest: m, Gates: g}

	if halt, err := conductor.ReadLatestHalt(runRoot); err == nil {
		snap.Halt = halt
	}
	if events, err := telemetry.Open(runRoot); err == nil {
		if tail, err := events.Tail(tailN); err == nil {
			snap.Events = tail
		}
	}
	return snap, nil
}
