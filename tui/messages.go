// ABOUTME: Bubble Tea message types used in the watch TUI message loop.
// ABOUTME: Each type wraps a refresh trigger or a loaded snapshot for the tea.Msg interface.
package tui

import "time"

// snapshotMsg carries a freshly loaded snapshot into the model.
type snapshotMsg struct {
	Snap *Snapshot
	Err  error
}

// fileChangedMsg signals that the filesystem watcher saw a change in the run
// root, so the view should reload.
type fileChangedMsg struct{}

// tickMsg is the periodic fallback refresh for filesystems where the watcher
// misses events.
type tickMsg struct {
	Time time.Time
}
