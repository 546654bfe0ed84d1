// ABOUTME: Bubble Tea model for `prism watch`: live run header, gates, halt banner, and telemetry tail.
// ABOUTME: Refreshes on fsnotify events from the run root with a periodic tick as fallback.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/leppikallio/prism/conductor"
	"github.com/leppikallio/prism/telemetry"
)

const (
	eventTailLines  = 100
	fallbackRefresh = 2 * time.Second
)

// WatchModel is the top-level Bubble Tea model for watching one run.
type WatchModel struct {
	runRoot string

	snap    *Snapshot
	loadErr error

	events  viewport.Model
	watcher *fsnotify.Watcher
	changes chan struct{}

	width  int
	height int
}

// NewWatchModel creates a watch model over a run root. The fsnotify watcher
// is best effort: when it cannot be established the periodic tick still
// refreshes the view.
func NewWatchModel(runRoot string) WatchModel {
	m := WatchModel{
		runRoot: runRoot,
		events:  viewport.New(80, 10),
		changes: make(chan struct{}, 1),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil && watcher.Add(runRoot) == nil {
		m.watcher = watcher
		go forwardChanges(watcher, m.changes)
	} else if watcher != nil {
		_ = watcher.Close()
	}
	return m
}

// forwardChanges drains the fsnotify event stream into a coalescing channel.
// The channel has capacity one: bursts of writes collapse into one refresh.
func forwardChanges(w *fsnotify.Watcher, changes chan<- struct{}) {
	for {
		select {
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close releases the filesystem watcher.
func (m *WatchModel) Close() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

// loadCmd reads the run root and delivers a snapshotMsg.
func (m WatchModel) loadCmd() tea.Cmd {
	runRoot := m.runRoot
	return func() tea.Msg {
		snap, err := LoadSnapshot(runRoot, eventTailLines)
		return snapshotMsg{Snap: snap, Err: err}
	}
}

// waitForChangeCmd blocks on the coalescing channel until the watcher sees a
// change.
func (m WatchModel) waitForChangeCmd() tea.Cmd {
	if m.watcher == nil {
		return nil
	}
	changes := m.changes
	return func() tea.Msg {
		<-changes
		return fileChangedMsg{}
	}
}

// tickCmd schedules the fallback refresh.
func tickCmd() tea.Cmd {
	return tea.Tick(fallbackRefresh, func(t time.Time) tea.Msg {
		return tickMsg{Time: t}
	})
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.waitForChangeCmd(), tickCmd())
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()
		return m, nil

	case snapshotMsg:
		m.snap = msg.Snap
		m.loadErr = msg.Err
		m.syncViewport()
		return m, nil

	case fileChangedMsg:
		return m, tea.Batch(m.loadCmd(), m.waitForChangeCmd())

	case tickMsg:
		return m, tea.Batch(m.loadCmd(), tickCmd())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Close()
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		}
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.loadErr != nil {
		return fmt.Sprintf("error reading run: %v\n\npress q to quit", m.loadErr)
	}
	if m.snap == nil {
		return "Loading run..."
	}

	var sections []string
	sections = append(sections, m.headerView())
	sections = append(sections, m.gatesView())
	if m.snap.Halt != nil && !m.snap.Manifest.Terminal() {
		sections = append(sections, m.haltView())
	}
	sections = append(sections, borderStyle.Render(m.events.View()))
	sections = append(sections, m.footerView())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// headerView renders the run id, status, stage, and query.
func (m WatchModel) headerView() string {
	man := m.snap.Manifest
	status := styleForStatus(man.Status).Render(man.Status)
	return fmt.Sprintf("%s  %s  stage %s\n%s",
		titleStyle.Render(man.RunID), status, man.Stage.Current, man.Query)
}

// gatesView renders one line per gate: id, status, checked time.
func (m WatchModel) gatesView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Gates"))
	b.WriteString("\n")
	for _, id := range conductor.AllGates {
		g := m.snap.Gates.Gates[id]
		status := g.Status
		if status == "" {
			status = "pending"
		}
		fmt.Fprintf(&b, "  %s %-7s %s\n",
			id, styleForGate(status).Render(status), conductor.GateNames[id])
	}
	return strings.TrimRight(b.String(), "\n")
}

// haltView renders the latest halt as a prominent banner.
func (m WatchModel) haltView() string {
	h := m.snap.Halt
	var b strings.Builder
	fmt.Fprintf(&b, "HALT %s (stage %s)\n%s", h.Code, h.Stage, h.Reason)
	for _, c := range h.NextCommands {
		fmt.Fprintf(&b, "\n  $ %s", c)
	}
	return haltStyle.Render(b.String())
}

// footerView renders the key hints.
func (m WatchModel) footerView() string {
	return statusBarStyle.Render("q quit  r refresh  up/down scroll")
}

// resizeViewport fits the event log into the remaining vertical space.
func (m *WatchModel) resizeViewport() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	w := m.width - 2
	if w < 20 {
		w = 20
	}
	h := m.height - 14
	if h < 3 {
		h = 3
	}
	m.events.Width = w
	m.events.Height = h
	m.syncViewport()
}

// syncViewport re-renders the event log content and keeps the view pinned to
// the newest events.
func (m *WatchModel) syncViewport() {
	if m.snap == nil {
		return
	}
	var lines []string
	for _, e := range m.snap.Events {
		lines = append(lines, formatEvent(e))
	}
	m.events.SetContent(strings.Join(lines, "\n"))
	m.events.GotoBottom()
}

// formatEvent renders one telemetry event as a log line.
func formatEvent(e telemetry.Event) string {
	stamp := e.At
	if t, err := time.Parse(time.RFC3339, e.At); err == nil {
		stamp = t.Local().Format("15:04:05")
	}
	line := fmt.Sprintf("%s %s",
		logTimestampStyle.Render(stamp), logEventStyle.Render(e.Type))
	if e.Stage != "" {
		line += " " + e.Stage
	}
	if e.Perspective != "" {
		line += "/" + e.Perspective
	}
	return line
}

// Watch runs the watch TUI until the user quits.
func Watch(runRoot string) error {
	m := NewWatchModel(runRoot)
	defer m.Close()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
