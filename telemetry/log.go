// ABOUTME: Append-only JSONL telemetry log with an O(1) index artifact holding last_seq.
// ABOUTME: Appends read only the index, never the log, so cost stays constant as the log grows.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// IndexSchemaVersion tags telemetry.index.json.
const IndexSchemaVersion = "prism.telemetry-index.v1"

// Event types emitted by the orchestrator.
const (
	EventRunCreated           = "run.created"
	EventTickStarted          = "tick.started"
	EventTickFinished         = "tick.finished"
	EventStageAdvanced        = "stage.advanced"
	EventGateEvaluated        = "gate.evaluated"
	EventDriverCompleted      = "driver.completed"
	EventHaltWritten          = "halt.written"
	EventWatchdogTimeout      = "watchdog.timeout"
	EventLockLost             = "lock.lost"
	EventRunCompleted         = "run.completed"
	EventRunPaused            = "run.paused"
	EventRunResumed           = "run.resumed"
	EventRecoveryAcknowledged = "recovery.acknowledged"
)

// Event is one line in telemetry.jsonl. Seq is assigned by Append.
type Event struct {
	Seq         int64          `json:"seq"`
	At          string         `json:"at"`
	Type        string         `json:"type"`
	Stage       string         `json:"stage,omitempty"`
	Perspective string         `json:"perspective,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Index is the tiny artifact that makes appends O(1). Its last_seq always
// equals the number of lines in the log under correct operation.
type Index struct {
	SchemaVersion string `json:"schema_version"`
	LastSeq       int64  `json:"last_seq"`
	UpdatedAt     string `json:"updated_at"`
}

// Appender writes telemetry for one run root.
type Appender struct {
	logPath   string
	indexPath string
	mu        sync.Mutex
	now       func() time.Time
}

// LogPath returns the telemetry log path for a run root.
func LogPath(runRoot string) string { return filepath.Join(runRoot, "telemetry.jsonl") }

// IndexPath returns the telemetry index path for a run root.
func IndexPath(runRoot string) string { return filepath.Join(runRoot, "telemetry.index.json") }

// Open returns the appender for a run root, creating the index artifact if
// it does not yet exist.
func Open(runRoot string) (*Appender, error) {
	a := &Appender{
		logPath:   LogPath(runRoot),
		indexPath: IndexPath(runRoot),
		now:       time.Now,
	}
	if _, err := os.Stat(a.indexPath); os.IsNotExist(err) {
		if err := a.writeIndex(0); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Append assigns the next sequence number from the index alone, writes one
// fsynced JSONL line, and atomically rewrites the index. The log file itself
// is never read.
func (a *Appender) Append(e Event) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.readIndex()
	if err != nil {
		return 0, err
	}
	e.Seq = idx.LastSeq + 1
	if e.At == "" {
		e.At = a.now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open telemetry log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("fsync telemetry log: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close telemetry log: %w", err)
	}

	if err := a.writeIndex(e.Seq); err != nil {
		return 0, err
	}
	return e.Seq, nil
}

// LastSeq reports the index's current sequence number.
func (a *Appender) LastSeq() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, err := a.readIndex()
	if err != nil {
		return 0, err
	}
	return idx.LastSeq, nil
}

// Tail returns the last n events, reading the whole log. This is a reader
// path for inspect/serve, not the append path.
func (a *Appender) Tail(n int) ([]Event, error) {
	events, err := a.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Count returns the number of events in the log by scanning it.
func (a *Appender) Count() (int64, error) {
	events, err := a.readAll()
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// Reconcile recounts the log and rewrites the index from scratch. Used by
// triage when a crash between the log append and the index rewrite left the
// index one behind.
func (a *Appender) Reconcile() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	events, err := a.readAll()
	if err != nil {
		return 0, err
	}
	var last int64
	for _, e := range events {
		if e.Seq > last {
			last = e.Seq
		}
	}
	if err := a.writeIndex(last); err != nil {
		return 0, err
	}
	return last, nil
}

func (a *Appender) readAll() ([]Event, error) {
	f, err := os.Open(a.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open telemetry log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse telemetry line %d: %w", lineNo, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan telemetry log: %w", err)
	}
	return events, nil
}

func (a *Appender) readIndex() (*Index, error) {
	data, err := os.ReadFile(a.indexPath)
	if err != nil {
		return nil, fmt.Errorf("read telemetry index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse telemetry index: %w", err)
	}
	return &idx, nil
}

func (a *Appender) writeIndex(lastSeq int64) error {
	idx := Index{
		SchemaVersion: IndexSchemaVersion,
		LastSeq:       lastSeq,
		UpdatedAt:     a.now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal telemetry index: %w", err)
	}

	dir := filepath.Dir(a.indexPath)
	tmp, err := os.CreateTemp(dir, ".tmp-index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, a.indexPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}
