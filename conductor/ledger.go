// ABOUTME: Append-only tick ledger recording start/finish boundaries for crash detection.
// ABOUTME: A start entry with no finish, older than the recovery threshold, marks a crashed tick.
package conductor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Ledger phases.
const (
	PhaseStart  = "start"
	PhaseFinish = "finish"
)

// Finish result for an operator-acknowledged crash.
const ResultCrashAcknowledged = "crash_acknowledged"

// LedgerEntry is one line in ledger.jsonl.
type LedgerEntry struct {
	Tick         int    `json:"tick"`
	Phase        string `json:"phase"`
	StageBefore  string `json:"stage_before,omitempty"`
	StageAfter   string `json:"stage_after,omitempty"`
	StatusBefore string `json:"status_before,omitempty"`
	StatusAfter  string `json:"status_after,omitempty"`
	Result       string `json:"result,omitempty"`
	At           string `json:"at"`
}

// CrashInfo describes a dangling tick found by the recovery check.
type CrashInfo struct {
	Tick      int
	Stage     string
	StartedAt time.Time
	Age       time.Duration
}

// Ledger is the append-only tick boundary log for one run root.
type Ledger struct {
	path string
	now  func() time.Time
}

// OpenLedger returns the ledger for a run root. The backing file is created
// on first append.
func OpenLedger(runRoot string) *Ledger {
	return &Ledger{path: LedgerPath(runRoot), now: time.Now}
}

// Append writes one entry, stamping At if unset, and fsyncs.
func (l *Ledger) Append(e LedgerEntry) error {
	if e.At == "" {
		e.At = l.now().UTC().Format(timeFormat)
	}
	if err := appendJSONLine(l.path, e); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Entries reads every ledger entry in order. A missing file is an empty
// ledger. Unparsable lines abort the read: a corrupt ledger must be looked
// at by an operator, not silently skipped over.
func (l *Ledger) Entries() ([]LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e LedgerEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}

// NextTick returns the index the next tick should use: one past the highest
// tick seen so far, starting at 1.
func (l *Ledger) NextTick() (int, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if e.Tick > max {
			max = e.Tick
		}
	}
	return max + 1, nil
}

// RecoveryCheck inspects the ledger for a dangling start. A start with no
// matching finish older than threshold is reported as a crash; a younger one
// is treated as possibly still in flight and returns nil (the run lock is
// what actually fences a live tick).
func (l *Ledger) RecoveryCheck(threshold time.Duration) (*CrashInfo, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}

	finished := map[int]bool{}
	var lastStart *LedgerEntry
	for i := range entries {
		e := entries[i]
		switch e.Phase {
		case PhaseFinish:
			finished[e.Tick] = true
		case PhaseStart:
			if lastStart == nil || e.Tick > lastStart.Tick {
				lastStart = &entries[i]
			}
		}
	}
	if lastStart == nil || finished[lastStart.Tick] {
		return nil, nil
	}

	startedAt, err := time.Parse(timeFormat, lastStart.At)
	if err != nil {
		return nil, fmt.Errorf("parse ledger timestamp %q: %w", lastStart.At, err)
	}
	age := l.now().Sub(startedAt)
	if age < threshold {
		return nil, nil
	}
	return &CrashInfo{
		Tick:      lastStart.Tick,
		Stage:     lastStart.StageBefore,
		StartedAt: startedAt,
		Age:       age,
	}, nil
}

// Acknowledge closes a crashed tick with a synthetic finish entry so the
// next tick can proceed. The operator decides this explicitly; the
// orchestrator never self-acknowledges.
func (l *Ledger) Acknowledge(tick int, reason string) error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	var start *LedgerEntry
	for i := range entries {
		e := entries[i]
		if e.Tick == tick && e.Phase == PhaseFinish {
			return Errf(CodeInvalidArgs, "tick %d already finished", tick)
		}
		if e.Tick == tick && e.Phase == PhaseStart {
			start = &entries[i]
		}
	}
	if start == nil {
		return Errf(CodeInvalidArgs, "tick %d has no start entry", tick)
	}
	return l.Append(LedgerEntry{
		Tick:         tick,
		Phase:        PhaseFinish,
		StageBefore:  start.StageBefore,
		StageAfter:   start.StageBefore,
		StatusBefore: start.StatusBefore,
		StatusAfter:  start.StatusBefore,
		Result:       ResultCrashAcknowledged,
	})
}
