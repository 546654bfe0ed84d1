// ABOUTME: SQLite metrics index mirroring the telemetry log for fast per-type and per-stage queries.
// ABOUTME: Recompute skips entirely when the JSONL index's last_seq is unchanged since the last run.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// MetricsDBPath returns the metrics database path for a run root.
func MetricsDBPath(runRoot string) string { return filepath.Join(runRoot, "metrics.db") }

// MetricsIndex is a rebuildable SQLite mirror of the telemetry log. It is a
// queryable cache, never the source of truth.
type MetricsIndex struct {
	db *sql.DB
}

// RecomputeReport describes one metrics job run.
type RecomputeReport struct {
	Skipped  bool  `json:"skipped"`
	Inserted int64 `json:"inserted"`
	LastSeq  int64 `json:"last_seq"`
}

// TypeCount is one row of the per-type aggregate.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// OpenMetrics opens or creates the metrics database for a run root.
func OpenMetrics(runRoot string) (*MetricsIndex, error) {
	db, err := sql.Open("sqlite3", MetricsDBPath(runRoot))
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			type TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			perspective TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_stage ON events(stage);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create metrics schema: %w", err)
	}
	return &MetricsIndex{db: db}, nil
}

// Close closes the database connection.
func (m *MetricsIndex) Close() error {
	return m.db.Close()
}

// Recompute brings the metrics mirror up to date with the telemetry log.
// When the JSONL index's last_seq matches meta.last_seq the whole job is
// skipped without touching the log.
func (m *MetricsIndex) Recompute(runRoot string) (*RecomputeReport, error) {
	idxLast, err := readIndexLastSeq(runRoot)
	if err != nil {
		return nil, err
	}
	metaLast, err := m.lastSeq()
	if err != nil {
		return nil, err
	}
	if idxLast == metaLast {
		return &RecomputeReport{Skipped: true, LastSeq: metaLast}, nil
	}

	appender, err := Open(runRoot)
	if err != nil {
		return nil, err
	}
	events, err := appender.readAll()
	if err != nil {
		return nil, err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin metrics tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	var newLast int64 = metaLast
	for _, e := range events {
		if e.Seq <= metaLast {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO events (seq, at, type, stage, perspective) VALUES (?, ?, ?, ?, ?)`,
			e.Seq, e.At, e.Type, e.Stage, e.Perspective); err != nil {
			return nil, fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
		inserted++
		if e.Seq > newLast {
			newLast = e.Seq
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", newLast)); err != nil {
		return nil, fmt.Errorf("set last_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit metrics tx: %w", err)
	}

	return &RecomputeReport{Inserted: inserted, LastSeq: newLast}, nil
}

// CountByType returns event counts grouped by type, ordered by count
// descending then type.
func (m *MetricsIndex) CountByType() ([]TypeCount, error) {
	rows, err := m.db.Query(
		`SELECT type, COUNT(*) FROM events GROUP BY type ORDER BY COUNT(*) DESC, type ASC`)
	if err != nil {
		return nil, fmt.Errorf("query type counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TypeCount
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// CountByStage returns event counts grouped by stage, skipping events with
// no stage.
func (m *MetricsIndex) CountByStage() ([]TypeCount, error) {
	rows, err := m.db.Query(
		`SELECT stage, COUNT(*) FROM events WHERE stage != '' GROUP BY stage ORDER BY COUNT(*) DESC, stage ASC`)
	if err != nil {
		return nil, fmt.Errorf("query stage counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TypeCount
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (m *MetricsIndex) lastSeq() (int64, error) {
	var val string
	err := m.db.QueryRow("SELECT value FROM meta WHERE key = 'last_seq'").Scan(&val)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query meta last_seq: %w", err)
	}
	var seq int64
	if _, err := fmt.Sscanf(val, "%d", &seq); err != nil {
		return 0, fmt.Errorf("parse meta last_seq: %w", err)
	}
	return seq, nil
}

func readIndexLastSeq(runRoot string) (int64, error) {
	data, err := os.ReadFile(IndexPath(runRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read telemetry index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return 0, fmt.Errorf("parse telemetry index: %w", err)
	}
	return idx.LastSeq, nil
}
