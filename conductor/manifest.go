// ABOUTME: Typed views of the manifest and gates documents persisted in the run root.
// ABOUTME: Mutation always goes through the DocStore write contract; these types are read-side decodes.
package conductor

import (
	"encoding/json"
	"fmt"
)

// Schema versions for the persisted artifacts.
const (
	ManifestSchemaVersion = "prism.manifest.v1"
	GatesSchemaVersion    = "prism.gates.v1"
	PolicySchemaVersion   = "prism.policy.v1"
	LockSchemaVersion     = "prism.lock.v1"
	HaltSchemaVersion     = "prism.halt.v1"
	LedgerSchemaVersion   = "prism.ledger.v1"
)

// Perspective status values.
const (
	PerspectivePending    = "pending"
	PerspectiveDrafted    = "drafted"
	PerspectiveSummarized = "summarized"
	PerspectiveFailed     = "failed"
)

// StageInfo records the current stage and its progress timestamps.
// LastProgressAt is the watchdog's timer origin.
type StageInfo struct {
	Current        string `json:"current"`
	StartedAt      string `json:"started_at"`
	LastProgressAt string `json:"last_progress_at"`
}

// Limits bounds how much work a run may spawn.
type Limits struct {
	MaxWaves        int `json:"max_waves"`
	MaxPerspectives int `json:"max_perspectives"`
}

// Perspective is one research angle worked during the wave stages.
type Perspective struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Focus  string `json:"focus"`
	Wave   int    `json:"wave"`
	Status string `json:"status"`
}

// PivotDecision records the outcome of the pivot stage.
type PivotDecision struct {
	Decision  string `json:"decision"` // proceed | deepen | broaden
	Rationale string `json:"rationale"`
	DecidedAt string `json:"decided_at"`
}

// ReviewVerdict records the outcome of the review stage.
type ReviewVerdict struct {
	Verdict    string `json:"verdict"` // approved | revise
	ReviewedAt string `json:"reviewed_at"`
}

// Failure is one append-only entry in the manifest failure history.
type Failure struct {
	At      string `json:"at"`
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Manifest is the typed view of manifest.json.
type Manifest struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Status        string         `json:"status"`
	Stage         StageInfo      `json:"stage"`
	Revision      int            `json:"revision"`
	Query         string         `json:"query"`
	Limits        Limits         `json:"limits"`
	Perspectives  []Perspective  `json:"perspectives"`
	Pivot         *PivotDecision `json:"pivot,omitempty"`
	Review        *ReviewVerdict `json:"review,omitempty"`
	Failures      []Failure      `json:"failures"`
	CreatedAt     string         `json:"created_at"`
}

// GateRecord is the persisted result of one gate evaluation.
type GateRecord struct {
	Status       string         `json:"status"` // pending | pass | fail | warn
	Metrics      map[string]any `json:"metrics"`
	Warnings     []string       `json:"warnings"`
	CheckedAt    string         `json:"checked_at"`
	InputsDigest string         `json:"inputs_digest"`
}

// Gates is the typed view of gates.json. It carries its own revision counter,
// a twin of the manifest's, covered by the same write contract.
type Gates struct {
	SchemaVersion string                `json:"schema_version"`
	Revision      int                   `json:"revision"`
	Gates         map[string]GateRecord `json:"gates"`
}

// decodeDoc converts a generic document map into a typed struct by
// round-tripping through JSON.
func decodeDoc(doc map[string]any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("re-marshal document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// ReadManifest loads and decodes manifest.json from a run root.
func ReadManifest(runRoot string) (*Manifest, error) {
	var m Manifest
	if err := readJSONFile(ManifestPath(runRoot), &m); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return &m, nil
}

// ReadGates loads and decodes gates.json from a run root.
func ReadGates(runRoot string) (*Gates, error) {
	var g Gates
	if err := readJSONFile(GatesPath(runRoot), &g); err != nil {
		return nil, fmt.Errorf("read gates: %w", err)
	}
	if g.Gates == nil {
		g.Gates = map[string]GateRecord{}
	}
	return &g, nil
}

// PerspectiveByID returns the perspective with the given id, or nil.
func (m *Manifest) PerspectiveByID(id string) *Perspective {
	for i := range m.Perspectives {
		if m.Perspectives[i].ID == id {
			return &m.Perspectives[i]
		}
	}
	return nil
}

// Terminal reports whether the run can no longer make progress.
func (m *Manifest) Terminal() bool {
	switch m.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
