// ABOUTME: Versioned document store with compare-and-swap writes over one JSON file.
// ABOUTME: Every write supplies expected_revision; stale writers get REVISION_CONFLICT, never a silent merge.
package conductor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// WriteReceipt is returned from a successful DocStore write.
type WriteReceipt struct {
	Revision    int    `json:"revision"`
	PatchDigest string `json:"patch_digest"`
}

// auditRecord is one line in audit.jsonl, written after every CAS write.
type auditRecord struct {
	At          string `json:"at"`
	Doc         string `json:"doc"`
	Reason      string `json:"reason"`
	Revision    int    `json:"revision"`
	PatchDigest string `json:"patch_digest"`
}

// DocStore wraps one JSON document file with a revision counter and an
// optimistic-concurrency write contract. The in-process mutex serializes
// writers within one invocation; cross-process safety comes from the run
// lock plus the revision check.
type DocStore struct {
	path      string
	auditPath string
	docName   string
	mu        sync.Mutex
	now       func() time.Time
}

// NewDocStore opens a store over an existing document file. docName labels
// audit records ("manifest", "gates").
func NewDocStore(path, auditPath, docName string) *DocStore {
	return &DocStore{path: path, auditPath: auditPath, docName: docName, now: time.Now}
}

// ManifestStore returns the DocStore for a run root's manifest.json.
func ManifestStore(runRoot string) *DocStore {
	return NewDocStore(ManifestPath(runRoot), AuditPath(runRoot), "manifest")
}

// GatesStore returns the DocStore for a run root's gates.json.
func GatesStore(runRoot string) *DocStore {
	return NewDocStore(GatesPath(runRoot), AuditPath(runRoot), "gates")
}

// Read returns the current document as a generic map plus its revision.
func (s *DocStore) Read() (map[string]any, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUnlocked()
}

func (s *DocStore) readUnlocked() (map[string]any, int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", s.docName, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", s.docName, err)
	}
	rev, err := revisionOf(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", s.docName, err)
	}
	return doc, rev, nil
}

// Write merges patch into the current document if and only if the stored
// revision equals expectedRev. On success the revision is incremented, the
// document is rewritten atomically, and an audit record carrying the
// canonical patch digest is appended. A stale expectedRev is rejected
// outright: no merge, no partial apply.
func (s *DocStore) Write(patch map[string]any, expectedRev int, reason string) (*WriteReceipt, error) {
	if len(patch) == 0 {
		return nil, Errf(CodeInvalidArgs, "empty patch for %s", s.docName)
	}
	if _, fixed := patch["revision"]; fixed {
		return nil, Errf(CodeInvalidArgs, "patch must not set revision directly")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, rev, err := s.readUnlocked()
	if err != nil {
		return nil, err
	}
	if rev != expectedRev {
		return nil, Errf(CodeRevisionConflict,
			"%s is at revision %d, caller expected %d", s.docName, rev, expectedRev)
	}

	digest, err := DigestJSON(patch)
	if err != nil {
		return nil, fmt.Errorf("digest patch: %w", err)
	}

	merged := mergePatch(doc, patch)
	newRev := rev + 1
	merged["revision"] = newRev

	if err := writeJSONAtomic(s.path, merged); err != nil {
		return nil, fmt.Errorf("write %s: %w", s.docName, err)
	}

	audit := auditRecord{
		At:          s.now().UTC().Format(timeFormat),
		Doc:         s.docName,
		Reason:      reason,
		Revision:    newRev,
		PatchDigest: digest,
	}
	if err := appendJSONLine(s.auditPath, audit); err != nil {
		return nil, fmt.Errorf("append audit record: %w", err)
	}

	return &WriteReceipt{Revision: newRev, PatchDigest: digest}, nil
}

// mergePatch deep-merges patch into doc and returns the merged document.
// Nested maps merge recursively. The failures list appends rather than
// replaces, preserving failure history across retries. All other values
// replace wholesale.
func mergePatch(doc, patch map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		if k == "failures" {
			out[k] = appendList(out[k], v)
			continue
		}
		existing, haveExisting := out[k].(map[string]any)
		incoming, isMap := v.(map[string]any)
		if haveExisting && isMap {
			out[k] = mergePatch(existing, incoming)
			continue
		}
		out[k] = v
	}
	return out
}

// appendList concatenates the incoming list onto the existing one.
func appendList(existing, incoming any) any {
	var out []any
	if list, ok := existing.([]any); ok {
		out = append(out, list...)
	}
	switch v := incoming.(type) {
	case []any:
		out = append(out, v...)
	case nil:
		// no-op append
	default:
		out = append(out, v)
	}
	return out
}

// revisionOf extracts the integer revision from a generic document.
func revisionOf(doc map[string]any) (int, error) {
	raw, ok := doc["revision"]
	if !ok {
		return 0, fmt.Errorf("document has no revision field")
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("revision is not an integer: %w", err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("revision has unexpected type %T", raw)
	}
}
