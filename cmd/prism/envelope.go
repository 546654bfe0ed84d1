// ABOUTME: Machine-mode JSON envelope: every --json command emits exactly one envelope on stdout.
// ABOUTME: Exit codes: 0 for success or a clean halt, 1 for errors, 2 for usage mistakes.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/leppikallio/prism/conductor"
)

// EnvelopeSchemaVersion tags the machine-mode output format.
const EnvelopeSchemaVersion = "prism.envelope.v1"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Contract identifies the run a command operated on and where its documents
// live. Machine callers key off paths, not prose.
type Contract struct {
	RunID        string `json:"run_id"`
	RunRoot      string `json:"run_root"`
	ManifestPath string `json:"manifest_path"`
	GatesPath    string `json:"gates_path"`
	StageCurrent string `json:"stage_current"`
	Status       string `json:"status"`
}

// EnvelopeError carries a coded error for machine callers.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the one JSON document a --json command writes to stdout.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	OK            bool            `json:"ok"`
	Command       string          `json:"command"`
	Contract      *Contract       `json:"contract,omitempty"`
	Result        any             `json:"result,omitempty"`
	Halt          *conductor.Halt `json:"halt,omitempty"`
	Error         *EnvelopeError  `json:"error,omitempty"`
}

// contractFor builds the contract block from a run root's manifest.
func contractFor(runRoot string) *Contract {
	c := &Contract{
		RunRoot:      runRoot,
		ManifestPath: conductor.ManifestPath(runRoot),
		GatesPath:    conductor.GatesPath(runRoot),
	}
	if m, err := conductor.ReadManifest(runRoot); err == nil {
		c.RunID = m.RunID
		c.StageCurrent = m.Stage.Current
		c.Status = m.Status
	}
	return c
}

// emitEnvelope writes the envelope as the sole stdout payload.
func emitEnvelope(env *Envelope) error {
	env.SchemaVersion = EnvelopeSchemaVersion
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// usageError marks an error as the caller's fault; main exits 2 for these.
type usageError struct {
	err error
}

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// envelopeError maps an error to the envelope error block.
func envelopeError(err error) *EnvelopeError {
	return &EnvelopeError{
		Code:    string(conductor.CodeOf(err)),
		Message: err.Error(),
	}
}
