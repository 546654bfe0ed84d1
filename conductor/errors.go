// ABOUTME: Error taxonomy for the orchestrator: typed codes plus a CodedError wrapper.
// ABOUTME: Low-level I/O and parse failures are normalized to these codes at component boundaries.
package conductor

import (
	"errors"
	"fmt"
)

// Code classifies an orchestrator failure. Every error that crosses a
// component boundary carries exactly one of these.
type Code string

const (
	CodeInvalidArgs            Code = "INVALID_ARGS"
	CodeLockHeld               Code = "LOCK_HELD"
	CodeLockNotOwned           Code = "LOCK_NOT_OWNED"
	CodeLockNotHeld            Code = "LOCK_NOT_HELD"
	CodeRevisionConflict       Code = "REVISION_CONFLICT"
	CodeGateBlocked            Code = "GATE_BLOCKED"
	CodeMissingArtifact        Code = "MISSING_ARTIFACT"
	CodeRunAgentRequired       Code = "RUN_AGENT_REQUIRED"
	CodeWatchdogTimeout        Code = "WATCHDOG_TIMEOUT"
	CodePreviousTickIncomplete Code = "PREVIOUS_TICK_INCOMPLETE"
	CodeNotImplemented         Code = "NOT_IMPLEMENTED"
	CodeInternal               Code = "INTERNAL"
)

// CodedError is an error tagged with a taxonomy code. It supports errors.Is
// and errors.As so callers can branch on the code without string matching.
type CodedError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Errf constructs a CodedError with a formatted message.
func Errf(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a CodedError that wraps an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from an error chain. Errors that never
// passed through a component boundary report CodeInternal.
func CodeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
