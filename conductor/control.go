// ABOUTME: Operator controls: pause and resume as ordinary lock-guarded manifest patches.
// ABOUTME: A paused run's next tick still passes the recovery check before any work resumes.
package conductor

import (
	"time"

	"github.com/leppikallio/prism/telemetry"
)

// PauseRun sets the manifest status to paused under the run lock.
func PauseRun(runRoot, reason string) error {
	return setRunStatus(runRoot, StatusPaused, telemetry.EventRunPaused, reason)
}

// ResumeRun sets a paused run back to running under the run lock.
func ResumeRun(runRoot, reason string) error {
	return setRunStatus(runRoot, StatusRunning, telemetry.EventRunResumed, reason)
}

func setRunStatus(runRoot, status, eventType, reason string) error {
	policy, err := LoadPolicy(runRoot)
	if err != nil {
		return err
	}
	manifest, err := ReadManifest(runRoot)
	if err != nil {
		return err
	}
	if manifest.Terminal() {
		return Errf(CodeInvalidArgs, "run is %s and cannot change status", manifest.Status)
	}
	if manifest.Status == status {
		return Errf(CodeInvalidArgs, "run is already %s", status)
	}
	if status == StatusRunning && manifest.Status != StatusPaused {
		return Errf(CodeInvalidArgs, "only a paused run can be resumed, run is %s", manifest.Status)
	}

	handle, err := AcquireLock(runRoot, policy.LockLease(), reason)
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release() }()

	store := ManifestStore(runRoot)
	patch := map[string]any{
		"status": status,
		"stage": map[string]any{
			"last_progress_at": time.Now().UTC().Format(timeFormat),
		},
	}
	if err := writeWithRetry(store, patch, reason); err != nil {
		return err
	}

	events, err := telemetry.Open(runRoot)
	if err != nil {
		return err
	}
	_, err = events.Append(telemetry.Event{
		Type:  eventType,
		Stage: manifest.Stage.Current,
		Data:  map[string]any{"reason": reason},
	})
	return err
}
