// ABOUTME: Stall detector that compares stage.last_progress_at against the per-run timeout policy.
// ABOUTME: Purely diagnostic: it writes checkpoint artifacts and returns, never killing or restarting anything.
package conductor

import (
	"fmt"
	"os"
	"time"

	"github.com/leppikallio/prism/telemetry"
)

// WatchdogResult reports the outcome of one watchdog check.
type WatchdogResult struct {
	TimedOut    bool       `json:"timed_out"`
	Stage       string     `json:"stage"`
	ElapsedS    float64    `json:"elapsed_s"`
	TimeoutS    float64    `json:"timeout_s"`
	TimerOrigin string     `json:"timer_origin"`
	Checkpoint  *HaltPaths `json:"checkpoint,omitempty"`
}

// WatchdogCheck reads the manifest and policy and decides whether the
// current stage has gone too long without progress. The timer origin is
// stage.last_progress_at (falling back to stage.started_at when unset),
// never wall clock since process start. On timeout it writes a JSON and a
// markdown checkpoint and reports their paths. Terminal and paused runs
// never time out.
func WatchdogCheck(runRoot, reason string, now time.Time) (*WatchdogResult, error) {
	manifest, err := ReadManifest(runRoot)
	if err != nil {
		return nil, err
	}
	policy, err := LoadPolicy(runRoot)
	if err != nil {
		return nil, err
	}

	result := &WatchdogResult{Stage: manifest.Stage.Current}
	if manifest.Terminal() || manifest.Status == StatusPaused {
		return result, nil
	}

	originField := "stage.last_progress_at"
	origin := manifest.Stage.LastProgressAt
	if origin == "" {
		originField = "stage.started_at"
		origin = manifest.Stage.StartedAt
	}
	if origin == "" {
		return nil, Errf(CodeInvalidArgs, "manifest stage has no progress timestamp")
	}
	originAt, err := time.Parse(timeFormat, origin)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", originField, err)
	}

	timeout := policy.StageTimeout(manifest.Stage.Current)
	elapsed := now.Sub(originAt)
	result.ElapsedS = elapsed.Seconds()
	result.TimeoutS = timeout.Seconds()
	result.TimerOrigin = origin
	if elapsed <= timeout {
		return result, nil
	}

	result.TimedOut = true
	elapsedS := result.ElapsedS
	timeoutS := result.TimeoutS
	halt := &Halt{
		Code:             CodeWatchdogTimeout,
		Stage:            manifest.Stage.Current,
		Reason:           fmt.Sprintf("stage %q has made no progress for %.0fs (%s)", manifest.Stage.Current, elapsedS, reason),
		ElapsedS:         &elapsedS,
		TimeoutS:         &timeoutS,
		TimerOriginField: originField,
		TimerOrigin:      origin,
		NextCommands: []string{
			fmt.Sprintf("prism triage %s", manifest.RunID),
			fmt.Sprintf("prism tick %s", manifest.RunID),
		},
	}
	paths, err := WriteHalt(runRoot, halt, now)
	if err != nil {
		return nil, err
	}
	result.Checkpoint = paths

	// Telemetry is observability, not correctness: a failed append never
	// blocks the checkpoint report.
	if events, err := telemetry.Open(runRoot); err == nil {
		if _, err := events.Append(telemetry.Event{
			Type:  telemetry.EventWatchdogTimeout,
			Stage: manifest.Stage.Current,
			Data: map[string]any{
				"elapsed_s":    elapsedS,
				"timeout_s":    timeoutS,
				"timer_origin": origin,
			},
		}); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: telemetry append failed: %v\n", err)
		}
	}
	return result, nil
}
