// ABOUTME: Per-run policy document: timeouts, lock lease parameters, wave limits, driver selection.
// ABOUTME: Written once at init and read explicitly thereafter; the orchestrator hard-codes none of these.
package conductor

import (
	"fmt"
	"time"
)

// LockPolicy configures the run lock lease and its heartbeat.
type LockPolicy struct {
	LeaseS               int `json:"lease_s"`
	HeartbeatIntervalMS  int `json:"heartbeat_interval_ms"`
	HeartbeatMaxFailures int `json:"heartbeat_max_failures"`
}

// RecoveryPolicy configures crash detection on the tick ledger.
type RecoveryPolicy struct {
	DanglingTickThresholdS int `json:"dangling_tick_threshold_s"`
}

// WavePolicy bounds the parallel wave stage.
type WavePolicy struct {
	Parallelism     int `json:"parallelism"`
	MinPerspectives int `json:"min_perspectives"`
}

// CitationPolicy holds the thresholds for the citation-validation gate.
type CitationPolicy struct {
	MinValidRatio  float64 `json:"min_valid_ratio"`
	WarnValidRatio float64 `json:"warn_valid_ratio"`
}

// DriverPolicy selects and configures the stage-content driver.
type DriverPolicy struct {
	Mode            string `json:"mode"` // fixture | task | command
	FixturesDir     string `json:"fixtures_dir,omitempty"`
	Command         string `json:"command,omitempty"`
	CommandTimeoutS int    `json:"command_timeout_s,omitempty"`
}

// Policy is the per-run policy document stored at policy.json.
type Policy struct {
	SchemaVersion        string         `json:"schema_version"`
	StageTimeoutsS       map[string]int `json:"stage_timeouts_s"`
	DefaultStageTimeoutS int            `json:"default_stage_timeout_s"`
	Lock                 LockPolicy     `json:"lock"`
	Recovery             RecoveryPolicy `json:"recovery"`
	Waves                WavePolicy     `json:"waves"`
	Citations            CitationPolicy `json:"citations"`
	Driver               DriverPolicy   `json:"driver"`
}

// DefaultPolicy returns the policy written for new runs when the operator
// supplies no overrides.
func DefaultPolicy() *Policy {
	return &Policy{
		SchemaVersion: PolicySchemaVersion,
		StageTimeoutsS: map[string]int{
			StageWaves:     1800,
			StageSynthesis: 1200,
			StageReview:    900,
		},
		DefaultStageTimeoutS: 600,
		Lock: LockPolicy{
			LeaseS:               120,
			HeartbeatIntervalMS:  15000,
			HeartbeatMaxFailures: 3,
		},
		Recovery: RecoveryPolicy{DanglingTickThresholdS: 300},
		Waves:    WavePolicy{Parallelism: 3, MinPerspectives: 2},
		Citations: CitationPolicy{
			MinValidRatio:  0.8,
			WarnValidRatio: 0.95,
		},
		Driver: DriverPolicy{Mode: DriverModeTask, CommandTimeoutS: 600},
	}
}

// LoadPolicy reads policy.json from a run root.
func LoadPolicy(runRoot string) (*Policy, error) {
	var p Policy
	if err := readJSONFile(PolicyPath(runRoot), &p); err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if p.SchemaVersion != PolicySchemaVersion {
		return nil, Errf(CodeInvalidArgs, "unsupported policy schema %q", p.SchemaVersion)
	}
	return &p, nil
}

// SavePolicy writes policy.json atomically. Only init calls this; policy is
// immutable for the rest of the run's life.
func SavePolicy(runRoot string, p *Policy) error {
	return writeJSONAtomic(PolicyPath(runRoot), p)
}

// StageTimeout returns the configured timeout for a stage, falling back to
// the default when the stage has no explicit entry.
func (p *Policy) StageTimeout(stage string) time.Duration {
	if s, ok := p.StageTimeoutsS[stage]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(p.DefaultStageTimeoutS) * time.Second
}

// LockLease returns the lock lease duration.
func (p *Policy) LockLease() time.Duration {
	return time.Duration(p.Lock.LeaseS) * time.Second
}

// HeartbeatInterval returns the lease-renewal interval.
func (p *Policy) HeartbeatInterval() time.Duration {
	return time.Duration(p.Lock.HeartbeatIntervalMS) * time.Millisecond
}

// DanglingTickThreshold returns how old a ledger start entry must be, with
// no matching finish, before it counts as a crashed tick.
func (p *Policy) DanglingTickThreshold() time.Duration {
	return time.Duration(p.Recovery.DanglingTickThresholdS) * time.Second
}
