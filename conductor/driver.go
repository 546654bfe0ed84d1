// ABOUTME: Stage-content driver capability: fixture, task, and command variants behind one interface.
// ABOUTME: The orchestrator core calls RunStage and never branches on which variant is wired in.
package conductor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Driver modes selectable through policy.driver.mode.
const (
	DriverModeFixture = "fixture"
	DriverModeTask    = "task"
	DriverModeCommand = "command"
)

// StageRequest describes one unit of content the orchestrator needs.
type StageRequest struct {
	RunRoot     string
	Stage       string
	Perspective string // empty for whole-stage work
	Prompt      string
	PromptPath  string
	OutputPath  string
}

// StageResult carries the produced markdown. The orchestrator writes it to
// the request's OutputPath.
type StageResult struct {
	Markdown string
}

// Driver is the injected capability that produces stage content. Variants
// must be idempotent enough to retry: re-running a request for content that
// already exists is handled by the orchestrator before the driver is called.
type Driver interface {
	RunStage(ctx context.Context, req StageRequest) (*StageResult, error)
}

// NewDriver constructs the driver selected by the policy.
func NewDriver(p DriverPolicy) (Driver, error) {
	switch p.Mode {
	case DriverModeFixture:
		if p.FixturesDir == "" {
			return nil, Errf(CodeInvalidArgs, "fixture driver requires fixtures_dir")
		}
		return &fixtureDriver{dir: p.FixturesDir}, nil
	case DriverModeTask:
		return &taskDriver{}, nil
	case DriverModeCommand:
		if p.Command == "" {
			return nil, Errf(CodeInvalidArgs, "command driver requires a command")
		}
		timeout := time.Duration(p.CommandTimeoutS) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		return &commandDriver{command: p.Command, timeout: timeout}, nil
	default:
		return nil, Errf(CodeInvalidArgs, "unknown driver mode %q", p.Mode)
	}
}

// fixtureDriver serves pre-written markdown from a fixtures directory:
// <dir>/<stage>.md for whole-stage work, <dir>/<stage>/<perspective>.md for
// per-perspective work. Deterministic; used by tests and rehearsal runs.
type fixtureDriver struct {
	dir string
}

func (d *fixtureDriver) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	path := filepath.Join(d.dir, req.Stage+".md")
	if req.Perspective != "" {
		path = filepath.Join(d.dir, req.Stage, req.Perspective+".md")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Errf(CodeMissingArtifact, "no fixture at %s", path)
		}
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return &StageResult{Markdown: string(data)}, nil
}

// taskDriver is the human-in-the-loop suspension point. It writes the prompt
// file and reports RUN_AGENT_REQUIRED; the operator (or an external agent
// harness) writes the output file and re-ticks.
type taskDriver struct{}

func (d *taskDriver) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.PromptPath), 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}
	if err := writeFileAtomic(req.PromptPath, []byte(req.Prompt)); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}
	return nil, Errf(CodeRunAgentRequired,
		"stage %s needs agent output at %s (prompt: %s)", req.Stage, req.OutputPath, req.PromptPath)
}

// commandDriver bridges to any external agent program. The prompt goes to
// stdin, run metadata to PRISM_* environment variables, and stdout is taken
// as the produced markdown.
type commandDriver struct {
	command string
	timeout time.Duration
}

func (d *commandDriver) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.PromptPath), 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}
	if err := writeFileAtomic(req.PromptPath, []byte(req.Prompt)); err != nil {
		return nil, fmt.Errorf("write prompt: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", d.command)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"PRISM_RUN_ROOT="+req.RunRoot,
		"PRISM_STAGE="+req.Stage,
		"PRISM_PERSPECTIVE="+req.Perspective,
		"PRISM_PROMPT_PATH="+req.PromptPath,
		"PRISM_OUTPUT_PATH="+req.OutputPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("agent command timed out after %v", d.timeout)
		}
		return nil, fmt.Errorf("agent command failed: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}
	markdown := stdout.String()
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("agent command produced no output for stage %s", req.Stage)
	}
	return &StageResult{Markdown: markdown}, nil
}
