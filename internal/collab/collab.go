// Package collab runs the external plan, patch, and validate
// collaborators as configured shell commands with JSON on stdin and
// stdout.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/retry"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, stdin []byte) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, stdin []byte) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

const defaultTimeout = 10 * time.Minute

// Opts configures one command collaborator.
type Opts struct {
	Command string
	Dir     string
	Timeout time.Duration
	Runner  CommandRunner
}

func (o *Opts) runner() CommandRunner {
	if o.Runner != nil {
		return o.Runner
	}
	return &ExecRunner{}
}

func (o *Opts) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}

// invoke runs the command with the input marshaled to stdin and decodes
// stdout into out. Timeouts and failures to start are transient; a
// nonzero exit is the collaborator rejecting the work, which is not.
func invoke(ctx context.Context, o Opts, name string, input, out any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%s: marshal input: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	stdout, stderr, exitCode, err := o.runner().Run(ctx, o.Dir, o.Command, payload)
	if ctx.Err() == context.DeadlineExceeded {
		return retry.MarkTransient(fmt.Errorf("%s: command timed out after %s", name, o.timeout()))
	}
	if err != nil {
		return retry.MarkTransient(fmt.Errorf("%s: %w", name, err))
	}
	if exitCode != 0 {
		return fmt.Errorf("%s: command exited %d: %s", name, exitCode, firstLine(stderr))
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return fmt.Errorf("%s: decode output: %w", name, err)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// CommandPlanner asks an external command for a fix plan.
type CommandPlanner struct {
	opts Opts
}

// NewCommandPlanner creates a planner for the configured command.
func NewCommandPlanner(opts Opts) *CommandPlanner {
	return &CommandPlanner{opts: opts}
}

func (p *CommandPlanner) Plan(ctx context.Context, ev pipeline.FailureEvent) (*pipeline.FixPlan, error) {
	var plan pipeline.FixPlan
	if err := invoke(ctx, p.opts, "planner", ev, &plan); err != nil {
		return nil, err
	}
	if len(plan.Files) == 0 {
		return nil, fmt.Errorf("planner: plan names no files")
	}
	return &plan, nil
}

// CommandPatcher asks an external command to render a plan into a diff.
type CommandPatcher struct {
	opts Opts
}

// NewCommandPatcher creates a patcher for the configured command.
func NewCommandPatcher(opts Opts) *CommandPatcher {
	return &CommandPatcher{opts: opts}
}

type patchInput struct {
	Event pipeline.FailureEvent `json:"event"`
	Plan  *pipeline.FixPlan     `json:"plan"`
}

func (p *CommandPatcher) Patch(ctx context.Context, ev pipeline.FailureEvent, plan *pipeline.FixPlan) (*pipeline.Patch, error) {
	var patch pipeline.Patch
	if err := invoke(ctx, p.opts, "patcher", patchInput{Event: ev, Plan: plan}, &patch); err != nil {
		return nil, err
	}
	if strings.TrimSpace(patch.DiffText) == "" {
		return nil, fmt.Errorf("patcher: empty diff")
	}
	return &patch, nil
}

// CommandValidator asks an external command to test a candidate patch.
type CommandValidator struct {
	opts Opts
}

// NewCommandValidator creates a validator for the configured command.
func NewCommandValidator(opts Opts) *CommandValidator {
	return &CommandValidator{opts: opts}
}

type validateInput struct {
	Event    pipeline.FailureEvent `json:"event"`
	DiffText string                `json:"diff_text"`
}

func (v *CommandValidator) Validate(ctx context.Context, ev pipeline.FailureEvent, diff string) (*pipeline.ValidationResult, error) {
	var result pipeline.ValidationResult
	if err := invoke(ctx, v.opts, "validator", validateInput{Event: ev, DiffText: diff}, &result); err != nil {
		return nil, err
	}
	switch result.Status {
	case pipeline.ValidationPassed, pipeline.ValidationFailed, pipeline.ValidationError:
	default:
		return nil, fmt.Errorf("validator: unknown status %q", result.Status)
	}
	return &result, nil
}
