package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/retry"
)

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	gotCmd   string
	gotStdin []byte
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string, stdin []byte) (string, string, int, error) {
	f.gotCmd = command
	f.gotStdin = stdin
	return f.stdout, f.stderr, f.exitCode, f.err
}

func testEvent() pipeline.FailureEvent {
	return pipeline.FailureEvent{EventID: "ev-1", Repo: "acme/widgets", Branch: "main"}
}

func TestCommandPlanner(t *testing.T) {
	r := &fakeRunner{stdout: `{"category":"test_failure","root_cause":"off by one","confidence":0.8,"files":["pkg/a.go"]}`}
	p := NewCommandPlanner(Opts{Command: "plan-cmd", Runner: r})

	plan, err := p.Plan(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.RootCause != "off by one" || len(plan.Files) != 1 {
		t.Errorf("plan = %+v", plan)
	}
	if r.gotCmd != "plan-cmd" {
		t.Errorf("command = %q", r.gotCmd)
	}

	var ev pipeline.FailureEvent
	if err := json.Unmarshal(r.gotStdin, &ev); err != nil || ev.EventID != "ev-1" {
		t.Errorf("stdin payload = %s", r.gotStdin)
	}
}

func TestCommandPlannerEmptyPlan(t *testing.T) {
	r := &fakeRunner{stdout: `{"category":"test_failure","files":[]}`}
	p := NewCommandPlanner(Opts{Command: "plan-cmd", Runner: r})

	if _, err := p.Plan(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error for a plan with no files")
	}
}

func TestCommandPlannerNonzeroExitIsTerminal(t *testing.T) {
	r := &fakeRunner{exitCode: 2, stderr: "cannot plan this failure\nmore detail"}
	p := NewCommandPlanner(Opts{Command: "plan-cmd", Runner: r})

	_, err := p.Plan(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.IsTransient(err) {
		t.Error("a collaborator rejection should be terminal")
	}
}

func TestCommandPlannerExecFailureIsTransient(t *testing.T) {
	r := &fakeRunner{exitCode: -1, err: errors.New("fork failed")}
	p := NewCommandPlanner(Opts{Command: "plan-cmd", Runner: r})

	_, err := p.Plan(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsTransient(err) {
		t.Error("failure to start the command should be transient")
	}
}

func TestCommandPatcher(t *testing.T) {
	r := &fakeRunner{stdout: `{"diff_text":"diff --git a/pkg/a.go b/pkg/a.go\n+++ b/pkg/a.go\n+x\n"}`}
	p := NewCommandPatcher(Opts{Command: "patch-cmd", Runner: r})

	plan := &pipeline.FixPlan{Files: []string{"pkg/a.go"}}
	patch, err := p.Patch(context.Background(), testEvent(), plan)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if patch.DiffText == "" {
		t.Error("empty diff")
	}

	var in patchInput
	if err := json.Unmarshal(r.gotStdin, &in); err != nil || in.Plan == nil || len(in.Plan.Files) != 1 {
		t.Errorf("stdin payload = %s", r.gotStdin)
	}
}

func TestCommandPatcherEmptyDiff(t *testing.T) {
	r := &fakeRunner{stdout: `{"diff_text":"  "}`}
	p := NewCommandPatcher(Opts{Command: "patch-cmd", Runner: r})

	if _, err := p.Patch(context.Background(), testEvent(), &pipeline.FixPlan{}); err == nil {
		t.Fatal("expected error for empty diff")
	}
}

func TestCommandValidator(t *testing.T) {
	r := &fakeRunner{stdout: `{"status":"PASSED","tests_total":10,"tests_passed":10}`}
	v := NewCommandValidator(Opts{Command: "validate-cmd", Runner: r})

	res, err := v.Validate(context.Background(), testEvent(), "diff")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Status != pipeline.ValidationPassed || res.TestsTotal != 10 {
		t.Errorf("result = %+v", res)
	}
}

func TestCommandValidatorUnknownStatus(t *testing.T) {
	r := &fakeRunner{stdout: `{"status":"MAYBE"}`}
	v := NewCommandValidator(Opts{Command: "validate-cmd", Runner: r})

	if _, err := v.Validate(context.Background(), testEvent(), "diff"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestCommandValidatorBadJSON(t *testing.T) {
	r := &fakeRunner{stdout: "not json"}
	v := NewCommandValidator(Opts{Command: "validate-cmd", Runner: r})

	if _, err := v.Validate(context.Background(), testEvent(), "diff"); err == nil {
		t.Fatal("expected decode error")
	}
}
