package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/metrics"
	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/policy"
	"github.com/lucasnoah/fixfactory/internal/retry"
	"github.com/lucasnoah/fixfactory/internal/store"
)

// Planner produces a fix plan for a failure event.
type Planner interface {
	Plan(ctx context.Context, ev pipeline.FailureEvent) (*pipeline.FixPlan, error)
}

// Patcher turns a plan into a unified diff.
type Patcher interface {
	Patch(ctx context.Context, ev pipeline.FailureEvent, plan *pipeline.FixPlan) (*pipeline.Patch, error)
}

// Validator runs the repo's tests and scans against a candidate patch.
type Validator interface {
	Validate(ctx context.Context, ev pipeline.FailureEvent, diff string) (*pipeline.ValidationResult, error)
}

// PRCreator opens a pull request for an approved patch.
type PRCreator interface {
	CreatePR(ctx context.Context, req pipeline.PRRequest) (*pipeline.PRResult, error)
}

// Orchestrator drives one run through the fix pipeline: plan, patch,
// scan, validate, open PR. Every stage transition is persisted before
// the next stage starts, so a crashed attempt resumes from its stored
// artifacts instead of redoing side effects.
type Orchestrator struct {
	store     *store.Store
	engine    *policy.Engine
	planner   Planner
	patcher   Patcher
	validator Validator
	pr        PRCreator
	log       *zap.Logger
}

// Opts bundles the orchestrator's collaborators.
type Opts struct {
	Store     *store.Store
	Engine    *policy.Engine
	Planner   Planner
	Patcher   Patcher
	Validator Validator
	PRCreator PRCreator
	Log       *zap.Logger
}

// New creates an Orchestrator.
func New(o Opts) *Orchestrator {
	return &Orchestrator{
		store:     o.Store,
		engine:    o.Engine,
		planner:   o.Planner,
		patcher:   o.Patcher,
		validator: o.Validator,
		pr:        o.PRCreator,
		log:       o.Log,
	}
}

// ExecuteOpts modifies a single execution.
type ExecuteOpts struct {
	// Revalidate reruns validation even when a stored result exists.
	Revalidate bool
}

// Outcome summarizes how an attempt ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyComplete  Outcome = "already_complete"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeFailed           Outcome = "failed"
)

// Result is the terminal summary of one attempt. A nil Result with a
// non-nil error means the attempt did not reach a terminal state and
// may be retried.
type Result struct {
	Outcome       Outcome
	BlockedReason string
	PRURL         string
}

// Execute runs one attempt for the run identified by runKey. Returned
// errors are attempt failures for the caller to classify; a Result
// means the run reached a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, runKey string, opts ExecuteOpts) (*Result, error) {
	run, err := o.store.GetRunByKey(runKey)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	log := o.log.With(zap.String("run_key", run.RunKey), zap.String("repo", run.Repo))

	// 1. Short-circuits: blocked runs never execute, and a run that
	// already opened a PR never opens another.
	if run.Status == pipeline.StatusBlocked || run.BlockedReason != "" {
		log.Info("run is blocked, skipping", zap.String("reason", run.BlockedReason))
		return &Result{Outcome: OutcomeBlocked, BlockedReason: run.BlockedReason}, nil
	}
	if run.Status.Terminal() {
		if run.Status == pipeline.StatusCompleted && opts.Revalidate {
			return o.revalidateCompleted(ctx, run, log)
		}
		return &Result{Outcome: OutcomeAlreadyComplete, PRURL: run.LastPRURL}, nil
	}
	if run.LastPRURL != "" && !opts.Revalidate {
		log.Info("pull request already exists, skipping", zap.String("pr_url", run.LastPRURL))
		return &Result{Outcome: OutcomeAlreadyComplete, PRURL: run.LastPRURL}, nil
	}

	ev := eventFromRun(run)

	// 2. Plan. A stored plan from an earlier attempt is reused.
	if run.Plan == nil {
		if err := o.advance(run, pipeline.StatusPlanning); err != nil {
			return nil, err
		}
		plan, err := o.planner.Plan(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		run.Plan = plan
		decision := o.engine.EvaluatePlan(plan.Files)
		run.PlanDecision = &decision
		if err := o.store.SaveRun(run); err != nil {
			return nil, fmt.Errorf("persist plan: %w", err)
		}
		if !decision.Allowed {
			return o.gateBlocked(run, pipeline.StatusPlanBlocked, "plan", decision)
		}
		_ = o.store.LogEvent(run.RunKey, "plan_ready", "planning", run.AttemptCount, plan.Category)
	} else if run.PlanDecision != nil && !run.PlanDecision.Allowed {
		return o.gateBlocked(run, pipeline.StatusPlanBlocked, "plan", *run.PlanDecision)
	}

	// 3. Patch. A stored diff from an earlier attempt is reused.
	if run.PatchDiff == "" {
		if err := o.advance(run, pipeline.StatusPatching); err != nil {
			return nil, err
		}
		patch, err := o.patcher.Patch(ctx, ev, run.Plan)
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		run.PatchDiff = patch.DiffText
		if err := o.store.SaveRun(run); err != nil {
			return nil, fmt.Errorf("persist patch: %w", err)
		}
	}

	// 4. Scan: the patch may only touch files the plan named, then it
	// must pass the safety policy. The gate fires while the run is
	// still patching; only a passing patch advances to scanning.
	if run.PatchDecision == nil {
		if outside := filesOutsidePlan(run.PatchDiff, run.Plan.Files); len(outside) > 0 {
			run.PatchDecision = &policy.Decision{
				Allowed: false,
				Violations: []policy.Violation{{
					Code:     "outside_plan",
					Severity: policy.SeverityBlock,
					Message:  fmt.Sprintf("patch touches files not in the plan: %s", strings.Join(outside, ", ")),
				}},
				Label: policy.LabelNeedsReview,
			}
			if err := o.store.SaveRun(run); err != nil {
				return nil, fmt.Errorf("persist patch decision: %w", err)
			}
			return o.gateBlocked(run, pipeline.StatusPatchBlocked, "patch", *run.PatchDecision)
		}
		decision := o.engine.EvaluatePatch(run.PatchDiff)
		run.PatchDecision = &decision
		if err := o.store.SaveRun(run); err != nil {
			return nil, fmt.Errorf("persist patch decision: %w", err)
		}
		if !decision.Allowed {
			return o.gateBlocked(run, pipeline.StatusPatchBlocked, "patch", decision)
		}
	} else if !run.PatchDecision.Allowed {
		return o.gateBlocked(run, pipeline.StatusPatchBlocked, "patch", *run.PatchDecision)
	}
	if err := o.advance(run, pipeline.StatusScanning); err != nil {
		return nil, err
	}

	// 5. Validate. ERROR is infrastructure trouble and retryable;
	// FAILED means the patch does not fix the build and is terminal.
	if err := o.advance(run, pipeline.StatusValidating); err != nil {
		return nil, err
	}
	if run.Validation == nil || opts.Revalidate || run.Validation.Status == pipeline.ValidationError {
		val, err := o.validator.Validate(ctx, ev, run.PatchDiff)
		if err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
		run.Validation = val
		if err := o.store.SaveRun(run); err != nil {
			return nil, fmt.Errorf("persist validation: %w", err)
		}
	}
	switch run.Validation.Status {
	case pipeline.ValidationError:
		return nil, validationInfraError(run.Validation)
	case pipeline.ValidationFailed:
		if err := o.transition(run, pipeline.StatusValidationFailed); err != nil {
			return nil, err
		}
		_ = o.store.LogEvent(run.RunKey, "validation_failed", "validating", run.AttemptCount, run.Validation.ErrorMessage)
		metrics.PipelineRuns.WithLabelValues(string(OutcomeValidationFailed)).Inc()
		log.Info("validation failed", zap.Int("tests_failed", run.Validation.TestsFailed))
		return &Result{Outcome: OutcomeValidationFailed}, nil
	}

	// 6. Open the PR. The duplicate guard above plus this persisted
	// last_pr_url make PR creation happen at most once per run.
	if err := o.advance(run, pipeline.StatusPRCreating); err != nil {
		return nil, err
	}
	prRes, err := o.pr.CreatePR(ctx, pipeline.PRRequest{
		Repo:       run.Repo,
		BaseBranch: run.Branch,
		HeadBranch: branchName(run.RunKey),
		Title:      prTitle(run),
		Body:       prBody(run),
		Label:      run.PatchDecision.Label,
		DiffText:   run.PatchDiff,
	})
	if err != nil {
		return nil, fmt.Errorf("create pr: %w", err)
	}
	run.PR = prRes
	if prRes.Status != "created" {
		if terr := o.transition(run, pipeline.StatusFailed); terr != nil {
			return nil, terr
		}
		_ = o.store.LogEvent(run.RunKey, "pr_failed", "pr_creating", run.AttemptCount, prRes.Message)
		metrics.PipelineRuns.WithLabelValues(string(OutcomeFailed)).Inc()
		return &Result{Outcome: OutcomeFailed}, nil
	}

	// 7. Completed. last_pr_url is persisted together with the status
	// so a replayed attempt sees the PR.
	run.LastPRURL = prRes.URL
	if !prRes.CreatedAt.IsZero() {
		at := prRes.CreatedAt
		run.LastPRCreatedAt = &at
	}
	if err := o.transition(run, pipeline.StatusCompleted); err != nil {
		return nil, err
	}
	_ = o.store.LogEvent(run.RunKey, "pr_created", "pr_creating", run.AttemptCount, prRes.URL)
	metrics.PipelineRuns.WithLabelValues(string(OutcomeCompleted)).Inc()
	metrics.PRsCreated.WithLabelValues(run.PatchDecision.Label).Inc()
	log.Info("pipeline completed", zap.String("pr_url", prRes.URL), zap.String("label", run.PatchDecision.Label))
	return &Result{Outcome: OutcomeCompleted, PRURL: prRes.URL}, nil
}

// revalidateCompleted reruns validation for a run that already opened
// a PR. Only the validator is invoked; the run stays completed and a
// FAILED verdict is recorded for the operator without demoting it.
func (o *Orchestrator) revalidateCompleted(ctx context.Context, run *store.Run, log *zap.Logger) (*Result, error) {
	val, err := o.validator.Validate(ctx, eventFromRun(run), run.PatchDiff)
	if err != nil {
		return nil, fmt.Errorf("revalidate: %w", err)
	}
	if val.Status == pipeline.ValidationError {
		return nil, validationInfraError(val)
	}
	run.Validation = val
	if err := o.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("persist revalidation: %w", err)
	}
	_ = o.store.LogEvent(run.RunKey, "revalidated", "validating", run.AttemptCount, string(val.Status))
	if val.Status == pipeline.ValidationFailed {
		log.Warn("revalidation failed for completed run",
			zap.String("pr_url", run.LastPRURL), zap.Int("tests_failed", val.TestsFailed))
	}
	return &Result{Outcome: OutcomeAlreadyComplete, PRURL: run.LastPRURL}, nil
}

// stageIndex orders the forward stages so a resumed attempt can skip
// transitions it already made.
var stageIndex = map[pipeline.Status]int{
	pipeline.StatusPending:    0,
	pipeline.StatusPlanning:   1,
	pipeline.StatusPatching:   2,
	pipeline.StatusScanning:   3,
	pipeline.StatusValidating: 4,
	pipeline.StatusPRCreating: 5,
}

// advance moves the run forward to a stage, tolerating resumed attempts
// that are already at or past it.
func (o *Orchestrator) advance(run *store.Run, to pipeline.Status) error {
	if run.Status == to {
		return nil
	}
	if pipeline.CanTransition(run.Status, to) {
		return o.transition(run, to)
	}
	if stageIndex[run.Status] > stageIndex[to] {
		return nil
	}
	return fmt.Errorf("illegal transition %s -> %s for run %s", run.Status, to, run.RunKey)
}

// transition validates and persists a status change.
func (o *Orchestrator) transition(run *store.Run, to pipeline.Status) error {
	if !pipeline.CanTransition(run.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for run %s", run.Status, to, run.RunKey)
	}
	run.Status = to
	if err := o.store.SaveRun(run); err != nil {
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	return nil
}

// gateBlocked moves the run into a gate-blocked terminal state.
func (o *Orchestrator) gateBlocked(run *store.Run, status pipeline.Status, stage string, decision policy.Decision) (*Result, error) {
	reason := stage + "_policy"
	if vs := decision.BlockingViolations(); len(vs) > 0 {
		reason = vs[0].Code
		for _, v := range vs {
			metrics.PolicyViolations.WithLabelValues(v.Code).Inc()
		}
	}
	run.BlockedReason = reason
	if err := o.transition(run, status); err != nil {
		return nil, err
	}
	_ = o.store.LogEvent(run.RunKey, "gate_blocked", stage, run.AttemptCount, reason)
	metrics.PipelineRuns.WithLabelValues(string(OutcomeBlocked)).Inc()
	o.log.Info("run blocked by policy",
		zap.String("run_key", run.RunKey),
		zap.String("stage", stage),
		zap.String("reason", reason))
	return &Result{Outcome: OutcomeBlocked, BlockedReason: reason}, nil
}

func eventFromRun(run *store.Run) pipeline.FailureEvent {
	return pipeline.FailureEvent{
		EventID:        run.EventID,
		Repo:           run.Repo,
		Branch:         run.Branch,
		CommitSHA:      run.CommitSHA,
		ErrorMessage:   run.ErrorMessage,
		IdempotencyKey: run.RunKey,
	}
}

// filesOutsidePlan returns patch files the plan did not name.
func filesOutsidePlan(diff string, planned []string) []string {
	parsed, ok := policy.ParseDiff(diff)
	if !ok {
		return nil
	}
	allowed := make(map[string]bool, len(planned))
	for _, f := range planned {
		allowed[policy.NormalizePath(f)] = true
	}
	var outside []string
	for _, f := range parsed.Files {
		if !allowed[f] {
			outside = append(outside, f)
		}
	}
	return outside
}

// branchName derives a git-safe head branch from the run key.
func branchName(runKey string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '-'
		}
	}, runKey)
	if len(safe) > 60 {
		safe = safe[:60]
	}
	return "fixfactory/" + safe
}

func prTitle(run *store.Run) string {
	if run.Plan != nil && run.Plan.RootCause != "" {
		return "fix: " + run.Plan.RootCause
	}
	return "fix: automated remediation for " + run.Repo
}

func prBody(run *store.Run) string {
	var b strings.Builder
	b.WriteString("Automated fix generated by fixfactory.\n\n")
	if run.Plan != nil {
		fmt.Fprintf(&b, "Category: %s\nRoot cause: %s\nConfidence: %.2f\n", run.Plan.Category, run.Plan.RootCause, run.Plan.Confidence)
	}
	if run.PatchDecision != nil {
		fmt.Fprintf(&b, "Danger score: %d (%s)\n", run.PatchDecision.DangerScore, run.PatchDecision.Label)
	}
	if run.Validation != nil {
		fmt.Fprintf(&b, "Validation: %s (%d/%d tests passed)\n", run.Validation.Status, run.Validation.TestsPassed, run.Validation.TestsTotal)
	}
	fmt.Fprintf(&b, "\nOriginal failure:\n%s\n", run.ErrorMessage)
	return b.String()
}

// validationInfraError wraps an ERROR validation as transient so the
// dispatcher retries it instead of recording a terminal failure.
func validationInfraError(val *pipeline.ValidationResult) error {
	msg := val.ErrorMessage
	if msg == "" {
		msg = "validator reported ERROR"
	}
	return retry.MarkTransient(fmt.Errorf("validation infrastructure: %s", msg))
}
