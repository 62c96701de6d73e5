package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/policy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "factory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id string) pipeline.FailureEvent {
	return pipeline.FailureEvent{
		EventID:      id,
		DeliveryID:   "delivery-" + id,
		Repo:         "acme/widgets",
		Branch:       "main",
		CommitSHA:    "abc123",
		ErrorMessage: "tests failed on step build",
	}
}

func TestRecordDeliveryDeduplicates(t *testing.T) {
	s := openTestStore(t)

	fresh, err := s.RecordDelivery("d-1", "ev-1", "acme/widgets")
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if !fresh {
		t.Fatal("first delivery should be fresh")
	}

	fresh, err = s.RecordDelivery("d-1", "ev-1", "acme/widgets")
	if err != nil {
		t.Fatalf("RecordDelivery repeat: %v", err)
	}
	if fresh {
		t.Fatal("repeated delivery id should be reported as duplicate")
	}
}

func TestGetOrCreateRun(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent("ev-1")

	run, created, err := s.GetOrCreateRun(ev)
	if err != nil {
		t.Fatalf("GetOrCreateRun: %v", err)
	}
	if !created {
		t.Fatal("expected run to be created")
	}
	if run.Status != pipeline.StatusPending {
		t.Errorf("expected pending status, got %q", run.Status)
	}
	if run.RunKey != ev.RunKey() {
		t.Errorf("run key = %q, want %q", run.RunKey, ev.RunKey())
	}

	again, created, err := s.GetOrCreateRun(ev)
	if err != nil {
		t.Fatalf("GetOrCreateRun repeat: %v", err)
	}
	if created {
		t.Fatal("expected existing run")
	}
	if again.ID != run.ID {
		t.Errorf("expected same row, got ids %d and %d", run.ID, again.ID)
	}
}

func TestGetOrCreateRunConcurrent(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent("ev-conc")

	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _, err := s.GetOrCreateRun(ev)
			if err != nil {
				t.Errorf("GetOrCreateRun: %v", err)
				return
			}
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("callers diverged: ids %v", ids)
		}
	}
}

func TestSaveRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	run, _, err := s.GetOrCreateRun(testEvent("ev-rt"))
	if err != nil {
		t.Fatalf("GetOrCreateRun: %v", err)
	}

	prAt := time.Now().UTC().Truncate(time.Millisecond)
	run.Status = pipeline.StatusCompleted
	run.AttemptCount = 2
	run.Plan = &pipeline.FixPlan{
		Category:  "test_failure",
		RootCause: "missing nil check",
		Files:     []string{"pkg/widget.go"},
	}
	run.PlanDecision = &policy.Decision{Allowed: true, DangerScore: 5, Label: policy.LabelSafe}
	run.PatchDiff = "diff --git a/pkg/widget.go b/pkg/widget.go\n+++ b/pkg/widget.go\n+fix\n"
	run.Validation = &pipeline.ValidationResult{Status: pipeline.ValidationPassed, TestsTotal: 12, TestsPassed: 12}
	run.PR = &pipeline.PRResult{Status: "created", URL: "https://github.com/acme/widgets/pull/7"}
	run.LastPRURL = run.PR.URL
	run.LastPRCreatedAt = &prAt

	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRunByKey(run.RunKey)
	if err != nil {
		t.Fatalf("GetRunByKey: %v", err)
	}
	if got.Status != pipeline.StatusCompleted || got.AttemptCount != 2 {
		t.Errorf("status/attempts = %q/%d", got.Status, got.AttemptCount)
	}
	if got.Plan == nil || got.Plan.RootCause != "missing nil check" {
		t.Errorf("plan did not round-trip: %+v", got.Plan)
	}
	if got.PlanDecision == nil || !got.PlanDecision.Allowed || got.PlanDecision.Label != policy.LabelSafe {
		t.Errorf("plan decision did not round-trip: %+v", got.PlanDecision)
	}
	if got.PatchDiff != run.PatchDiff {
		t.Errorf("patch diff did not round-trip")
	}
	if got.Validation == nil || got.Validation.TestsPassed != 12 {
		t.Errorf("validation did not round-trip: %+v", got.Validation)
	}
	if got.LastPRURL != run.PR.URL {
		t.Errorf("last_pr_url = %q", got.LastPRURL)
	}
	if got.LastPRCreatedAt == nil || !got.LastPRCreatedAt.Equal(prAt) {
		t.Errorf("last_pr_created_at = %v, want %v", got.LastPRCreatedAt, prAt)
	}
}

func TestSetBlocked(t *testing.T) {
	s := openTestStore(t)
	run, _, err := s.GetOrCreateRun(testEvent("ev-blk"))
	if err != nil {
		t.Fatalf("GetOrCreateRun: %v", err)
	}

	if err := s.SetBlocked(run.RunKey, "max_attempts"); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	got, err := s.GetRunByKey(run.RunKey)
	if err != nil {
		t.Fatalf("GetRunByKey: %v", err)
	}
	if got.Status != pipeline.StatusBlocked || got.BlockedReason != "max_attempts" {
		t.Errorf("got %q/%q", got.Status, got.BlockedReason)
	}
}

func TestListRunsFilter(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"ev-a", "ev-b", "ev-c"} {
		if _, _, err := s.GetOrCreateRun(testEvent(id)); err != nil {
			t.Fatalf("GetOrCreateRun: %v", err)
		}
	}
	if err := s.SetBlocked(testEvent("ev-b").RunKey(), "manual"); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}

	all, err := s.ListRuns("", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}

	blocked, err := s.ListRuns(string(pipeline.StatusBlocked), 10)
	if err != nil {
		t.Fatalf("ListRuns blocked: %v", err)
	}
	if len(blocked) != 1 || blocked[0].BlockedReason != "manual" {
		t.Errorf("unexpected blocked runs: %+v", blocked)
	}
}

func TestEventLog(t *testing.T) {
	s := openTestStore(t)
	run, _, err := s.GetOrCreateRun(testEvent("ev-log"))
	if err != nil {
		t.Fatalf("GetOrCreateRun: %v", err)
	}

	if err := s.LogEvent(run.RunKey, "attempt_started", "planning", 1, ""); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if err := s.LogEvent(run.RunKey, "gate_blocked", "patching", 1, "forbidden_path"); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	events, err := s.ListEvents(run.RunKey)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "attempt_started" || events[1].Detail != "forbidden_path" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestGetRunByKeyNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRunByKey("nope"); err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
