package pipeline

import "time"

// Status is the persisted state of a fix pipeline run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusPlanBlocked      Status = "plan_blocked"
	StatusPatching         Status = "patching"
	StatusPatchBlocked     Status = "patch_blocked"
	StatusScanning         Status = "scanning"
	StatusValidating       Status = "validating"
	StatusValidationFailed Status = "validation_failed"
	StatusPRCreating       Status = "pr_creating"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusBlocked          Status = "blocked"
)

// Terminal reports whether a run in this status will never execute again.
func (s Status) Terminal() bool {
	switch s {
	case StatusPlanBlocked, StatusPatchBlocked, StatusValidationFailed,
		StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// validTransitions maps each status to the statuses it may move to.
// StatusBlocked is reachable from anywhere and handled separately.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusPlanning},
	StatusPlanning:   {StatusPlanBlocked, StatusPatching},
	StatusPatching:   {StatusPatchBlocked, StatusScanning},
	StatusScanning:   {StatusValidating},
	StatusValidating: {StatusValidationFailed, StatusPRCreating},
	StatusPRCreating: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
// Re-entering the same status (a resumed attempt) and moving to blocked are
// always legal.
func CanTransition(from, to Status) bool {
	if to == StatusBlocked || from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureEvent is one normalized CI failure signal from the ingestion layer.
// Immutable after creation.
type FailureEvent struct {
	EventID        string `json:"event_id"`
	DeliveryID     string `json:"delivery_id"`
	Repo           string `json:"repo"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`
	ErrorMessage   string `json:"error_message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RunKey returns the stable identity for the run chain this event belongs
// to: the idempotency key when present, otherwise the event ID.
func (e FailureEvent) RunKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return e.EventID
}

// FixPlan is the Plan collaborator's output: what to change and why.
type FixPlan struct {
	Category   string          `json:"category"`
	RootCause  string          `json:"root_cause,omitempty"`
	Confidence float64         `json:"confidence"`
	Files      []string        `json:"files"`
	Operations []PlanOperation `json:"operations"`
}

// PlanOperation is one intended change within a plan.
type PlanOperation struct {
	Type    string `json:"type"`
	File    string `json:"file"`
	Details string `json:"details,omitempty"`
}

// PatchStats summarizes a generated diff.
type PatchStats struct {
	Files        int `json:"files"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
	Bytes        int `json:"bytes"`
}

// Patch is the Patch collaborator's output.
type Patch struct {
	DiffText string     `json:"diff_text"`
	Stats    PatchStats `json:"stats"`
}

// ValidationStatus distinguishes content failures from infrastructure
// failures; ERROR is retryable, FAILED is not.
type ValidationStatus string

const (
	ValidationPassed ValidationStatus = "PASSED"
	ValidationFailed ValidationStatus = "FAILED"
	ValidationError  ValidationStatus = "ERROR"
)

// ValidationResult is the Validation collaborator's output.
type ValidationResult struct {
	Status       ValidationStatus    `json:"status"`
	TestsTotal   int                 `json:"tests_total,omitempty"`
	TestsPassed  int                 `json:"tests_passed,omitempty"`
	TestsFailed  int                 `json:"tests_failed,omitempty"`
	Scans        map[string]ScanInfo `json:"scans,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// ScanInfo is one scanner's summary within a validation result.
type ScanInfo struct {
	Status   string `json:"status"`
	Findings int    `json:"findings,omitempty"`
	Message  string `json:"message,omitempty"`
}

// PRRequest is the input to the PR collaborator.
type PRRequest struct {
	Repo       string `json:"repo"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Label      string `json:"label"`
	DiffText   string `json:"diff_text"`
}

// PRResult is the PR collaborator's output. A collaborator that finds an
// existing open PR for the head branch resolves to it rather than erroring.
type PRResult struct {
	Status    string    `json:"status"` // "created" or "failed"
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Message   string    `json:"message,omitempty"`
}
