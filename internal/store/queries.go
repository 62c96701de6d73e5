package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/policy"
)

// Run is one pipeline run, keyed by run_key. Stage artifacts are stored
// as JSON snapshots so a resumed attempt can pick up where the previous
// one stopped without redoing side effects.
type Run struct {
	ID           int64
	RunKey       string
	EventID      string
	Repo         string
	Branch       string
	CommitSHA    string
	ErrorMessage string

	Status        pipeline.Status
	AttemptCount  int
	BlockedReason string

	Plan          *pipeline.FixPlan
	PlanDecision  *policy.Decision
	PatchDiff     string
	PatchDecision *policy.Decision
	Validation    *pipeline.ValidationResult
	PR            *pipeline.PRResult

	LastPRURL       string
	LastPRCreatedAt *time.Time
	LastAttemptAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one row of the append-only pipeline event log.
type Event struct {
	ID        int64
	RunKey    string
	Event     string
	Stage     string
	Attempt   int
	Detail    string
	Timestamp time.Time
}

// ErrRunNotFound is returned by lookups for an unknown run.
var ErrRunNotFound = errors.New("run not found")

// RecordDelivery inserts a webhook delivery id. Returns false when the
// id was already recorded. Uniqueness is enforced by the database, not
// by a read-then-write check.
func (s *Store) RecordDelivery(deliveryID, eventID, repo string) (bool, error) {
	res, err := s.conn.Exec(
		`INSERT INTO webhook_deliveries (delivery_id, event_id, repo, received_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, eventID, repo, now(),
	)
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return n == 1, nil
}

// GetOrCreateRun inserts a pending run for the event and returns it, or
// returns the existing run when the run_key is already taken. Concurrent
// callers converge on the same row.
func (s *Store) GetOrCreateRun(ev pipeline.FailureEvent) (*Run, bool, error) {
	ts := now()
	res, err := s.conn.Exec(
		`INSERT INTO runs (run_key, event_id, repo, branch, commit_sha, error_message, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_key) DO NOTHING`,
		ev.RunKey(), ev.EventID, ev.Repo, ev.Branch, ev.CommitSHA, ev.ErrorMessage, string(pipeline.StatusPending), ts, ts,
	)
	if err != nil {
		// A different run_key reusing the same event_id still maps to
		// one existing run.
		if isUniqueViolation(err) {
			run, ferr := s.GetRunByKey(ev.RunKey())
			if errors.Is(ferr, ErrRunNotFound) {
				run, ferr = s.getRunByEventID(ev.EventID)
			}
			if ferr != nil {
				return nil, false, ferr
			}
			return run, false, nil
		}
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	run, err := s.GetRunByKey(ev.RunKey())
	if err != nil {
		return nil, false, err
	}
	return run, n == 1, nil
}

// GetRunByKey fetches a run by its run_key.
func (s *Store) GetRunByKey(runKey string) (*Run, error) {
	row := s.conn.QueryRow(selectRun+` WHERE run_key = ?`, runKey)
	return scanRun(row)
}

func (s *Store) getRunByEventID(eventID string) (*Run, error) {
	row := s.conn.QueryRow(selectRun+` WHERE event_id = ?`, eventID)
	return scanRun(row)
}

// GetRun fetches a run by row id.
func (s *Store) GetRun(id int64) (*Run, error) {
	row := s.conn.QueryRow(selectRun+` WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(status string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectRun
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SaveRun writes the run's mutable fields back and bumps updated_at.
func (s *Store) SaveRun(run *Run) error {
	planJSON, err := marshalField(run.Plan)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	planDecJSON, err := marshalField(run.PlanDecision)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	patchDecJSON, err := marshalField(run.PatchDecision)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	valJSON, err := marshalField(run.Validation)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	prJSON, err := marshalField(run.PR)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	run.UpdatedAt = time.Now().UTC()
	_, err = s.conn.Exec(
		`UPDATE runs SET status = ?, attempt_count = ?, blocked_reason = ?,
		        plan_json = ?, plan_decision_json = ?, patch_diff = ?,
		        patch_decision_json = ?, validation_json = ?, pr_json = ?,
		        last_pr_url = ?, last_pr_created_at = ?, last_attempt_at = ?,
		        updated_at = ?
		 WHERE run_key = ?`,
		string(run.Status), run.AttemptCount, run.BlockedReason,
		planJSON, planDecJSON, nullString(run.PatchDiff),
		patchDecJSON, valJSON, prJSON,
		run.LastPRURL, nullTime(run.LastPRCreatedAt), nullTime(run.LastAttemptAt),
		run.UpdatedAt.Format(time.RFC3339Nano),
		run.RunKey,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// SetBlocked marks a run blocked with the given reason.
func (s *Store) SetBlocked(runKey, reason string) error {
	_, err := s.conn.Exec(
		`UPDATE runs SET status = ?, blocked_reason = ?, updated_at = ? WHERE run_key = ?`,
		string(pipeline.StatusBlocked), reason, now(), runKey,
	)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	return nil
}

// LogEvent appends one row to the pipeline event log.
func (s *Store) LogEvent(runKey, event, stage string, attempt int, detail string) error {
	_, err := s.conn.Exec(
		`INSERT INTO pipeline_events (run_key, event, stage, attempt, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runKey, event, stage, attempt, detail, now(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns a run's event log in insertion order.
func (s *Store) ListEvents(runKey string) ([]Event, error) {
	rows, err := s.conn.Query(
		`SELECT id, run_key, event, stage, attempt, detail, timestamp
		 FROM pipeline_events WHERE run_key = ? ORDER BY id`,
		runKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.RunKey, &e.Event, &e.Stage, &e.Attempt, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectRun = `SELECT id, run_key, event_id, repo, branch, commit_sha, error_message,
       status, attempt_count, blocked_reason,
       plan_json, plan_decision_json, patch_diff, patch_decision_json,
       validation_json, pr_json,
       last_pr_url, last_pr_created_at, last_attempt_at,
       created_at, updated_at
FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                                       Run
		status                                    string
		planJSON, planDec, patchDec, valJSON, pr  sql.NullString
		patchDiff, lastPRAt, lastAttemptAt        sql.NullString
		createdAt, updatedAt                      string
	)
	err := row.Scan(
		&run.ID, &run.RunKey, &run.EventID, &run.Repo, &run.Branch, &run.CommitSHA, &run.ErrorMessage,
		&status, &run.AttemptCount, &run.BlockedReason,
		&planJSON, &planDec, &patchDiff, &patchDec,
		&valJSON, &pr,
		&run.LastPRURL, &lastPRAt, &lastAttemptAt,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Status = pipeline.Status(status)
	run.PatchDiff = patchDiff.String
	if err := unmarshalField(planJSON, &run.Plan); err != nil {
		return nil, err
	}
	if err := unmarshalField(planDec, &run.PlanDecision); err != nil {
		return nil, err
	}
	if err := unmarshalField(patchDec, &run.PatchDecision); err != nil {
		return nil, err
	}
	if err := unmarshalField(valJSON, &run.Validation); err != nil {
		return nil, err
	}
	if err := unmarshalField(pr, &run.PR); err != nil {
		return nil, err
	}
	run.LastPRCreatedAt = parseNullTime(lastPRAt)
	run.LastAttemptAt = parseNullTime(lastAttemptAt)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &run, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalField serializes a pointer-to-struct artifact, mapping nil to
// SQL NULL.
func marshalField(v any) (any, error) {
	if v == nil || isNilPointer(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}
	return string(b), nil
}

func unmarshalField(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("unmarshal artifact: %w", err)
	}
	return nil
}

func isNilPointer(v any) bool {
	switch x := v.(type) {
	case *pipeline.FixPlan:
		return x == nil
	case *policy.Decision:
		return x == nil
	case *pipeline.ValidationResult:
		return x == nil
	case *pipeline.PRResult:
		return x == nil
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
