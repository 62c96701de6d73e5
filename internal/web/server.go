// Package web exposes the factory's JSON API: webhook intake, run
// inspection, health, and metrics.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/dispatch"
	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/store"
)

// Server handles the HTTP surface in front of the dispatcher.
type Server struct {
	store *store.Store
	disp  *dispatch.Dispatcher
	log   *zap.Logger
	addr  string
}

// NewServer creates a Server.
func NewServer(s *store.Store, d *dispatch.Dispatcher, log *zap.Logger, addr string) *Server {
	return &Server{store: s, disp: d, log: log, addr: addr}
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRun)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.Handler())
}

// eventRequest is the webhook intake payload.
type eventRequest struct {
	EventID        string `json:"event_id"`
	DeliveryID     string `json:"delivery_id"`
	Repo           string `json:"repo"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`
	ErrorMessage   string `json:"error_message"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventID == "" || req.Repo == "" {
		writeError(w, http.StatusBadRequest, "event_id and repo are required")
		return
	}

	ev := pipeline.FailureEvent{
		EventID:        req.EventID,
		DeliveryID:     req.DeliveryID,
		Repo:           req.Repo,
		Branch:         req.Branch,
		CommitSHA:      req.CommitSHA,
		ErrorMessage:   req.ErrorMessage,
		IdempotencyKey: req.IdempotencyKey,
	}
	res, err := s.disp.Ingest(r.Context(), ev)
	if err != nil {
		s.log.Error("ingest failed", zap.String("event_id", ev.EventID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	status := http.StatusAccepted
	body := map[string]any{
		"disposition": string(res.Disposition),
		"run_key":     res.RunKey,
	}
	switch res.Disposition {
	case dispatch.DispositionDuplicate:
		status = http.StatusOK
	case dispatch.DispositionRateLimited:
		body["retry_after_seconds"] = int(res.RetryAfter.Seconds())
	}
	writeJSON(w, status, body)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.store.ListRuns(r.URL.Query().Get("status"), 100)
	if err != nil {
		s.log.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runKey := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runKey == "" {
		writeError(w, http.StatusBadRequest, "run key required")
		return
	}
	run, err := s.store.GetRunByKey(runKey)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.log.Error("get run", zap.String("run_key", runKey), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}

	body := runSummary(run)
	body["plan"] = run.Plan
	body["plan_decision"] = run.PlanDecision
	body["patch_decision"] = run.PatchDecision
	body["validation"] = run.Validation
	body["pr"] = run.PR

	if events, err := s.store.ListEvents(runKey); err == nil {
		log := make([]map[string]any, 0, len(events))
		for _, e := range events {
			log = append(log, map[string]any{
				"event":     e.Event,
				"stage":     e.Stage,
				"attempt":   e.Attempt,
				"detail":    e.Detail,
				"timestamp": e.Timestamp,
			})
		}
		body["events"] = log
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func runSummary(run *store.Run) map[string]any {
	return map[string]any{
		"run_key":        run.RunKey,
		"event_id":       run.EventID,
		"repo":           run.Repo,
		"branch":         run.Branch,
		"commit_sha":     run.CommitSHA,
		"status":         string(run.Status),
		"attempt_count":  run.AttemptCount,
		"blocked_reason": run.BlockedReason,
		"last_pr_url":    run.LastPRURL,
		"created_at":     run.CreatedAt,
		"updated_at":     run.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
