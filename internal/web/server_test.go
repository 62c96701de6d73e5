package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/admission"
	"github.com/lucasnoah/fixfactory/internal/config"
	"github.com/lucasnoah/fixfactory/internal/coord"
	"github.com/lucasnoah/fixfactory/internal/dispatch"
	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "factory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	d := dispatch.New(dispatch.Opts{
		Store:     s,
		Admission: admission.NewControl(s, zap.NewNop()),
		Gate:      coord.NewGate(rdb, zap.NewNop()),
		Config:    config.Default().Factory,
		Log:       zap.NewNop(),
	})
	return NewServer(s, d, zap.NewNop(), ":0"), s
}

func postEvent(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPostEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := postEvent(t, h, `{"event_id":"ev-1","delivery_id":"d-1","repo":"acme/widgets","branch":"main","commit_sha":"abc"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["disposition"] != "admitted" || resp["run_key"] != "ev-1" {
		t.Errorf("resp = %v", resp)
	}
}

func TestPostEventDuplicate(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body := `{"event_id":"ev-1","delivery_id":"d-1","repo":"acme/widgets"}`
	postEvent(t, h, body)
	w := postEvent(t, h, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["disposition"] != "duplicate" {
		t.Errorf("resp = %v", resp)
	}
}

func TestPostEventValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if w := postEvent(t, h, `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", w.Code)
	}
	if w := postEvent(t, h, `{"repo":"acme/widgets"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing event_id status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", w.Code)
	}
}

func TestGetRuns(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()

	for _, id := range []string{"ev-1", "ev-2"} {
		if _, _, err := s.GetOrCreateRun(pipeline.FailureEvent{EventID: id, Repo: "acme/widgets", Branch: "main"}); err != nil {
			t.Fatalf("seed run: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Errorf("runs = %d", len(resp.Runs))
	}
}

func TestGetRunByKey(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()

	if _, _, err := s.GetOrCreateRun(pipeline.FailureEvent{EventID: "ev-1", Repo: "acme/widgets", Branch: "main"}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	_ = s.LogEvent("ev-1", "attempt_started", "planning", 1, "")

	req := httptest.NewRequest(http.MethodGet, "/api/runs/ev-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["run_key"] != "ev-1" || resp["status"] != "pending" {
		t.Errorf("resp = %v", resp)
	}
	if _, ok := resp["events"]; !ok {
		t.Error("expected events in run detail")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
