package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"publishsync/internal/health"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"publishsync/internal/tracking"
	"publishsync/internal/workspace"
	"testing"
)

const testDescriptor = `
modules:
  - id: shop
    type: jst.ear
    source: shop-ear
    children:
      - {id: web, type: jst.web, source: shop-web}
`

const testAPIKey = "secret"

type testServer struct {
	t       *testing.T
	dir     string
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"shop-ear/META-INF/application.xml": "<application/>",
		"shop-web/index.html":               "<html/>",
	} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	d, err := workspace.ParseDescriptor([]byte(testDescriptor))
	if err != nil {
		t.Fatalf("ParseDescriptor failed: %v", err)
	}
	ws, err := workspace.New(d, dir)
	if err != nil {
		t.Fatalf("workspace.New failed: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	store, err := tracking.Open(filepath.Join(dir, "state.cbor"), logger)
	if err != nil {
		t.Fatalf("tracking.Open failed: %v", err)
	}
	svc, err := reconcile.NewService(reconcile.Config{Workspace: ws, Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	checker := health.NewChecker().Require("tracking", store)
	return &testServer{
		t:   t,
		dir: dir,
		handler: NewRouter(RouterConfig{
			Service:       svc,
			HealthChecker: checker,
			APIKey:        testAPIKey,
		}),
	}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoDependencies(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_Readyz_DegradedStillServes(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker().
		Require("tracking", health.ReadinessFunc(func(context.Context) error { return nil })).
		Prefer("docker", health.ReadinessFunc(func(context.Context) error { return errors.New("no daemon") }))
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)
	if response.Status != health.StatusDegraded {
		t.Errorf("Expected status degraded, got %s", response.Status)
	}
}

func TestRouter_PublishFlow(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/v1/decisions", `{"path":"shop"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body)
	}
	decision := decodeBody[reconcile.Result](t, w)
	if decision.Decision != publish.DecisionFull || decision.Scope != reconcile.ScopeDeep || decision.Kind != publish.KindAuto {
		t.Errorf("unexpected first decision %+v", decision)
	}

	w = s.do(http.MethodPost, "/v1/publishes", `{"path":"shop"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body)
	}
	published := decodeBody[PublishResponse](t, w)
	if published.Path.Key() != "shop" || published.Recorded != 2 {
		t.Errorf("unexpected publish response %+v", published)
	}

	w = s.do(http.MethodPost, "/v1/decisions", `{"path":"shop","kind":"incremental","scope":"shallow"}`)
	if got := decodeBody[reconcile.Result](t, w); got.Decision != publish.DecisionNone {
		t.Errorf("decision after publish = %s, want none", got.Decision)
	}

	w = s.do(http.MethodPost, "/v1/full-marks", `{"path":"shop/web"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusNoContent, w.Code, w.Body)
	}

	w = s.do(http.MethodPost, "/v1/plans", `{"path":"shop","kind":"auto"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body)
	}
	var plan struct {
		Root     string `json:"root"`
		Decision string `json:"decision"`
		Nodes    []struct {
			Path     string `json:"path"`
			State    string `json:"state"`
			Decision string `json:"decision"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.Root != "shop" || plan.Decision != "full" || len(plan.Nodes) != 2 {
		t.Errorf("unexpected plan %+v", plan)
	}
	for _, n := range plan.Nodes {
		if n.Path == "shop/web" && (n.State != "full" || n.Decision != "full") {
			t.Errorf("marked module reported as %+v", n)
		}
	}

	w = s.do(http.MethodGet, "/v1/structure?path=shop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body)
	}
	if got := decodeBody[StructureResponse](t, w); got.Changed || got.Path.Key() != "shop" {
		t.Errorf("unexpected structure response %+v", got)
	}
}

func TestRouter_ErrorStatuses(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
		code   string
	}{
		{"malformed json", http.MethodPost, "/v1/decisions", `{"path": shop}`, http.StatusBadRequest, "invalid_request"},
		{"empty body", http.MethodPost, "/v1/decisions", "", http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/v1/decisions", `{"path":"shop","mode":"x"}`, http.StatusBadRequest, "invalid_request"},
		{"empty path", http.MethodPost, "/v1/decisions", `{"path":""}`, http.StatusBadRequest, "invalid_request"},
		{"unknown kind", http.MethodPost, "/v1/decisions", `{"path":"shop","kind":"partial"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown scope", http.MethodPost, "/v1/decisions", `{"path":"shop","scope":"wide"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown module", http.MethodPost, "/v1/decisions", `{"path":"ghost"}`, http.StatusNotFound, "not_found"},
		{"plan unknown module", http.MethodPost, "/v1/plans", `{"path":"ghost"}`, http.StatusNotFound, "not_found"},
		{"structure without path", http.MethodGet, "/v1/structure", "", http.StatusBadRequest, "invalid_request"},
		{"mark unpublished", http.MethodPost, "/v1/full-marks", `{"path":"shop"}`, http.StatusNotFound, "not_found"},
		{"publish unknown module", http.MethodPost, "/v1/publishes", `{"path":"ghost"}`, http.StatusNotFound, "not_found"},
		{"wrong method", http.MethodGet, "/v1/decisions", "", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.target, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body)
			}
			if tt.want != http.StatusMethodNotAllowed {
				resp := decodeBody[ErrorResponse](t, w)
				if resp.Error == "" || resp.Code != tt.code {
					t.Errorf("unexpected error body %+v, want code %q", resp, tt.code)
				}
			}
		})
	}
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", bytes.NewBufferString(`{"path":"shop"}`))
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/livez", nil)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("probes must not require auth, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected ready service, got %d: %s", w.Code, w.Body)
	}
}

func TestRouter_RequestID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/livez", "")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("expected propagated request ID, got %q", got)
	}
}
