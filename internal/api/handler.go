// Package api provides the HTTP API handlers and routing for the publish
// decision service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"publishsync/internal/apperrors"
	"publishsync/internal/health"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the publish API
type Handler struct {
	svc    *reconcile.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *reconcile.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// DecisionRequest is the body of POST /v1/decisions.
type DecisionRequest struct {
	Path  string `json:"path"`
	Kind  string `json:"kind,omitempty"`  // default auto
	Scope string `json:"scope,omitempty"` // default deep
}

// PlanRequest is the body of POST /v1/plans.
type PlanRequest struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// ModuleRequest is the body of requests naming a single module.
type ModuleRequest struct {
	Path string `json:"path"`
}

// StructureResponse is returned by GET /v1/structure.
type StructureResponse struct {
	Path    publish.Path `json:"path"`
	Changed bool         `json:"changed"`
}

// PublishResponse is returned by POST /v1/publishes.
type PublishResponse struct {
	Path      publish.Path `json:"path"`
	Recorded  int          `json:"recorded"`
	Forgotten int          `json:"forgotten"`
}

// Decide handles POST /v1/decisions
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	path, err := parsePath(req.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	scope, err := reconcile.ParseScope(req.Scope)
	if err != nil {
		h.handleError(w, r, apperrors.Validation("scope", err.Error()))
		return
	}

	resp, err := h.svc.Decide(r.Context(), reconcile.Request{Path: path, Kind: kind, Scope: scope})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Plan handles POST /v1/plans
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	path, err := parsePath(req.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp, err := h.svc.Plan(r.Context(), path, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Structure handles GET /v1/structure?path=
func (h *Handler) Structure(w http.ResponseWriter, r *http.Request) {
	path, err := parsePath(r.URL.Query().Get("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	changed, err := h.svc.StructureChanged(r.Context(), path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StructureResponse{Path: path, Changed: changed})
}

// Publish handles POST /v1/publishes - records a completed publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req ModuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	path, err := parsePath(req.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.svc.Commit(r.Context(), path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PublishResponse{Path: path, Recorded: result.Recorded, Forgotten: result.Forgotten})
}

// MarkFull handles POST /v1/full-marks
func (h *Handler) MarkFull(w http.ResponseWriter, r *http.Request) {
	var req ModuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	path, err := parsePath(req.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.svc.MarkFull(r.Context(), path); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a required dependency (tracking store, target registry)
// is unavailable. A degraded service still reports 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func parsePath(s string) (publish.Path, error) {
	p, err := publish.ParsePath(s)
	if err != nil {
		return nil, apperrors.Validation("path", err.Error())
	}
	return p, nil
}

func parseKind(s string) (publish.Kind, error) {
	k, err := publish.ParseKind(s)
	if err != nil {
		return "", apperrors.Validation("kind", err.Error())
	}
	return k, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.Code(err), err.Error())
}
