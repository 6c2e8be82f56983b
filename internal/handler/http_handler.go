// Package handler exposes the approval engine over REST.
package handler

import (
	"encoding/json"
	goerrors "errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// HTTPHandler handles HTTP requests for the approval engine.
type HTTPHandler struct {
	registry *service.RegistryService
	service  *service.ApprovalService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(registry *service.RegistryService, svc *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{registry: registry, service: svc, log: log}
}

// RegisterRoutes wires all approval routes onto the router.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	// Workflow config administration.
	r.HandleFunc("/approvals/config/workflows", h.ListConfigs).Methods(http.MethodGet)
	r.HandleFunc("/approvals/config/workflows", h.CreateConfig).Methods(http.MethodPost)
	r.HandleFunc("/approvals/config/workflows/{id}", h.GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/approvals/config/workflows/{id}", h.UpdateConfig).Methods(http.MethodPut)
	r.HandleFunc("/approvals/config/workflows/{id}", h.DeleteConfig).Methods(http.MethodDelete)

	// Enumerations for admin UIs.
	r.HandleFunc("/approvals/config/entity-types", h.ListEntityTypes).Methods(http.MethodGet)
	r.HandleFunc("/approvals/config/approval-modes", h.ListApprovalModes).Methods(http.MethodGet)
	r.HandleFunc("/approvals/config/expiration-actions", h.ListExpirationActions).Methods(http.MethodGet)

	// Approver inbox.
	r.HandleFunc("/approvals/decisions/pending", h.ListPending).Methods(http.MethodGet)
	r.HandleFunc("/approvals/decisions/pending/count", h.CountPending).Methods(http.MethodGet)

	// Decisions. {id} is the approval request ID; the approver comes from
	// the gateway identity header.
	r.HandleFunc("/approvals/decisions/{id}/approve", h.Approve).Methods(http.MethodPost)
	r.HandleFunc("/approvals/decisions/{id}/reject", h.Reject).Methods(http.MethodPost)
	r.HandleFunc("/approvals/decisions/{id}/delegate", h.Delegate).Methods(http.MethodPost)

	// Request lifecycle.
	r.HandleFunc("/approvals/requests", h.CreateRequest).Methods(http.MethodPost)
	r.HandleFunc("/approvals/requests/entity/{type}/{id}", h.GetRequestByEntity).Methods(http.MethodGet)
	r.HandleFunc("/approvals/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	r.HandleFunc("/approvals/requests/{id}", h.CancelRequest).Methods(http.MethodDelete)
	r.HandleFunc("/approvals/requests/{id}/resubmit", h.Resubmit).Methods(http.MethodPost)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// ── workflow configs ─────────────────────────────────────────────────────────

// ListConfigs handles GET /approvals/config/workflows.
func (h *HTTPHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))

	configs, err := h.registry.ListConfigs(r.Context(), entityType, activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": configs, "total": len(configs)})
}

// CreateConfig handles POST /approvals/config/workflows.
func (h *HTTPHandler) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg repository.WorkflowConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if err := h.registry.CreateConfig(r.Context(), &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &cfg)
}

// GetConfig handles GET /approvals/config/workflows/{id}.
func (h *HTTPHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.GetConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /approvals/config/workflows/{id}.
func (h *HTTPHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg repository.WorkflowConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	cfg.ID = mux.Vars(r)["id"]
	if err := h.registry.UpdateConfig(r.Context(), &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &cfg)
}

// DeleteConfig handles DELETE /approvals/config/workflows/{id}. Configs are
// deactivated, never removed, so historical requests keep their reference.
func (h *HTTPHandler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteConfig(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── enumerations ─────────────────────────────────────────────────────────────

// ListEntityTypes handles GET /approvals/config/entity-types.
func (h *HTTPHandler) ListEntityTypes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"entity_types": repository.EntityTypes})
}

// ListApprovalModes handles GET /approvals/config/approval-modes.
func (h *HTTPHandler) ListApprovalModes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"approval_modes": repository.ApprovalModes})
}

// ListExpirationActions handles GET /approvals/config/expiration-actions.
func (h *HTTPHandler) ListExpirationActions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"expiration_actions": repository.ExpirationActions})
}

// ── approver inbox ───────────────────────────────────────────────────────────

// ListPending handles GET /approvals/decisions/pending.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	items, err := h.service.PendingForApprover(r.Context(), actor, r.URL.Query().Get("entity_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// CountPending handles GET /approvals/decisions/pending/count.
func (h *HTTPHandler) CountPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	counts, total, err := h.service.PendingCounts(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"by_entity_type": counts, "total": total})
}

// ── decisions ────────────────────────────────────────────────────────────────

type decideBody struct {
	Notes     *string            `json:"notes,omitempty"`
	Condition *service.Condition `json:"condition,omitempty"`
}

// Approve handles POST /approvals/decisions/{id}/approve.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, repository.DecisionApproved)
}

// Reject handles POST /approvals/decisions/{id}/reject.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, repository.DecisionRejected)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, verdict string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var body decideBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
			return
		}
	}

	req, err := h.service.Decide(r.Context(), mux.Vars(r)["id"], actor, verdict, body.Notes, body.Condition)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Delegate handles POST /approvals/decisions/{id}/delegate.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		DelegateID string  `json:"delegate_id"`
		Notes      *string `json:"notes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.service.Delegate(r.Context(), mux.Vars(r)["id"], actor, body.DelegateID, body.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ── request lifecycle ────────────────────────────────────────────────────────

// CreateRequest handles POST /approvals/requests, the entry point for the
// originating HR modules (leave, trips, expenses, trainings).
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		Title      string         `json:"title"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		Approvers  []string       `json:"approvers,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.service.CreateRequest(r.Context(), &service.CreateRequestInput{
		EntityType:  body.EntityType,
		EntityID:    body.EntityID,
		RequesterID: actor,
		Title:       body.Title,
		Metadata:    body.Metadata,
		Approvers:   body.Approvers,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest handles GET /approvals/requests/{id}.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	includeHistory, _ := strconv.ParseBool(r.URL.Query().Get("include_history"))
	detail, err := h.service.GetRequest(r.Context(), mux.Vars(r)["id"], includeHistory)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// GetRequestByEntity handles GET /approvals/requests/entity/{type}/{id},
// returning the latest request for the business entity.
func (h *HTTPHandler) GetRequestByEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	detail, err := h.service.GetRequestByEntity(r.Context(), vars["type"], vars["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// CancelRequest handles DELETE /approvals/requests/{id}.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason *string `json:"reason,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
			return
		}
	}

	if err := h.service.Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": repository.StatusCancelled})
}

// Resubmit handles POST /approvals/requests/{id}/resubmit.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	fresh, err := h.service.Resubmit(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, fresh)
}

// Health handles GET /health.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "missing "+middleware.ActorHeader+" header"))
		return "", false
	}
	return actor, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	msg := err.Error()
	var coded *errors.Error
	if goerrors.As(err, &coded) {
		msg = coded.Message
	}
	h.writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: msg}})
}

func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeConfigValidation:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden, errors.ErrCodeSelfApprovalNotAllowed, errors.ErrCodeNotAnAssignedApprover:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyDecided, errors.ErrCodeRequestNotPending,
		errors.ErrCodeInvalidStateTransition, errors.ErrCodeConcurrentModification:
		return http.StatusConflict
	case errors.ErrCodeNoApplicableWorkflow, errors.ErrCodeNoApproversAssigned:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
