package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/api"
	"github.com/flowforge-ai/flowforge/types"
	"github.com/flowforge-ai/flowforge/workflow"
)

// WorkflowHandler serves the workflow lifecycle endpoints.
type WorkflowHandler struct {
	orch   *workflow.Orchestrator
	logger *zap.Logger
}

func NewWorkflowHandler(orch *workflow.Orchestrator, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orch:   orch,
		logger: logger.With(zap.String("component", "workflow_handler")),
	}
}

// HandleStart serves POST /api/v1/workflows.
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartWorkflowRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	workflowID, err := h.orch.StartWorkflow(r.Context(), &req.Definition, workflow.SessionContext{
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: api.StartWorkflowResponse{
			WorkflowID: workflowID,
			Status:     "running",
		},
	})
}

// HandleGet serves GET /api/v1/workflows/{id}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "workflow id is required", h.logger)
		return
	}

	snapshot, err := h.orch.GetWorkflowStatus(r.Context(), workflowID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snapshot)
}

// HandleList serves GET /api/v1/workflows?status=&limit=.
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "limit must be an integer between 1 and 500", h.logger)
			return
		}
		limit = n
	}

	workflows, err := h.orch.ListWorkflows(r.Context(), status, limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// HandleEvents serves GET /api/v1/workflows/{id}/events: the append-only
// audit log in insertion order.
func (h *WorkflowHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "workflow id is required", h.logger)
		return
	}

	events, err := h.orch.ListEvents(r.Context(), workflowID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"workflow_id": workflowID,
		"events":      events,
		"count":       len(events),
	})
}

// HandleCancel serves POST /api/v1/workflows/{id}/cancel.
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "workflow id is required", h.logger)
		return
	}

	var req api.CancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}

	if err := h.orch.CancelWorkflow(r.Context(), workflowID, req.UserID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{
		"workflow_id": workflowID,
		"status":      "cancelled",
	})
}
