package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/api"
	"github.com/flowforge-ai/flowforge/types"
	"github.com/flowforge-ai/flowforge/workflow"
)

// HITLHandler serves the human-approval endpoints.
type HITLHandler struct {
	orch   *workflow.Orchestrator
	logger *zap.Logger
}

func NewHITLHandler(orch *workflow.Orchestrator, logger *zap.Logger) *HITLHandler {
	return &HITLHandler{
		orch:   orch,
		logger: logger.With(zap.String("component", "hitl_handler")),
	}
}

// HandleListPending serves GET /api/v1/hitl?workflow_id=.
func (h *HITLHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")

	requests, err := h.orch.ListPendingHITL(r.Context(), workflowID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

// HandleApprove serves POST /api/v1/hitl/{id}/approve. Approval resumes the
// paused workflow on the orchestrator's worker pool.
func (h *HITLHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "request id is required", h.logger)
		return
	}

	var req api.ApproveRequest
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}

	if err := h.orch.ApproveHITL(r.Context(), requestID, req.ResponderID, req.Response); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{
		"request_id": requestID,
		"status":     "approved",
	})
}

// HandleReject serves POST /api/v1/hitl/{id}/reject. Rejection fails the
// entire owning workflow.
func (h *HITLHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "request id is required", h.logger)
		return
	}

	var req api.RejectRequest
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}

	if err := h.orch.RejectHITL(r.Context(), requestID, req.ResponderID, req.Reason); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{
		"request_id": requestID,
		"status":     "rejected",
	})
}
