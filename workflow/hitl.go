package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/graph"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/types"
)

// defaultHITLMessage is used when a checkpoint node declares no prompt.
const defaultHITLMessage = "Approval required"

// parkHITLNode persists a node's waiting_hitl transition and opens its
// approval request. At most one pending request exists per parked node;
// re-parking an already-requested node is a no-op.
func (o *Orchestrator) parkHITLNode(ctx context.Context, workflowID string, entry hitlEntry) {
	status := string(graph.NodeStatusWaitingHITL)
	if err := o.store.UpdateNode(ctx, workflowID, entry.nodeID, store.NodeUpdate{Status: &status}, nil); err != nil {
		o.logger.Error("failed to persist waiting_hitl transition",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", entry.nodeID),
			zap.Error(err),
		)
		return
	}

	if _, open, err := o.store.FindOpenHITL(ctx, workflowID, entry.nodeID); err != nil {
		o.logger.Error("failed to check for open HITL request",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", entry.nodeID),
			zap.Error(err),
		)
		return
	} else if open {
		return
	}

	message := entry.message
	if message == "" {
		message = defaultHITLMessage
	}
	req := &store.HITLRecord{
		RequestID:  uuid.NewString(),
		WorkflowID: workflowID,
		NodeID:     entry.nodeID,
		Message:    message,
		Status:     store.HITLStatusPending,
		CreatedAt:  time.Now(),
	}
	event := o.event(workflowID, store.EventHITLRequested, map[string]any{
		"node_id":    entry.nodeID,
		"request_id": req.RequestID,
	})
	if err := o.store.CreateHITL(ctx, req, event); err != nil {
		if types.IsCode(err, types.ErrDuplicateRequest) {
			// Lost a race with a concurrent activation; the open
			// request it created stands.
			return
		}
		o.logger.Error("failed to create HITL request",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", entry.nodeID),
			zap.Error(err),
		)
		return
	}
	o.metrics.HITLRequested()
	o.logger.Info("HITL request opened",
		zap.String("workflow_id", workflowID),
		zap.String("node_id", entry.nodeID),
		zap.String("request_id", req.RequestID),
	)
}

// ListPendingHITL returns open approval requests, optionally scoped to one
// workflow.
func (o *Orchestrator) ListPendingHITL(ctx context.Context, workflowID string) ([]*store.HITLRecord, error) {
	return o.store.ListPendingHITL(ctx, workflowID)
}

// ApproveHITL resolves a pending request as approved: the checkpoint node
// completes with {approved: true, response: <text>} and the workflow's
// execution loop resumes on the worker pool. A request that does not exist
// returns NOT_FOUND; one already resolved returns ALREADY_RESOLVED with no
// side effects, so a double-click cannot apply twice.
func (o *Orchestrator) ApproveHITL(ctx context.Context, requestID, responderID, responseText string) error {
	req, err := o.store.GetHITL(ctx, requestID)
	if err != nil {
		return err
	}
	wf, err := o.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status != store.WorkflowStatusRunning {
		return types.Errorf(types.ErrWorkflowTerminal,
			"workflow %s is %s", req.WorkflowID, wf.Status)
	}

	now := time.Now()
	payload := map[string]any{"approved": true, "response": responseText}
	result := mustJSON(payload)
	completedStatus := string(graph.NodeStatusCompleted)
	nodeUpd := store.NodeUpdate{
		Status:      &completedStatus,
		CompletedAt: &now,
		Result:      &result,
	}
	event := o.event(req.WorkflowID, store.EventHITLApproved, map[string]any{
		"node_id":    req.NodeID,
		"request_id": requestID,
		"user_id":    responderID,
	})
	res := store.HITLResolution{
		Status:      store.HITLStatusApproved,
		RespondedAt: now,
		RespondedBy: responderID,
		Response:    responseText,
	}
	if err := o.store.ResolveHITL(ctx, requestID, res, &nodeUpd, event); err != nil {
		return err
	}

	if r, err := o.getRun(ctx, req.WorkflowID); err == nil {
		r.mu.Lock()
		if n, ok := r.graph.GetNode(req.NodeID); ok {
			n.Status = graph.NodeStatusCompleted
			n.Result = payload
		}
		r.mu.Unlock()
	}

	o.metrics.HITLResolved(store.HITLStatusApproved)
	o.logger.Info("HITL request approved",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("request_id", requestID),
		zap.String("responded_by", responderID),
	)

	o.submitActivation(req.WorkflowID)
	return nil
}

// RejectHITL resolves a pending request as rejected and fails the entire
// workflow, including branches independent of the rejected checkpoint: a
// human veto aborts the whole workflow, not just the blocked branch. The
// node itself stays in waiting_hitl; the workflow-level failure is the
// terminal fact. Same NOT_FOUND / ALREADY_RESOLVED / WORKFLOW_TERMINAL
// behavior as ApproveHITL: a rejection arriving after the workflow was
// cancelled or failed must not overwrite the terminal status.
func (o *Orchestrator) RejectHITL(ctx context.Context, requestID, responderID, reason string) error {
	req, err := o.store.GetHITL(ctx, requestID)
	if err != nil {
		return err
	}
	wf, err := o.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status != store.WorkflowStatusRunning {
		return types.Errorf(types.ErrWorkflowTerminal,
			"workflow %s is %s", req.WorkflowID, wf.Status)
	}

	now := time.Now()
	event := o.event(req.WorkflowID, store.EventHITLRejected, map[string]any{
		"node_id":    req.NodeID,
		"request_id": requestID,
		"user_id":    responderID,
		"reason":     reason,
	})
	res := store.HITLResolution{
		Status:      store.HITLStatusRejected,
		RespondedAt: now,
		RespondedBy: responderID,
		Response:    reason,
	}
	if err := o.store.ResolveHITL(ctx, requestID, res, nil, event); err != nil {
		return err
	}

	errMsg := "HITL rejected: " + reason
	failedStatus := store.WorkflowStatusFailed
	upd := store.WorkflowUpdate{
		Status:      &failedStatus,
		CompletedAt: &now,
		Error:       &errMsg,
	}
	failEvent := o.event(req.WorkflowID, store.EventWorkflowFailed, map[string]any{"error": errMsg})
	if err := o.store.UpdateWorkflow(ctx, req.WorkflowID, upd, failEvent); err != nil {
		return err
	}

	if r, ok := o.lookupRun(req.WorkflowID); ok {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
	o.dropRun(req.WorkflowID)

	o.metrics.HITLResolved(store.HITLStatusRejected)
	o.metrics.WorkflowFinished(store.WorkflowStatusFailed)
	o.logger.Info("HITL request rejected, workflow failed",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("request_id", requestID),
		zap.String("responded_by", responderID),
		zap.String("reason", reason),
	)
	return nil
}
