// Package api defines the request and response shapes of the HTTP surface.
package api

import "github.com/flowforge-ai/flowforge/graph"

// StartWorkflowRequest submits a DAG definition for execution.
type StartWorkflowRequest struct {
	graph.Definition
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// StartWorkflowResponse returns the identifier of a started workflow.
type StartWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// ApproveRequest resolves a pending approval positively.
type ApproveRequest struct {
	ResponderID string `json:"responder_id,omitempty"`
	Response    string `json:"response,omitempty"`
}

// RejectRequest resolves a pending approval negatively, failing the
// owning workflow.
type RejectRequest struct {
	ResponderID string `json:"responder_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CancelRequest terminates a running workflow.
type CancelRequest struct {
	UserID string `json:"user_id,omitempty"`
}
