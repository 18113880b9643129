package store

// Event types recorded in the workflow_events log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeFailed        = "node_failed"
	EventHITLRequested     = "hitl_requested"
	EventHITLApproved      = "hitl_approved"
	EventHITLRejected      = "hitl_rejected"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
)
