package store

import (
	"context"
	"time"
)

// WorkflowStatus values persisted in the workflows table.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusCancelled = "cancelled"
)

// HITLStatus values persisted in the hitl_requests table.
const (
	HITLStatusPending   = "pending"
	HITLStatusApproved  = "approved"
	HITLStatusRejected  = "rejected"
	HITLStatusCancelled = "cancelled"
)

// WorkflowRecord is the current-state row for one workflow.
type WorkflowRecord struct {
	WorkflowID  string     `gorm:"primaryKey;column:workflow_id" json:"workflow_id"`
	DAGID       string     `gorm:"column:dag_id;index" json:"dag_id"`
	Name        string     `gorm:"column:name" json:"name,omitempty"`
	SessionID   string     `gorm:"column:session_id" json:"session_id,omitempty"`
	CreatedBy   string     `gorm:"column:created_by" json:"created_by,omitempty"`
	Status      string     `gorm:"column:status;index" json:"status"`
	GraphJSON   string     `gorm:"column:graph_json;type:text" json:"-"`
	Result      string     `gorm:"column:result;type:text" json:"result,omitempty"`
	Error       string     `gorm:"column:error;type:text" json:"error,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName maps the record to the workflows table.
func (WorkflowRecord) TableName() string { return "workflows" }

// NodeRecord is the current-state row for one node of one workflow.
type NodeRecord struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"-"`
	WorkflowID  string     `gorm:"column:workflow_id;uniqueIndex:idx_workflow_node" json:"workflow_id"`
	NodeID      string     `gorm:"column:node_id;uniqueIndex:idx_workflow_node" json:"node_id"`
	NodeType    string     `gorm:"column:node_type" json:"node_type"`
	AgentID     string     `gorm:"column:agent_id" json:"agent_id,omitempty"`
	ToolName    string     `gorm:"column:tool_name" json:"tool_name,omitempty"`
	Status      string     `gorm:"column:status;index" json:"status"`
	Config      string     `gorm:"column:config;type:text" json:"config,omitempty"`
	Result      string     `gorm:"column:result;type:text" json:"result,omitempty"`
	Error       string     `gorm:"column:error;type:text" json:"error,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName maps the record to the workflow_nodes table.
func (NodeRecord) TableName() string { return "workflow_nodes" }

// EventRecord is one append-only audit entry. Events are never mutated or
// deleted.
type EventRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowID string    `gorm:"column:workflow_id;index" json:"workflow_id"`
	EventType  string    `gorm:"column:event_type" json:"event_type"`
	EventData  string    `gorm:"column:event_data;type:text" json:"event_data,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName maps the record to the workflow_events table.
func (EventRecord) TableName() string { return "workflow_events" }

// HITLRecord is the current-state row for one human-in-the-loop request.
type HITLRecord struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"-"`
	RequestID   string     `gorm:"column:request_id;uniqueIndex" json:"request_id"`
	WorkflowID  string     `gorm:"column:workflow_id;index" json:"workflow_id"`
	NodeID      string     `gorm:"column:node_id" json:"node_id"`
	Message     string     `gorm:"column:message;type:text" json:"message"`
	Status      string     `gorm:"column:status;index" json:"status"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	RespondedAt *time.Time `gorm:"column:responded_at" json:"responded_at,omitempty"`
	RespondedBy string     `gorm:"column:responded_by" json:"responded_by,omitempty"`
	Response    string     `gorm:"column:response;type:text" json:"response,omitempty"`
}

// TableName maps the record to the hitl_requests table.
func (HITLRecord) TableName() string { return "hitl_requests" }

// NodeUpdate is a partial update of a node row. Nil fields are untouched.
type NodeUpdate struct {
	Status      *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *string
	Error       *string
}

// WorkflowUpdate is a partial update of a workflow row. Nil fields are
// untouched.
type WorkflowUpdate struct {
	Status      *string
	CompletedAt *time.Time
	Result      *string
	Error       *string
}

// HITLResolution resolves an open request.
type HITLResolution struct {
	Status      string
	RespondedAt time.Time
	RespondedBy string
	Response    string
}

// Store is the durable event/state store: an append-only event log plus a
// current-state projection mutated in place. Every projection mutation is
// paired with its event append in one logical transaction; losing that
// pairing would leave state transitions with no audit record.
type Store interface {
	// CreateWorkflow persists a new workflow with its node rows and the
	// workflow_started event, atomically.
	CreateWorkflow(ctx context.Context, wf *WorkflowRecord, nodes []*NodeRecord, event *EventRecord) error

	// GetWorkflow returns the workflow row, or a NOT_FOUND error.
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error)

	// ListWorkflows returns workflow rows, newest first, optionally
	// filtered by status. limit <= 0 means no limit.
	ListWorkflows(ctx context.Context, status string, limit int) ([]*WorkflowRecord, error)

	// GetNodes returns all node rows of a workflow.
	GetNodes(ctx context.Context, workflowID string) ([]*NodeRecord, error)

	// UpdateNode applies a partial node update paired with an event append.
	// A nil event records no event (used for pure bookkeeping transitions
	// such as skip propagation).
	UpdateNode(ctx context.Context, workflowID, nodeID string, upd NodeUpdate, event *EventRecord) error

	// UpdateWorkflow applies a partial workflow update paired with an
	// event append.
	UpdateWorkflow(ctx context.Context, workflowID string, upd WorkflowUpdate, event *EventRecord) error

	// CreateHITL persists a new pending request paired with the
	// hitl_requested event. At most one pending request exists per
	// (workflow, node); a second create returns DUPLICATE_REQUEST and
	// writes nothing.
	CreateHITL(ctx context.Context, req *HITLRecord, event *EventRecord) error

	// GetHITL returns a request by ID, or a NOT_FOUND error.
	GetHITL(ctx context.Context, requestID string) (*HITLRecord, error)

	// FindOpenHITL returns the pending request for a node, if any.
	FindOpenHITL(ctx context.Context, workflowID, nodeID string) (*HITLRecord, bool, error)

	// ListPendingHITL returns pending requests, optionally scoped to one
	// workflow (empty workflowID means all workflows).
	ListPendingHITL(ctx context.Context, workflowID string) ([]*HITLRecord, error)

	// ResolveHITL transitions a pending request to approved/rejected,
	// optionally applies a node update, and appends the event, atomically.
	// Returns NOT_FOUND if the request does not exist and ALREADY_RESOLVED
	// if its status is no longer pending.
	ResolveHITL(ctx context.Context, requestID string, res HITLResolution, nodeUpd *NodeUpdate, event *EventRecord) error

	// ListEvents returns the event log of a workflow in append order.
	ListEvents(ctx context.Context, workflowID string) ([]*EventRecord, error)
}
