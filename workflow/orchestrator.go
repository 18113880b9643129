package workflow

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge-ai/flowforge/graph"
	"github.com/flowforge-ai/flowforge/internal/metrics"
	"github.com/flowforge-ai/flowforge/internal/pool"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/types"
)

// runShards is the number of lock shards for the active-workflow map.
// Unrelated workflows never contend on one lock.
const runShards = 16

// SessionContext carries caller identity into a workflow start.
type SessionContext struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// WorkflowSnapshot is the read-only projection returned by
// GetWorkflowStatus, assembled from current-state rows.
type WorkflowSnapshot struct {
	Workflow        *store.WorkflowRecord `json:"workflow"`
	Nodes           []*store.NodeRecord   `json:"nodes"`
	PendingRequests []*store.HITLRecord   `json:"pending_requests,omitempty"`
}

// run is the in-memory state of one active workflow. All access to the
// graph goes through mu; the store serializes row writes per workflow the
// same way because every writer holds mu around its transition.
type run struct {
	mu        sync.Mutex
	graph     *graph.Graph
	cancelled bool
	// finalized guarantees at most one activation writes the terminal
	// event, even when an approval-triggered loop and a wave-finishing
	// loop both observe the graph complete.
	finalized bool
}

type runShard struct {
	mu   sync.Mutex
	runs map[string]*run
}

// Orchestrator owns one Graph per in-flight workflow, drives the
// activation loop, dispatches ready nodes to the injected executors, and
// implements the HITL pause/resume protocol. An activation is a resumable
// task submitted to a bounded worker pool; resumption never spawns
// unbounded goroutines.
type Orchestrator struct {
	store   store.Store
	agents  AgentExecutor
	tools   ToolExecutor
	pool    *pool.Pool
	metrics *metrics.Collector
	logger  *zap.Logger

	shards [runShards]runShard
}

// Options configures the orchestrator.
type Options struct {
	Store   store.Store
	Agents  AgentExecutor
	Tools   ToolExecutor
	Pool    *pool.Pool
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// New creates an orchestrator. Store, Agents, and Tools are required; a
// nil Pool gets a default-sized one.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := opts.Pool
	if p == nil {
		p = pool.New(pool.DefaultConfig())
	}
	o := &Orchestrator{
		store:   opts.Store,
		agents:  opts.Agents,
		tools:   opts.Tools,
		pool:    p,
		metrics: opts.Metrics,
		logger:  logger.With(zap.String("component", "orchestrator")),
	}
	for i := range o.shards {
		o.shards[i].runs = make(map[string]*run)
	}
	return o
}

// StartWorkflow validates and materializes the definition, persists the
// workflow with status running, records workflow_started, and schedules
// the first activation. It returns as soon as the workflow is persisted;
// execution proceeds on the worker pool.
func (o *Orchestrator) StartWorkflow(ctx context.Context, def *graph.Definition, sess SessionContext) (string, error) {
	g, err := def.Build()
	if err != nil {
		return "", err
	}

	workflowID := uuid.NewString()
	now := time.Now()

	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to serialize definition").WithCause(err)
	}

	wf := &store.WorkflowRecord{
		WorkflowID: workflowID,
		DAGID:      def.DAGID,
		Name:       def.Name,
		SessionID:  sess.SessionID,
		CreatedBy:  sess.UserID,
		Status:     store.WorkflowStatusRunning,
		GraphJSON:  string(defJSON),
		CreatedAt:  now,
		StartedAt:  &now,
	}
	nodes := make([]*store.NodeRecord, 0, g.Len())
	for _, n := range g.Nodes() {
		nodes = append(nodes, &store.NodeRecord{
			WorkflowID: workflowID,
			NodeID:     n.ID,
			NodeType:   string(n.Type),
			AgentID:    n.AgentID,
			ToolName:   n.ToolName,
			Status:     string(graph.NodeStatusPending),
			Config:     mustJSON(n.Config),
		})
	}
	event := o.event(workflowID, store.EventWorkflowStarted, map[string]any{
		"dag_id":  def.DAGID,
		"user_id": sess.UserID,
	})
	if err := o.store.CreateWorkflow(ctx, wf, nodes, event); err != nil {
		return "", err
	}

	o.registerRun(workflowID, &run{graph: g})
	o.metrics.WorkflowStarted()
	o.logger.Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("dag_id", def.DAGID),
		zap.Int("nodes", g.Len()),
	)

	o.submitActivation(workflowID)
	return workflowID, nil
}

// GetWorkflowStatus returns the current-state projection of a workflow.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowSnapshot, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.GetNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.ListPendingHITL(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowSnapshot{Workflow: wf, Nodes: nodes, PendingRequests: pending}, nil
}

// ListWorkflows returns workflow rows, optionally filtered by status.
func (o *Orchestrator) ListWorkflows(ctx context.Context, status string, limit int) ([]*store.WorkflowRecord, error) {
	return o.store.ListWorkflows(ctx, status, limit)
}

// ListEvents returns the audit log of one workflow.
func (o *Orchestrator) ListEvents(ctx context.Context, workflowID string) ([]*store.EventRecord, error) {
	return o.store.ListEvents(ctx, workflowID)
}

// CancelWorkflow terminates a running workflow at the operator's request.
// Nothing cancels a workflow automatically: one parked on a HITL
// checkpoint stays running until a human resolves or cancels it.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, userID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != store.WorkflowStatusRunning && wf.Status != store.WorkflowStatusPending {
		return types.Errorf(types.ErrWorkflowTerminal, "workflow %s is %s", workflowID, wf.Status)
	}

	now := time.Now()
	status := store.WorkflowStatusCancelled
	upd := store.WorkflowUpdate{Status: &status, CompletedAt: &now}
	event := o.event(workflowID, store.EventWorkflowCancelled, map[string]any{"user_id": userID})
	if err := o.store.UpdateWorkflow(ctx, workflowID, upd, event); err != nil {
		return err
	}

	if r, ok := o.lookupRun(workflowID); ok {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
	o.dropRun(workflowID)

	// Open approval requests die with the workflow; nothing actionable
	// remains for a responder, so close them out of the pending list.
	if pending, err := o.store.ListPendingHITL(ctx, workflowID); err == nil {
		for _, req := range pending {
			res := store.HITLResolution{
				Status:      store.HITLStatusCancelled,
				RespondedAt: now,
				RespondedBy: userID,
				Response:    "workflow cancelled",
			}
			if err := o.store.ResolveHITL(ctx, req.RequestID, res, nil, nil); err != nil {
				if !types.IsCode(err, types.ErrAlreadyResolved) {
					o.logger.Warn("failed to close HITL request on cancel",
						zap.String("workflow_id", workflowID),
						zap.String("request_id", req.RequestID),
						zap.Error(err),
					)
				}
				continue
			}
			o.metrics.HITLResolved(store.HITLStatusCancelled)
		}
	}

	o.metrics.WorkflowFinished(status)
	o.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	return nil
}

// ResumeInFlight schedules an activation for every workflow persisted as
// running. Call it once at process start: workflows parked on a checkpoint
// when the previous process stopped re-enter the loop, re-ensure their
// approval requests, and either park again or finish. Without this a
// workflow that crashed between parking a node and opening its request
// would wait forever with nothing for a responder to act on.
func (o *Orchestrator) ResumeInFlight(ctx context.Context) (int, error) {
	wfs, err := o.store.ListWorkflows(ctx, store.WorkflowStatusRunning, 0)
	if err != nil {
		return 0, err
	}
	for _, wf := range wfs {
		o.submitActivation(wf.WorkflowID)
	}
	return len(wfs), nil
}

// ---------------------------------------------------------------------------
// Activation loop
// ---------------------------------------------------------------------------

// dispatchItem is an immutable snapshot of one node to execute, taken
// under the run lock so executors never touch shared graph state.
type dispatchItem struct {
	nodeID   string
	nodeType graph.NodeType
	agentID  string
	toolName string
	input    map[string]any
}

// preFailure is a node failed before dispatch (bad template reference).
type preFailure struct {
	nodeID string
	errMsg string
}

// hitlEntry is a node newly parked in waiting_hitl.
type hitlEntry struct {
	nodeID  string
	message string
}

// activation is the outcome of one readiness evaluation.
type activation struct {
	stop       bool
	finalize   bool
	failed     bool
	errMsg     string
	skipped    []string
	preFailed  []preFailure
	waiting    []hitlEntry
	dispatches []dispatchItem
}

func (o *Orchestrator) submitActivation(workflowID string) {
	task := func(ctx context.Context) error {
		o.runLoop(ctx, workflowID)
		return nil
	}
	if err := o.pool.Submit(task); err != nil {
		// The pool bound protects against unbounded resume storms; a
		// saturated pool still must not lose the activation.
		o.logger.Warn("worker pool saturated, running activation inline",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		go o.runLoop(context.Background(), workflowID)
	}
}

// runLoop is one activation of the execution loop. It runs at workflow
// start and again on every HITL approval, and terminates either by
// finalizing the workflow or by parking it on open HITL requests. A parked
// workflow holds no goroutine, no lock, and no blocking call.
func (o *Orchestrator) runLoop(ctx context.Context, workflowID string) {
	r, err := o.getRun(ctx, workflowID)
	if err != nil {
		o.logger.Warn("activation skipped",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return
	}

	for {
		act := o.evaluate(r)

		if act.stop {
			return
		}

		for _, nodeID := range act.skipped {
			// Skip propagation is bookkeeping, not an executed
			// transition; the row changes without an event.
			status := string(graph.NodeStatusSkipped)
			if err := o.store.UpdateNode(ctx, workflowID, nodeID, store.NodeUpdate{Status: &status}, nil); err != nil {
				o.logger.Error("failed to persist skip",
					zap.String("workflow_id", workflowID),
					zap.String("node_id", nodeID),
					zap.Error(err),
				)
			}
			o.metrics.NodeFinished(string(graph.NodeStatusSkipped))
		}

		for _, pf := range act.preFailed {
			o.persistNodeFailure(ctx, workflowID, pf.nodeID, pf.errMsg)
		}

		for _, w := range act.waiting {
			o.parkHITLNode(ctx, workflowID, w)
		}

		if act.finalize {
			o.finalizeWorkflow(ctx, workflowID, act)
			return
		}

		if len(act.dispatches) == 0 {
			if len(act.skipped) > 0 || len(act.preFailed) > 0 {
				// The graph changed without any executor call; newly
				// unblocked or newly skippable nodes may exist.
				continue
			}
			// The only way a workflow stalls without completing is one
			// or more nodes awaiting a human. Park: the loop exits with
			// the workflow row still running.
			o.logger.Info("workflow paused awaiting human input",
				zap.String("workflow_id", workflowID),
				zap.Int("waiting_nodes", len(act.waiting)),
			)
			return
		}

		o.dispatchAll(ctx, workflowID, r, act.dispatches)
	}
}

// evaluate computes one readiness step under the run lock: it applies skip
// propagation, parks ready HITL nodes, resolves config templates, and
// marks dispatched nodes running so a concurrent activation can never
// dispatch them twice.
func (o *Orchestrator) evaluate(r *run) activation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var act activation
	if r.cancelled {
		act.stop = true
		return act
	}
	g := r.graph

	before := make(map[string]graph.NodeStatus, g.Len())
	for _, n := range g.Nodes() {
		before[n.ID] = n.Status
	}

	ready := g.ReadyNodes(g.CompletedSet())

	for _, n := range g.Nodes() {
		if n.Status == graph.NodeStatusSkipped && before[n.ID] != graph.NodeStatusSkipped {
			act.skipped = append(act.skipped, n.ID)
		}
	}

	if len(ready) == 0 {
		if g.IsComplete() {
			if r.finalized {
				act.stop = true
				return act
			}
			r.finalized = true
			act.finalize = true
			act.failed = g.HasFailure()
			act.errMsg = g.FirstError()
			return act
		}
		// Re-ensure requests for every parked node; re-parking is
		// idempotent, so a crash between parking and opening the request
		// heals on the next activation (ResumeInFlight schedules one at
		// startup).
		for _, n := range g.WaitingNodes() {
			act.waiting = append(act.waiting, hitlEntry{
				nodeID:  n.ID,
				message: renderMessage(n.Message, g),
			})
		}
		return act
	}

	for _, n := range ready {
		switch n.Type {
		case graph.NodeTypeHITL:
			// A checkpoint never executes; it only opens a request.
			n.Status = graph.NodeStatusWaitingHITL
			act.waiting = append(act.waiting, hitlEntry{
				nodeID:  n.ID,
				message: renderMessage(n.Message, g),
			})
		default:
			input, err := resolveConfig(n.Config, g)
			if err != nil {
				n.Status = graph.NodeStatusFailed
				n.Error = err.Error()
				act.preFailed = append(act.preFailed, preFailure{nodeID: n.ID, errMsg: err.Error()})
				continue
			}
			n.Status = graph.NodeStatusRunning
			act.dispatches = append(act.dispatches, dispatchItem{
				nodeID:   n.ID,
				nodeType: n.Type,
				agentID:  n.AgentID,
				toolName: n.ToolName,
				input:    input,
			})
		}
	}
	return act
}

// dispatchAll runs every ready node concurrently and waits for the wave to
// finish before the loop re-evaluates readiness. A slow node blocks only
// its own goroutine.
func (o *Orchestrator) dispatchAll(ctx context.Context, workflowID string, r *run, items []dispatchItem) {
	var eg errgroup.Group
	for _, item := range items {
		eg.Go(func() error {
			o.dispatchNode(ctx, workflowID, r, item)
			return nil
		})
	}
	_ = eg.Wait()
}

func (o *Orchestrator) dispatchNode(ctx context.Context, workflowID string, r *run, item dispatchItem) {
	startedAt := time.Now()
	runningStatus := string(graph.NodeStatusRunning)
	startEvent := o.event(workflowID, store.EventNodeStarted, map[string]any{
		"node_id":   item.nodeID,
		"node_type": string(item.nodeType),
	})
	upd := store.NodeUpdate{Status: &runningStatus, StartedAt: &startedAt}
	if err := o.store.UpdateNode(ctx, workflowID, item.nodeID, upd, startEvent); err != nil {
		o.logger.Error("failed to persist node start",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", item.nodeID),
			zap.Error(err),
		)
	}

	var res Result
	switch item.nodeType {
	case graph.NodeTypeAgent:
		res = o.agents.ExecuteAgent(ctx, item.agentID, item.input)
	case graph.NodeTypeTool:
		res = o.tools.ExecuteTool(ctx, item.toolName, item.input)
	default:
		res = Fail("node type is not dispatchable: " + string(item.nodeType))
	}
	duration := time.Since(startedAt)

	r.mu.Lock()
	n, _ := r.graph.GetNode(item.nodeID)
	if res.Success {
		n.Status = graph.NodeStatusCompleted
		n.Result = res.Output
	} else {
		n.Status = graph.NodeStatusFailed
		n.Error = res.Error
	}
	r.mu.Unlock()

	completedAt := time.Now()
	if res.Success {
		status := string(graph.NodeStatusCompleted)
		result := mustJSON(res.Output)
		event := o.event(workflowID, store.EventNodeCompleted, map[string]any{
			"node_id": item.nodeID,
			"result":  res.Output,
		})
		upd := store.NodeUpdate{Status: &status, CompletedAt: &completedAt, Result: &result}
		if err := o.store.UpdateNode(ctx, workflowID, item.nodeID, upd, event); err != nil {
			o.logger.Error("failed to persist node completion",
				zap.String("workflow_id", workflowID),
				zap.String("node_id", item.nodeID),
				zap.Error(err),
			)
		}
		o.metrics.NodeFinished(status)
		o.logger.Debug("node completed",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", item.nodeID),
			zap.Duration("duration", duration),
		)
	} else {
		o.persistNodeFailure(ctx, workflowID, item.nodeID, res.Error)
		o.logger.Warn("node failed",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", item.nodeID),
			zap.String("error", res.Error),
			zap.Duration("duration", duration),
		)
	}
	o.metrics.NodeDuration(string(item.nodeType), duration)
}

func (o *Orchestrator) persistNodeFailure(ctx context.Context, workflowID, nodeID, errMsg string) {
	now := time.Now()
	status := string(graph.NodeStatusFailed)
	event := o.event(workflowID, store.EventNodeFailed, map[string]any{
		"node_id": nodeID,
		"error":   errMsg,
	})
	upd := store.NodeUpdate{Status: &status, CompletedAt: &now, Error: &errMsg}
	if err := o.store.UpdateNode(ctx, workflowID, nodeID, upd, event); err != nil {
		o.logger.Error("failed to persist node failure",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", nodeID),
			zap.Error(err),
		)
	}
	o.metrics.NodeFinished(status)
}

func (o *Orchestrator) finalizeWorkflow(ctx context.Context, workflowID string, act activation) {
	now := time.Now()
	var (
		status string
		upd    store.WorkflowUpdate
		event  *store.EventRecord
	)
	if act.failed {
		status = store.WorkflowStatusFailed
		upd = store.WorkflowUpdate{Status: &status, CompletedAt: &now, Error: &act.errMsg}
		event = o.event(workflowID, store.EventWorkflowFailed, map[string]any{"error": act.errMsg})
	} else {
		status = store.WorkflowStatusCompleted
		result := mustJSON(map[string]any{"success": true})
		upd = store.WorkflowUpdate{Status: &status, CompletedAt: &now, Result: &result}
		event = o.event(workflowID, store.EventWorkflowCompleted, map[string]any{})
	}
	if err := o.store.UpdateWorkflow(ctx, workflowID, upd, event); err != nil {
		o.logger.Error("failed to finalize workflow",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return
	}
	o.dropRun(workflowID)
	o.metrics.WorkflowFinished(status)
	o.logger.Info("workflow finished",
		zap.String("workflow_id", workflowID),
		zap.String("status", status),
	)
}

// ---------------------------------------------------------------------------
// Active-workflow map
// ---------------------------------------------------------------------------

func (o *Orchestrator) shard(workflowID string) *runShard {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return &o.shards[h.Sum32()%runShards]
}

func (o *Orchestrator) registerRun(workflowID string, r *run) {
	s := o.shard(workflowID)
	s.mu.Lock()
	s.runs[workflowID] = r
	s.mu.Unlock()
}

func (o *Orchestrator) lookupRun(workflowID string) (*run, bool) {
	s := o.shard(workflowID)
	s.mu.Lock()
	r, ok := s.runs[workflowID]
	s.mu.Unlock()
	return r, ok
}

func (o *Orchestrator) dropRun(workflowID string) {
	s := o.shard(workflowID)
	s.mu.Lock()
	delete(s.runs, workflowID)
	s.mu.Unlock()
}

// getRun returns the in-memory run, rehydrating it from persisted state
// when the process has restarted since the workflow was parked.
func (o *Orchestrator) getRun(ctx context.Context, workflowID string) (*run, error) {
	if r, ok := o.lookupRun(workflowID); ok {
		return r, nil
	}

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != store.WorkflowStatusRunning {
		return nil, types.Errorf(types.ErrWorkflowTerminal, "workflow %s is %s", workflowID, wf.Status)
	}

	def, err := graph.ParseDefinition([]byte(wf.GraphJSON))
	if err != nil {
		return nil, err
	}
	g, err := def.Build()
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.GetNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, rec := range nodes {
		n, ok := g.GetNode(rec.NodeID)
		if !ok {
			continue
		}
		n.Status = graph.NodeStatus(rec.Status)
		n.Error = rec.Error
		if rec.Result != "" {
			var result map[string]any
			if err := json.Unmarshal([]byte(rec.Result), &result); err == nil {
				n.Result = result
			}
		}
	}

	r := &run{graph: g}
	s := o.shard(workflowID)
	s.mu.Lock()
	if existing, ok := s.runs[workflowID]; ok {
		r = existing
	} else {
		s.runs[workflowID] = r
	}
	s.mu.Unlock()

	o.logger.Info("workflow state rehydrated",
		zap.String("workflow_id", workflowID),
	)
	return r, nil
}

// event builds an audit record with JSON-encoded data.
func (o *Orchestrator) event(workflowID, eventType string, data map[string]any) *store.EventRecord {
	return &store.EventRecord{
		WorkflowID: workflowID,
		EventType:  eventType,
		EventData:  mustJSON(data),
		CreatedAt:  time.Now(),
	}
}
