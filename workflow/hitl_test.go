package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/graph"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/types"
)

// gatedDefinition is the canonical checkpoint shape: fetch -> review
// (human) -> act, where act consumes fetch's result.
func gatedDefinition() *graph.Definition {
	return &graph.Definition{
		DAGID:      "gated",
		StartNodes: []string{"fetch"},
		Nodes: []graph.NodeDefinition{
			{NodeID: "fetch", NodeType: "tool", ToolName: "fetch"},
			{
				NodeID:       "review",
				NodeType:     "human_in_loop",
				Message:      "Approve publishing ${fetch.result.title}?",
				Dependencies: []string{"fetch"},
			},
			{
				NodeID:       "act",
				NodeType:     "agent",
				AgentID:      "publisher",
				Dependencies: []string{"review"},
				Config:       map[string]any{"title": "${fetch.result.title}"},
			},
		},
	}
}

func TestHITL_PauseAndApproveResumes(t *testing.T) {
	h := newHarness(t)
	h.exec.results["fetch"] = map[string]any{"title": "Q3 numbers"}

	id, err := h.orch.StartWorkflow(context.Background(), gatedDefinition(), SessionContext{})
	require.NoError(t, err)

	req := h.waitForPendingHITL(t, id)
	assert.Equal(t, "review", req.NodeID)
	// The prompt had its token substituted from the upstream result.
	assert.Equal(t, "Approve publishing Q3 numbers?", req.Message)

	// Paused, not finished: the workflow row stays running and the
	// downstream node has not been dispatched.
	wf, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, "waiting_hitl", h.nodeStatus(t, id, "review"))
	assert.Equal(t, -1, h.exec.indexOf("publisher"))

	require.NoError(t, h.orch.ApproveHITL(context.Background(), req.RequestID, "alice", "ship it"))

	h.waitForWorkflowStatus(t, id, store.WorkflowStatusCompleted)
	assert.Equal(t, "completed", h.nodeStatus(t, id, "review"))
	assert.Equal(t, "completed", h.nodeStatus(t, id, "act"))

	// The checkpoint's stored result carries the approval payload.
	nodes, err := h.store.GetNodes(context.Background(), id)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID == "review" {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(n.Result), &payload))
			assert.Equal(t, true, payload["approved"])
			assert.Equal(t, "ship it", payload["response"])
		}
	}

	events := h.eventTypes(t, id)
	assert.Contains(t, events, store.EventHITLRequested)
	assert.Contains(t, events, store.EventHITLApproved)
	assert.Equal(t, store.EventWorkflowCompleted, events[len(events)-1])
}

func TestHITL_RejectFailsEntireWorkflow(t *testing.T) {
	h := newHarness(t)
	// An unrelated branch that would take a while: rejection must not wait
	// for it or spare it.
	def := &graph.Definition{
		DAGID:      "veto",
		StartNodes: []string{"gate", "other"},
		Nodes: []graph.NodeDefinition{
			{NodeID: "gate", NodeType: "human_in_loop", Message: "ok?"},
			toolNode("other", "other"),
			toolNode("after_gate", "after_gate", "gate"),
			toolNode("after_other", "after_other", "other"),
		},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)
	req := h.waitForPendingHITL(t, id)

	require.NoError(t, h.orch.RejectHITL(context.Background(), req.RequestID, "bob", "not today"))

	wf := h.waitForWorkflowStatus(t, id, store.WorkflowStatusFailed)
	assert.Equal(t, "HITL rejected: not today", wf.Error)

	// The rejected node is not retconned to failed; it stays waiting_hitl.
	assert.Equal(t, "waiting_hitl", h.nodeStatus(t, id, "gate"))

	got, err := h.store.GetHITL(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.HITLStatusRejected, got.Status)
	assert.Equal(t, "bob", got.RespondedBy)

	events := h.eventTypes(t, id)
	assert.Contains(t, events, store.EventHITLRejected)
	assert.Equal(t, store.EventWorkflowFailed, events[len(events)-1])
}

func TestHITL_ResolutionIsIdempotent(t *testing.T) {
	h := newHarness(t)

	def := &graph.Definition{
		DAGID:      "double-click",
		StartNodes: []string{"gate"},
		Nodes: []graph.NodeDefinition{
			{NodeID: "gate", NodeType: "human_in_loop"},
			toolNode("after", "after", "gate"),
		},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)
	req := h.waitForPendingHITL(t, id)

	require.NoError(t, h.orch.ApproveHITL(context.Background(), req.RequestID, "alice", "yes"))
	h.waitForWorkflowStatus(t, id, store.WorkflowStatusCompleted)

	// Second approval: ALREADY_RESOLVED, no second resume.
	err = h.orch.ApproveHITL(context.Background(), req.RequestID, "alice", "yes again")
	require.Error(t, err)

	// A rejection after approval must not fail the completed workflow;
	// the terminal-status guard turns it away before resolution.
	err = h.orch.RejectHITL(context.Background(), req.RequestID, "bob", "no")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowTerminal, types.GetErrorCode(err))

	wf, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowStatusCompleted, wf.Status)

	// The downstream node ran exactly once.
	count := 0
	for _, name := range h.exec.callOrder() {
		if name == "after" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHITL_ApproveUnknownRequest(t *testing.T) {
	h := newHarness(t)

	err := h.orch.ApproveHITL(context.Background(), "no-such-request", "alice", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestHITL_ApproveAfterCancelIsRejected(t *testing.T) {
	h := newHarness(t)

	def := &graph.Definition{
		DAGID:      "cancelled-gate",
		StartNodes: []string{"gate"},
		Nodes:      []graph.NodeDefinition{{NodeID: "gate", NodeType: "human_in_loop"}},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)
	req := h.waitForPendingHITL(t, id)

	require.NoError(t, h.orch.CancelWorkflow(context.Background(), id, "operator"))

	err = h.orch.ApproveHITL(context.Background(), req.RequestID, "alice", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowTerminal, types.GetErrorCode(err))
}

func TestHITL_ParallelGatesResolveIndependently(t *testing.T) {
	h := newHarness(t)

	def := &graph.Definition{
		DAGID:      "two-gates",
		StartNodes: []string{"gate_a", "gate_b"},
		Nodes: []graph.NodeDefinition{
			{NodeID: "gate_a", NodeType: "human_in_loop"},
			{NodeID: "gate_b", NodeType: "human_in_loop"},
			toolNode("join", "join", "gate_a", "gate_b"),
		},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)

	var reqs []*store.HITLRecord
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reqs, err = h.store.ListPendingHITL(context.Background(), id)
		require.NoError(t, err)
		if len(reqs) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, reqs, 2)

	// One approval is not enough; the join waits for both.
	require.NoError(t, h.orch.ApproveHITL(context.Background(), reqs[0].RequestID, "alice", ""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, -1, h.exec.indexOf("join"))
	wf, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowStatusRunning, wf.Status)

	require.NoError(t, h.orch.ApproveHITL(context.Background(), reqs[1].RequestID, "bob", ""))
	h.waitForWorkflowStatus(t, id, store.WorkflowStatusCompleted)
	assert.NotEqual(t, -1, h.exec.indexOf("join"))
}

// Approval through a fresh orchestrator over the same store exercises the
// rehydration path: the process that parked the workflow is gone.
func TestHITL_ResumeSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.exec.results["fetch"] = map[string]any{"title": "doc"}

	id, err := h.orch.StartWorkflow(context.Background(), gatedDefinition(), SessionContext{})
	require.NoError(t, err)
	req := h.waitForPendingHITL(t, id)

	// "Restart": a new orchestrator with the same store but empty
	// in-memory run state.
	exec2 := newRecordingExecutor()
	exec2.results["fetch"] = map[string]any{"title": "doc"}
	orch2 := New(Options{
		Store:  h.store,
		Agents: exec2,
		Tools:  exec2,
		Logger: zap.NewNop(),
	})
	t.Cleanup(orch2.pool.Close)

	require.NoError(t, orch2.ApproveHITL(context.Background(), req.RequestID, "alice", "go"))

	h.waitForWorkflowStatus(t, id, store.WorkflowStatusCompleted)
	assert.Equal(t, "completed", h.nodeStatus(t, id, "act"))

	// The resumed node saw the pre-restart result through the persisted
	// projection.
	nodes, err := h.store.GetNodes(context.Background(), id)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID == "act" {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(n.Result), &payload))
			input := payload["input"].(map[string]any)
			assert.Equal(t, "doc", input["title"])
		}
	}
}

func TestHITL_RejectAfterCancelIsRejected(t *testing.T) {
	h := newHarness(t)

	def := &graph.Definition{
		DAGID:      "cancelled-gate",
		StartNodes: []string{"gate"},
		Nodes:      []graph.NodeDefinition{{NodeID: "gate", NodeType: "human_in_loop"}},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)
	req := h.waitForPendingHITL(t, id)

	require.NoError(t, h.orch.CancelWorkflow(context.Background(), id, "operator"))

	// A late rejection must not overwrite the terminal cancelled status
	// with failed.
	err = h.orch.RejectHITL(context.Background(), req.RequestID, "bob", "too late")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowTerminal, types.GetErrorCode(err))

	wf, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowStatusCancelled, wf.Status)
	assert.Empty(t, wf.Error)

	events := h.eventTypes(t, id)
	assert.NotContains(t, events, store.EventWorkflowFailed)
	assert.Equal(t, store.EventWorkflowCancelled, events[len(events)-1])
}

func TestHITL_RejectSecondGateAfterFailure(t *testing.T) {
	h := newHarness(t)

	def := &graph.Definition{
		DAGID:      "two-gates",
		StartNodes: []string{"gate_a", "gate_b"},
		Nodes: []graph.NodeDefinition{
			{NodeID: "gate_a", NodeType: "human_in_loop"},
			{NodeID: "gate_b", NodeType: "human_in_loop"},
		},
	}
	id, err := h.orch.StartWorkflow(context.Background(), def, SessionContext{})
	require.NoError(t, err)

	var reqs []*store.HITLRecord
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reqs, err = h.store.ListPendingHITL(context.Background(), id)
		require.NoError(t, err)
		if len(reqs) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, reqs, 2)

	require.NoError(t, h.orch.RejectHITL(context.Background(), reqs[0].RequestID, "alice", "first veto"))
	wf := h.waitForWorkflowStatus(t, id, store.WorkflowStatusFailed)
	assert.Equal(t, "HITL rejected: first veto", wf.Error)

	// Rejecting the other gate must not re-fail the already-failed
	// workflow or append a second terminal event.
	err = h.orch.RejectHITL(context.Background(), reqs[1].RequestID, "bob", "second veto")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowTerminal, types.GetErrorCode(err))

	wf, err = h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "HITL rejected: first veto", wf.Error)

	failures := 0
	for _, ev := range h.eventTypes(t, id) {
		if ev == store.EventWorkflowFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}
