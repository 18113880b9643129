package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/types"
	"github.com/flowforge-ai/flowforge/workflow"
)

// newTestServer wires an orchestrator over a memory store with echo
// executors behind the real route table.
func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	orch := workflow.New(workflow.Options{
		Store: st,
		Agents: workflow.AgentExecutorFunc(func(ctx context.Context, agentID string, input map[string]any) workflow.Result {
			return workflow.Ok(map[string]any{"agent": agentID})
		}),
		Tools: workflow.ToolExecutorFunc(func(ctx context.Context, toolName string, params map[string]any) workflow.Result {
			return workflow.Ok(map[string]any{"tool": toolName})
		}),
		Logger: zap.NewNop(),
	})

	logger := zap.NewNop()
	wfHandler := NewWorkflowHandler(orch, logger)
	hitlHandler := NewHITLHandler(orch, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", wfHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/workflows", wfHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wfHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", wfHandler.HandleEvents)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", wfHandler.HandleCancel)
	mux.HandleFunc("GET /api/v1/hitl", hitlHandler.HandleListPending)
	mux.HandleFunc("POST /api/v1/hitl/{id}/approve", hitlHandler.HandleApprove)
	mux.HandleFunc("POST /api/v1/hitl/{id}/reject", hitlHandler.HandleReject)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func startDefinition() map[string]any {
	return map[string]any{
		"dag_id": "api-test",
		"nodes": []map[string]any{
			{"node_id": "step", "node_type": "tool", "tool_name": "echo"},
		},
		"start_nodes": []string{"step"},
		"user_id":     "tester",
	}
}

func waitForWorkflow(t *testing.T, st *store.MemoryStore, id, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := st.GetWorkflow(t.Context(), id)
		require.NoError(t, err)
		if wf.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s", id, status)
}

func TestHandleStartAndGet(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", startDefinition())
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	env := decodeResponse(t, resp)
	require.True(t, env.Success)

	data := env.Data.(map[string]any)
	id := data["workflow_id"].(string)
	require.NotEmpty(t, id)
	waitForWorkflow(t, st, id, store.WorkflowStatusCompleted)

	getResp, err := http.Get(srv.URL + "/api/v1/workflows/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	getEnv := decodeResponse(t, getResp)
	require.True(t, getEnv.Success)

	snapshot := getEnv.Data.(map[string]any)
	wf := snapshot["workflow"].(map[string]any)
	assert.Equal(t, store.WorkflowStatusCompleted, wf["status"])
	assert.Equal(t, "tester", wf["created_by"])
}

func TestHandleStart_InvalidDefinition(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"dag_id": "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeResponse(t, resp)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrValidation), env.Error.Code)
}

func TestHandleGet_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/workflows/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeResponse(t, resp)
	assert.Equal(t, string(types.ErrNotFound), env.Error.Code)
}

func TestHandleEvents(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", startDefinition())
	env := decodeResponse(t, resp)
	id := env.Data.(map[string]any)["workflow_id"].(string)
	waitForWorkflow(t, st, id, store.WorkflowStatusCompleted)

	evResp, err := http.Get(srv.URL + "/api/v1/workflows/" + id + "/events")
	require.NoError(t, err)
	evEnv := decodeResponse(t, evResp)
	require.True(t, evEnv.Success)

	events := evEnv.Data.(map[string]any)["events"].([]any)
	first := events[0].(map[string]any)
	assert.Equal(t, store.EventWorkflowStarted, first["event_type"])
	last := events[len(events)-1].(map[string]any)
	assert.Equal(t, store.EventWorkflowCompleted, last["event_type"])
}

func TestHITLEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	def := map[string]any{
		"dag_id": "gated",
		"nodes": []map[string]any{
			{"node_id": "gate", "node_type": "human_in_loop", "message": "ok?"},
			{"node_id": "after", "node_type": "tool", "tool_name": "echo", "dependencies": []string{"gate"}},
		},
		"start_nodes": []string{"gate"},
	}
	resp := postJSON(t, srv.URL+"/api/v1/workflows", def)
	env := decodeResponse(t, resp)
	id := env.Data.(map[string]any)["workflow_id"].(string)

	// Wait for the checkpoint to open its request.
	var requestID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := st.ListPendingHITL(t.Context(), id)
		require.NoError(t, err)
		if len(pending) > 0 {
			requestID = pending[0].RequestID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, requestID)

	listResp, err := http.Get(srv.URL + "/api/v1/hitl?workflow_id=" + id)
	require.NoError(t, err)
	listEnv := decodeResponse(t, listResp)
	assert.Equal(t, float64(1), listEnv.Data.(map[string]any)["count"])

	approveResp := postJSON(t, srv.URL+"/api/v1/hitl/"+requestID+"/approve",
		map[string]any{"responder_id": "alice", "response": "go"})
	assert.Equal(t, http.StatusOK, approveResp.StatusCode)
	approveResp.Body.Close()

	waitForWorkflow(t, st, id, store.WorkflowStatusCompleted)

	// A rejection against the now-completed workflow conflicts.
	rejectResp := postJSON(t, srv.URL+"/api/v1/hitl/"+requestID+"/reject",
		map[string]any{"responder_id": "bob", "reason": "nope"})
	assert.Equal(t, http.StatusConflict, rejectResp.StatusCode)
	rejectEnv := decodeResponse(t, rejectResp)
	assert.Equal(t, string(types.ErrWorkflowTerminal), rejectEnv.Error.Code)
}

func TestHandleCancel(t *testing.T) {
	srv, st := newTestServer(t)

	def := map[string]any{
		"dag_id": "cancellable",
		"nodes": []map[string]any{
			{"node_id": "gate", "node_type": "human_in_loop"},
		},
		"start_nodes": []string{"gate"},
	}
	resp := postJSON(t, srv.URL+"/api/v1/workflows", def)
	env := decodeResponse(t, resp)
	id := env.Data.(map[string]any)["workflow_id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := st.ListPendingHITL(t.Context(), id)
		require.NoError(t, err)
		if len(pending) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelResp := postJSON(t, srv.URL+"/api/v1/workflows/"+id+"/cancel",
		map[string]any{"user_id": "operator"})
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)
	cancelResp.Body.Close()

	waitForWorkflow(t, st, id, store.WorkflowStatusCancelled)

	// Cancelling a terminal workflow conflicts.
	again := postJSON(t, srv.URL+"/api/v1/workflows/"+id+"/cancel", map[string]any{})
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	again.Body.Close()
}
