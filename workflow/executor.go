package workflow

import "context"

// Result is the outcome of one agent or tool invocation. Success false
// marks the node failed with Error as the failure detail; the orchestrator
// does not retry.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failed result.
func Fail(errMsg string) Result {
	return Result{Success: false, Error: errMsg}
}

// AgentExecutor runs agent nodes. Implementations are external
// collaborators injected at orchestrator construction; the orchestrator
// never reaches into a process-wide registry.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, agentID string, input map[string]any) Result
}

// ToolExecutor runs tool nodes. The call may be local or a network call to
// a remote tool server; the orchestrator is indifferent.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolName string, params map[string]any) Result
}

// AgentExecutorFunc adapts a function to AgentExecutor.
type AgentExecutorFunc func(ctx context.Context, agentID string, input map[string]any) Result

func (f AgentExecutorFunc) ExecuteAgent(ctx context.Context, agentID string, input map[string]any) Result {
	return f(ctx, agentID, input)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, toolName string, params map[string]any) Result

func (f ToolExecutorFunc) ExecuteTool(ctx context.Context, toolName string, params map[string]any) Result {
	return f(ctx, toolName, params)
}
