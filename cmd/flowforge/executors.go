package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/workflow"
)

// builtinAgents is the default agent backend: it echoes its input back as
// the node result. Deployments wire real LLM agents by constructing the
// orchestrator with their own AgentExecutor.
func builtinAgents(logger *zap.Logger) workflow.AgentExecutorFunc {
	return func(ctx context.Context, agentID string, input map[string]any) workflow.Result {
		logger.Debug("builtin agent invoked", zap.String("agent_id", agentID))
		return workflow.Ok(map[string]any{
			"agent_id": agentID,
			"echo":     input,
		})
	}
}

// builtinTools is the default tool backend with a small set of general
// purpose tools: echo, sleep, and http_get.
func builtinTools(logger *zap.Logger) workflow.ToolExecutorFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, toolName string, params map[string]any) workflow.Result {
		logger.Debug("builtin tool invoked", zap.String("tool", toolName))
		switch toolName {
		case "echo":
			return workflow.Ok(map[string]any{"echo": params})

		case "sleep":
			d := time.Second
			if raw, ok := params["duration"].(string); ok {
				parsed, err := time.ParseDuration(raw)
				if err != nil {
					return workflow.Fail(fmt.Sprintf("invalid duration %q: %v", raw, err))
				}
				d = parsed
			}
			select {
			case <-time.After(d):
				return workflow.Ok(map[string]any{"slept": d.String()})
			case <-ctx.Done():
				return workflow.Fail(ctx.Err().Error())
			}

		case "http_get":
			url, ok := params["url"].(string)
			if !ok || url == "" {
				return workflow.Fail("http_get requires a url parameter")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return workflow.Fail(err.Error())
			}
			resp, err := client.Do(req)
			if err != nil {
				return workflow.Fail(err.Error())
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return workflow.Fail(err.Error())
			}
			return workflow.Ok(map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			})

		default:
			return workflow.Fail(fmt.Sprintf("unknown tool: %s", toolName))
		}
	}
}
