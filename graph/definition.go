package graph

import (
	"encoding/json"
	"sort"

	"github.com/flowforge-ai/flowforge/types"
)

// Definition is the serializable DAG definition consumed by the
// orchestrator. It is typically produced by a planner and exchanged as JSON.
type Definition struct {
	// DAGID identifies the definition.
	DAGID string `json:"dag_id"`
	// Name is the human-readable workflow name.
	Name string `json:"name,omitempty"`
	// Description describes the workflow.
	Description string `json:"description,omitempty"`
	// Nodes contains all node definitions.
	Nodes []NodeDefinition `json:"nodes"`
	// StartNodes lists the entry nodes. It must equal the set of nodes
	// with no dependencies; this is validated, not merely documented.
	StartNodes []string `json:"start_nodes"`
}

// NodeDefinition is a serializable node definition.
type NodeDefinition struct {
	// NodeID is the unique node identifier.
	NodeID string `json:"node_id"`
	// NodeType is one of agent, tool, human_in_loop.
	NodeType string `json:"node_type"`
	// AgentID names the agent to run (agent nodes).
	AgentID string `json:"agent_id,omitempty"`
	// ToolName names the tool to run (tool nodes).
	ToolName string `json:"tool_name,omitempty"`
	// Message is the approval prompt (human_in_loop nodes).
	Message string `json:"message,omitempty"`
	// Config is the opaque executor input.
	Config map[string]any `json:"config,omitempty"`
	// Dependencies lists node IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
}

// ParseDefinition decodes a JSON DAG definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed DAG definition").WithCause(err)
	}
	return &def, nil
}

// Build materializes and validates a Graph from the definition. The node
// type is resolved to the closed enum here, once; a cyclic or otherwise
// invalid definition is rejected and never executed.
func (d *Definition) Build() (*Graph, error) {
	if d.DAGID == "" {
		return nil, types.NewError(types.ErrValidation, "dag_id is required")
	}
	if len(d.Nodes) == 0 {
		return nil, types.NewError(types.ErrValidation, "definition has no nodes")
	}

	g := New(d.DAGID, d.Name)
	for _, nd := range d.Nodes {
		if nd.NodeID == "" {
			return nil, types.NewError(types.ErrValidation, "node_id is required")
		}
		if _, dup := g.GetNode(nd.NodeID); dup {
			return nil, types.Errorf(types.ErrValidation, "duplicate node_id %q", nd.NodeID)
		}
		nt, err := ParseNodeType(nd.NodeType)
		if err != nil {
			return nil, err
		}
		switch nt {
		case NodeTypeAgent:
			if nd.AgentID == "" {
				return nil, types.Errorf(types.ErrValidation, "agent node %q has no agent_id", nd.NodeID)
			}
		case NodeTypeTool:
			if nd.ToolName == "" {
				return nil, types.Errorf(types.ErrValidation, "tool node %q has no tool_name", nd.NodeID)
			}
		}
		cfg := nd.Config
		if cfg == nil {
			cfg = make(map[string]any)
		}
		g.AddNode(&Node{
			ID:           nd.NodeID,
			Type:         nt,
			AgentID:      nd.AgentID,
			ToolName:     nd.ToolName,
			Message:      nd.Message,
			Config:       cfg,
			Dependencies: append([]string(nil), nd.Dependencies...),
		})
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := d.validateStartNodes(g); err != nil {
		return nil, err
	}
	return g, nil
}

// validateStartNodes checks that start_nodes equals the set of nodes with
// empty dependencies.
func (d *Definition) validateStartNodes(g *Graph) error {
	want := make([]string, 0)
	for _, n := range g.StartNodes() {
		want = append(want, n.ID)
	}
	got := append([]string(nil), d.StartNodes...)
	sort.Strings(want)
	sort.Strings(got)

	if len(want) != len(got) {
		return types.Errorf(types.ErrBadStartNodes,
			"start_nodes mismatch: declared %v, dependency-free nodes %v", got, want)
	}
	for i := range want {
		if want[i] != got[i] {
			return types.Errorf(types.ErrBadStartNodes,
				"start_nodes mismatch: declared %v, dependency-free nodes %v", got, want)
		}
	}
	return nil
}
