package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-ai/flowforge/types"
)

func validDefinition() *Definition {
	return &Definition{
		DAGID: "demo",
		Name:  "demo workflow",
		Nodes: []NodeDefinition{
			{NodeID: "fetch", NodeType: "tool", ToolName: "http_get"},
			{NodeID: "review", NodeType: "human_in_loop", Message: "ok?", Dependencies: []string{"fetch"}},
			{NodeID: "act", NodeType: "agent", AgentID: "writer", Dependencies: []string{"review"}},
		},
		StartNodes: []string{"fetch"},
	}
}

func TestBuild_Valid(t *testing.T) {
	t.Parallel()

	g, err := validDefinition().Build()
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, "demo", g.ID())

	fetch, ok := g.GetNode("fetch")
	require.True(t, ok)
	assert.Equal(t, NodeTypeTool, fetch.Type)
	assert.Equal(t, NodeStatusPending, fetch.Status)
}

func TestBuild_RequiresDAGID(t *testing.T) {
	t.Parallel()

	def := validDefinition()
	def.DAGID = ""
	_, err := def.Build()
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestBuild_RequiresNodes(t *testing.T) {
	t.Parallel()

	def := &Definition{DAGID: "empty"}
	_, err := def.Build()
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestBuild_RejectsDuplicateNodeID(t *testing.T) {
	t.Parallel()

	def := validDefinition()
	def.Nodes = append(def.Nodes, NodeDefinition{NodeID: "fetch", NodeType: "tool", ToolName: "x"})
	_, err := def.Build()
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestBuild_RejectsUnknownNodeType(t *testing.T) {
	t.Parallel()

	def := validDefinition()
	def.Nodes[0].NodeType = "condition"
	_, err := def.Build()
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestBuild_TypeSpecificFields(t *testing.T) {
	t.Parallel()

	t.Run("agent requires agent_id", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[2].AgentID = ""
		_, err := def.Build()
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	})

	t.Run("tool requires tool_name", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[0].ToolName = ""
		_, err := def.Build()
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	})
}

func TestBuild_RejectsCycle(t *testing.T) {
	t.Parallel()

	def := validDefinition()
	def.Nodes[0].Dependencies = []string{"act"}
	def.StartNodes = nil
	_, err := def.Build()
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestBuild_StartNodesMustMatchDependencyFreeSet(t *testing.T) {
	t.Parallel()

	t.Run("missing start node", func(t *testing.T) {
		def := validDefinition()
		def.StartNodes = nil
		_, err := def.Build()
		require.Error(t, err)
		assert.Equal(t, types.ErrBadStartNodes, types.GetErrorCode(err))
	})

	t.Run("extra start node", func(t *testing.T) {
		def := validDefinition()
		def.StartNodes = []string{"fetch", "act"}
		_, err := def.Build()
		require.Error(t, err)
		assert.Equal(t, types.ErrBadStartNodes, types.GetErrorCode(err))
	})
}

func TestParseDefinition(t *testing.T) {
	t.Parallel()

	raw := `{
		"dag_id": "wire",
		"nodes": [
			{"node_id": "a", "node_type": "tool", "tool_name": "echo", "config": {"x": 1}},
			{"node_id": "b", "node_type": "agent", "agent_id": "planner", "dependencies": ["a"]}
		],
		"start_nodes": ["a"]
	}`
	def, err := ParseDefinition([]byte(raw))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "wire", def.DAGID)

	g, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	_, err = ParseDefinition([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}
