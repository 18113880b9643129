package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-ai/flowforge/types"
)

// buildChain creates a linear graph a -> b -> c of tool nodes.
func buildChain(t *testing.T) *Graph {
	t.Helper()
	g := New("chain", "chain")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "b", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a"}})
	g.AddNode(&Node{ID: "c", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"b"}})
	require.NoError(t, g.Validate())
	return g
}

func TestParseNodeType(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"agent", "tool", "human_in_loop"} {
		nt, err := ParseNodeType(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(nt))
	}

	for _, invalid := range []string{"", "condition", "loop", "AGENT", "hitl"} {
		_, err := ParseNodeType(invalid)
		require.Error(t, err)
		assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"ghost"}})

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownDependency, types.GetErrorCode(err))
}

func TestValidate_SelfDependency(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a"}})

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestValidate_Cycle(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"c"}})
	g.AddNode(&Node{ID: "b", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a"}})
	g.AddNode(&Node{ID: "c", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"b"}})

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestValidate_DiamondIsAcyclic(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "b", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a"}})
	g.AddNode(&Node{ID: "c", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a"}})
	g.AddNode(&Node{ID: "d", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"b", "c"}})

	assert.NoError(t, g.Validate())
}

func TestReadyNodes_Chain(t *testing.T) {
	t.Parallel()

	g := buildChain(t)

	ready := g.ReadyNodes(g.CompletedSet())
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	na, _ := g.GetNode("a")
	na.Status = NodeStatusCompleted

	ready = g.ReadyNodes(g.CompletedSet())
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestReadyNodes_ParallelFanOut(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "root", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "left", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"root"}})
	g.AddNode(&Node{ID: "right", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"root"}})
	require.NoError(t, g.Validate())

	root, _ := g.GetNode("root")
	root.Status = NodeStatusCompleted

	ready := g.ReadyNodes(g.CompletedSet())
	ids := make([]string, 0, len(ready))
	for _, n := range ready {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"left", "right"}, ids)
}

func TestReadyNodes_SkipPropagationCascades(t *testing.T) {
	t.Parallel()

	g := buildChain(t)
	na, _ := g.GetNode("a")
	na.Status = NodeStatusFailed

	ready := g.ReadyNodes(g.CompletedSet())
	assert.Empty(t, ready)

	nb, _ := g.GetNode("b")
	nc, _ := g.GetNode("c")
	assert.Equal(t, NodeStatusSkipped, nb.Status)
	assert.Equal(t, NodeStatusSkipped, nc.Status)
	assert.True(t, g.IsComplete())
	assert.True(t, g.HasFailure())
}

func TestReadyNodes_SkipDoesNotCrossBranches(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "bad", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "good", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "after_bad", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"bad"}})
	g.AddNode(&Node{ID: "after_good", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"good"}})
	require.NoError(t, g.Validate())

	bad, _ := g.GetNode("bad")
	bad.Status = NodeStatusFailed
	good, _ := g.GetNode("good")
	good.Status = NodeStatusCompleted

	ready := g.ReadyNodes(g.CompletedSet())
	require.Len(t, ready, 1)
	assert.Equal(t, "after_good", ready[0].ID)

	afterBad, _ := g.GetNode("after_bad")
	assert.Equal(t, NodeStatusSkipped, afterBad.Status)
}

func TestReadyNodes_WaitingHITLBlocksDependents(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "gate", Type: NodeTypeHITL})
	g.AddNode(&Node{ID: "after", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"gate"}})
	require.NoError(t, g.Validate())

	gate, _ := g.GetNode("gate")
	gate.Status = NodeStatusWaitingHITL

	// waiting_hitl is neither completed nor failed: the dependent stays
	// pending and nothing is skipped.
	ready := g.ReadyNodes(g.CompletedSet())
	assert.Empty(t, ready)

	after, _ := g.GetNode("after")
	assert.Equal(t, NodeStatusPending, after.Status)
	assert.False(t, g.IsComplete())
}

func TestStartNodes(t *testing.T) {
	t.Parallel()

	g := New("g", "")
	g.AddNode(&Node{ID: "a", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "b", Type: NodeTypeTool, ToolName: "t"})
	g.AddNode(&Node{ID: "c", Type: NodeTypeTool, ToolName: "t", Dependencies: []string{"a", "b"}})

	starts := g.StartNodes()
	ids := make([]string, 0, len(starts))
	for _, n := range starts {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestFirstError(t *testing.T) {
	t.Parallel()

	g := buildChain(t)
	assert.Empty(t, g.FirstError())

	nb, _ := g.GetNode("b")
	nb.Status = NodeStatusFailed
	nb.Error = "boom"
	assert.Equal(t, "boom", g.FirstError())
}
