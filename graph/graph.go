package graph

import (
	"github.com/flowforge-ai/flowforge/types"
)

// NodeType defines the type of a workflow node. The set is closed: a
// definition naming any other type is rejected at construction.
type NodeType string

const (
	// NodeTypeAgent dispatches to the agent executor.
	NodeTypeAgent NodeType = "agent"
	// NodeTypeTool dispatches to the tool executor.
	NodeTypeTool NodeType = "tool"
	// NodeTypeHITL suspends the workflow pending a human approve/reject.
	NodeTypeHITL NodeType = "human_in_loop"
)

// ParseNodeType resolves a node type string to the closed enum.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeAgent, NodeTypeTool, NodeTypeHITL:
		return NodeType(s), nil
	}
	return "", types.Errorf(types.ErrValidation, "unknown node type: %q", s)
}

// NodeStatus represents the execution status of a node.
type NodeStatus string

const (
	NodeStatusPending     NodeStatus = "pending"
	NodeStatusRunning     NodeStatus = "running"
	NodeStatusWaitingHITL NodeStatus = "waiting_hitl"
	NodeStatusCompleted   NodeStatus = "completed"
	NodeStatusFailed      NodeStatus = "failed"
	NodeStatusSkipped     NodeStatus = "skipped"
)

// IsTerminal reports whether the status permits no further transitions.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// Node represents a single unit of work in the workflow graph.
type Node struct {
	// ID is the node identifier, unique within a workflow.
	ID string
	// Type specifies the node type.
	Type NodeType
	// AgentID names the agent to execute (agent nodes).
	AgentID string
	// ToolName names the tool to execute (tool nodes).
	ToolName string
	// Message is the human-readable approval prompt (HITL nodes). It may
	// reference upstream results with ${node.result[.path]} tokens.
	Message string
	// Config is the opaque input passed to the executor. Values may
	// reference upstream results with ${node.result[.path]} tokens.
	Config map[string]any
	// Dependencies lists node IDs that must complete before this node
	// becomes ready.
	Dependencies []string
	// Status is the current execution status.
	Status NodeStatus
	// Result holds the success payload once the node completes.
	Result map[string]any
	// Error holds the failure detail once the node fails.
	Error string
}

// Graph is a directed acyclic graph of workflow nodes. Edges are implied
// by each node's dependency list. Graph is not safe for concurrent use;
// callers serialize access per workflow.
type Graph struct {
	id    string
	name  string
	nodes map[string]*Node
	// order preserves definition order for deterministic iteration.
	order []string
}

// New creates an empty graph.
func New(id, name string) *Graph {
	return &Graph{
		id:    id,
		name:  name,
		nodes: make(map[string]*Node),
	}
}

// ID returns the graph identifier (the dag_id it was built from).
func (g *Graph) ID() string { return g.id }

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddNode adds a node to the graph. A nil status defaults to pending.
func (g *Graph) AddNode(node *Node) {
	if node.Status == "" {
		node.Status = NodeStatusPending
	}
	if _, exists := g.nodes[node.ID]; !exists {
		g.order = append(g.order, node.ID)
	}
	g.nodes[node.ID] = node
}

// GetNode retrieves a node by ID.
func (g *Graph) GetNode(nodeID string) (*Node, bool) {
	node, exists := g.nodes[nodeID]
	return node, exists
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// StartNodes returns the nodes with no dependencies.
func (g *Graph) StartNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if len(n.Dependencies) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Validate rejects graphs that reference unknown dependency node IDs or
// contain a dependency cycle. Cycle detection is DFS with recursion-stack
// tracking over the dependency relation.
func (g *Graph) Validate() error {
	for _, n := range g.Nodes() {
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return types.Errorf(types.ErrUnknownDependency,
					"node %q depends on unknown node %q", n.ID, dep)
			}
			if dep == n.ID {
				return types.Errorf(types.ErrCycleDetected,
					"node %q depends on itself", n.ID)
			}
		}
	}

	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, dep := range g.nodes[id].Dependencies {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.order {
		if !visited[id] && visit(id) {
			return types.Errorf(types.ErrCycleDetected,
				"dependency cycle involving node %q", id)
		}
	}
	return nil
}

// ReadyNodes returns all pending nodes whose dependencies are a subset of
// completed. As a side effect, pending nodes with a failed or skipped
// dependency are transitioned to skipped (and excluded); skipping cascades
// through transitive dependents in the same call.
func (g *Graph) ReadyNodes(completed map[string]bool) []*Node {
	// Skip propagation runs to a fixpoint so that a freshly skipped node
	// immediately skips its own dependents.
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes() {
			if n.Status != NodeStatusPending {
				continue
			}
			for _, dep := range n.Dependencies {
				d := g.nodes[dep]
				if d.Status == NodeStatusFailed || d.Status == NodeStatusSkipped {
					n.Status = NodeStatusSkipped
					changed = true
					break
				}
			}
		}
	}

	var ready []*Node
	for _, n := range g.Nodes() {
		if n.Status != NodeStatusPending {
			continue
		}
		ok := true
		for _, dep := range n.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// CompletedSet returns the IDs of all completed nodes.
func (g *Graph) CompletedSet() map[string]bool {
	completed := make(map[string]bool)
	for id, n := range g.nodes {
		if n.Status == NodeStatusCompleted {
			completed[id] = true
		}
	}
	return completed
}

// IsComplete reports whether every node is in a terminal state.
func (g *Graph) IsComplete() bool {
	for _, n := range g.nodes {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailure reports whether any node has failed.
func (g *Graph) HasFailure() bool {
	for _, n := range g.nodes {
		if n.Status == NodeStatusFailed {
			return true
		}
	}
	return false
}

// WaitingNodes returns all nodes currently parked in waiting_hitl.
func (g *Graph) WaitingNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.Status == NodeStatusWaitingHITL {
			out = append(out, n)
		}
	}
	return out
}

// FirstError returns the error of the first failed node in definition
// order, or empty if no node failed.
func (g *Graph) FirstError() string {
	for _, n := range g.Nodes() {
		if n.Status == NodeStatusFailed {
			return n.Error
		}
	}
	return ""
}
