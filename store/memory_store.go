package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowforge-ai/flowforge/types"
)

// MemoryStore is an in-memory Store. It backs tests and embedded use; the
// state mutation and event append happen under one lock, preserving the
// pairing the relational store gets from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowRecord
	nodes     map[string]map[string]*NodeRecord
	requests  map[string]*HITLRecord
	events    map[string][]*EventRecord
	nextEvent uint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*WorkflowRecord),
		nodes:     make(map[string]map[string]*NodeRecord),
		requests:  make(map[string]*HITLRecord),
		events:    make(map[string][]*EventRecord),
		nextEvent: 1,
	}
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *WorkflowRecord, nodes []*NodeRecord, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *wf
	s.workflows[wf.WorkflowID] = &cp
	byNode := make(map[string]*NodeRecord, len(nodes))
	for _, n := range nodes {
		ncp := *n
		byNode[n.NodeID] = &ncp
	}
	s.nodes[wf.WorkflowID] = byNode
	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "workflow not found: %s", workflowID)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, status string, limit int) ([]*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WorkflowRecord
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetNodes(ctx context.Context, workflowID string) ([]*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNode := s.nodes[workflowID]
	out := make([]*NodeRecord, 0, len(byNode))
	for _, n := range byNode {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, workflowID, nodeID string, upd NodeUpdate, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[workflowID][nodeID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "node not found: %s/%s", workflowID, nodeID)
	}
	applyNodeUpdate(n, upd)
	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, workflowID string, upd WorkflowUpdate, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "workflow not found: %s", workflowID)
	}
	if upd.Status != nil {
		wf.Status = *upd.Status
	}
	if upd.CompletedAt != nil {
		wf.CompletedAt = upd.CompletedAt
	}
	if upd.Result != nil {
		wf.Result = *upd.Result
	}
	if upd.Error != nil {
		wf.Error = *upd.Error
	}
	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) CreateHITL(ctx context.Context, req *HITLRecord, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.requests {
		if existing.WorkflowID == req.WorkflowID && existing.NodeID == req.NodeID && existing.Status == HITLStatusPending {
			return types.Errorf(types.ErrDuplicateRequest,
				"node %s already has an open request in workflow %s", req.NodeID, req.WorkflowID)
		}
	}
	cp := *req
	s.requests[req.RequestID] = &cp
	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) GetHITL(ctx context.Context, requestID string) (*HITLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "HITL request not found: %s", requestID)
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) FindOpenHITL(ctx context.Context, workflowID, nodeID string) (*HITLRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.requests {
		if req.WorkflowID == workflowID && req.NodeID == nodeID && req.Status == HITLStatusPending {
			cp := *req
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) ListPendingHITL(ctx context.Context, workflowID string) ([]*HITLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*HITLRecord
	for _, req := range s.requests {
		if req.Status != HITLStatusPending {
			continue
		}
		if workflowID != "" && req.WorkflowID != workflowID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveHITL(ctx context.Context, requestID string, res HITLResolution, nodeUpd *NodeUpdate, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "HITL request not found: %s", requestID)
	}
	if req.Status != HITLStatusPending {
		return types.Errorf(types.ErrAlreadyResolved, "HITL request %s already %s", requestID, req.Status)
	}
	req.Status = res.Status
	respondedAt := res.RespondedAt
	req.RespondedAt = &respondedAt
	req.RespondedBy = res.RespondedBy
	req.Response = res.Response

	if nodeUpd != nil {
		if n, ok := s.nodes[req.WorkflowID][req.NodeID]; ok {
			applyNodeUpdate(n, *nodeUpd)
		}
	}
	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, workflowID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[workflowID]
	out := make([]*EventRecord, 0, len(events))
	for _, ev := range events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) appendLocked(event *EventRecord) {
	if event == nil {
		return
	}
	cp := *event
	cp.ID = s.nextEvent
	s.nextEvent++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.events[cp.WorkflowID] = append(s.events[cp.WorkflowID], &cp)
}

func applyNodeUpdate(n *NodeRecord, upd NodeUpdate) {
	if upd.Status != nil {
		n.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		n.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		n.CompletedAt = upd.CompletedAt
	}
	if upd.Result != nil {
		n.Result = *upd.Result
	}
	if upd.Error != nil {
		n.Error = *upd.Error
	}
}
