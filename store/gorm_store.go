package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowforge-ai/flowforge/types"
)

// GormStore implements Store on a relational database through GORM.
// State mutations and their event appends share one transaction.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store over an open GORM handle and migrates the
// schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(
		&WorkflowRecord{},
		&NodeRecord{},
		&EventRecord{},
		&HITLRecord{},
	); err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to migrate schema").WithCause(err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func (s *GormStore) CreateWorkflow(ctx context.Context, wf *WorkflowRecord, nodes []*NodeRecord, event *EventRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wf).Error; err != nil {
			return err
		}
		for _, n := range nodes {
			if err := tx.Create(n).Error; err != nil {
				return err
			}
		}
		return appendEvent(tx, event)
	})
	if err != nil {
		return types.NewError(types.ErrStoreError, "failed to create workflow").WithCause(err)
	}
	return nil
}

func (s *GormStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	var wf WorkflowRecord
	err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).First(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "workflow not found: %s", workflowID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to load workflow").WithCause(err)
	}
	return &wf, nil
}

func (s *GormStore) ListWorkflows(ctx context.Context, status string, limit int) ([]*WorkflowRecord, error) {
	q := s.db.WithContext(ctx).Model(&WorkflowRecord{}).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*WorkflowRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to list workflows").WithCause(err)
	}
	return out, nil
}

func (s *GormStore) GetNodes(ctx context.Context, workflowID string) ([]*NodeRecord, error) {
	var out []*NodeRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to load nodes").WithCause(err)
	}
	return out, nil
}

func (s *GormStore) UpdateNode(ctx context.Context, workflowID, nodeID string, upd NodeUpdate, event *EventRecord) error {
	fields := nodeUpdateFields(upd)
	if len(fields) == 0 && event == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fields) > 0 {
			res := tx.Model(&NodeRecord{}).
				Where("workflow_id = ? AND node_id = ?", workflowID, nodeID).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return appendEvent(tx, event)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Errorf(types.ErrNotFound, "node not found: %s/%s", workflowID, nodeID)
	}
	if err != nil {
		return types.NewError(types.ErrStoreError, "failed to update node").WithCause(err)
	}
	return nil
}

func (s *GormStore) UpdateWorkflow(ctx context.Context, workflowID string, upd WorkflowUpdate, event *EventRecord) error {
	fields := map[string]any{}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}
	if upd.Result != nil {
		fields["result"] = *upd.Result
	}
	if upd.Error != nil {
		fields["error"] = *upd.Error
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fields) > 0 {
			res := tx.Model(&WorkflowRecord{}).
				Where("workflow_id = ?", workflowID).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return appendEvent(tx, event)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Errorf(types.ErrNotFound, "workflow not found: %s", workflowID)
	}
	if err != nil {
		return types.NewError(types.ErrStoreError, "failed to update workflow").WithCause(err)
	}
	return nil
}

func (s *GormStore) CreateHITL(ctx context.Context, req *HITLRecord, event *EventRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Enforce the one-open-request-per-node rule inside the
		// transaction so two concurrent activations cannot both insert.
		var open int64
		err := tx.Model(&HITLRecord{}).
			Where("workflow_id = ? AND node_id = ? AND status = ?", req.WorkflowID, req.NodeID, HITLStatusPending).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return types.Errorf(types.ErrDuplicateRequest,
				"node %s already has an open request in workflow %s", req.NodeID, req.WorkflowID)
		}
		if err := tx.Create(req).Error; err != nil {
			return err
		}
		return appendEvent(tx, event)
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return typed
		}
		return types.NewError(types.ErrStoreError, "failed to create HITL request").WithCause(err)
	}
	return nil
}

func (s *GormStore) GetHITL(ctx context.Context, requestID string) (*HITLRecord, error) {
	var req HITLRecord
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "HITL request not found: %s", requestID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to load HITL request").WithCause(err)
	}
	return &req, nil
}

func (s *GormStore) FindOpenHITL(ctx context.Context, workflowID, nodeID string) (*HITLRecord, bool, error) {
	var req HITLRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND node_id = ? AND status = ?", workflowID, nodeID, HITLStatusPending).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewError(types.ErrStoreError, "failed to find HITL request").WithCause(err)
	}
	return &req, true, nil
}

func (s *GormStore) ListPendingHITL(ctx context.Context, workflowID string) ([]*HITLRecord, error) {
	q := s.db.WithContext(ctx).Where("status = ?", HITLStatusPending).Order("created_at ASC")
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var out []*HITLRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to list HITL requests").WithCause(err)
	}
	return out, nil
}

func (s *GormStore) ResolveHITL(ctx context.Context, requestID string, res HITLResolution, nodeUpd *NodeUpdate, event *EventRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req HITLRecord
		if err := tx.Where("request_id = ?", requestID).First(&req).Error; err != nil {
			return err
		}
		// Guarded update: only a pending request resolves. A second
		// resolution attempt affects zero rows and is reported as
		// ALREADY_RESOLVED rather than silently reapplied.
		upd := tx.Model(&HITLRecord{}).
			Where("request_id = ? AND status = ?", requestID, HITLStatusPending).
			Updates(map[string]any{
				"status":       res.Status,
				"responded_at": res.RespondedAt,
				"responded_by": res.RespondedBy,
				"response":     res.Response,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return types.Errorf(types.ErrAlreadyResolved,
				"HITL request %s already %s", requestID, req.Status)
		}
		if nodeUpd != nil {
			fields := nodeUpdateFields(*nodeUpd)
			if len(fields) > 0 {
				if err := tx.Model(&NodeRecord{}).
					Where("workflow_id = ? AND node_id = ?", req.WorkflowID, req.NodeID).
					Updates(fields).Error; err != nil {
					return err
				}
			}
		}
		return appendEvent(tx, event)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Errorf(types.ErrNotFound, "HITL request not found: %s", requestID)
	}
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return te
		}
		return types.NewError(types.ErrStoreError, "failed to resolve HITL request").WithCause(err)
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, workflowID string) ([]*EventRecord, error) {
	var out []*EventRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to list events").WithCause(err)
	}
	return out, nil
}

func appendEvent(tx *gorm.DB, event *EventRecord) error {
	if event == nil {
		return nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return tx.Create(event).Error
}

func nodeUpdateFields(upd NodeUpdate) map[string]any {
	fields := map[string]any{}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.StartedAt != nil {
		fields["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}
	if upd.Result != nil {
		fields["result"] = *upd.Result
	}
	if upd.Error != nil {
		fields["error"] = *upd.Error
	}
	return fields
}
