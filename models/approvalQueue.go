package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	"gorm.io/gorm"
)

// Approval queue states.
const (
	ApprovalStateQueued    = "queued"
	ApprovalStateApproved  = "approved"
	ApprovalStateDismissed = "dismissed"
)

// ApprovalQueueEntry is a payable surfaced for human review before any
// execution rail touches it. At most one queued entry per payable.
type ApprovalQueueEntry struct {
	ID         int        `gorm:"primary_key" json:"id"`
	TenantId   string     `gorm:"uniqueIndex:idx_approval_entity,priority:1;size:64;not null" json:"tenant_id"`
	EntityType string     `gorm:"uniqueIndex:idx_approval_entity,priority:2;size:20;not null" json:"entity_type"`
	EntityId   int        `gorm:"uniqueIndex:idx_approval_entity,priority:3;not null" json:"entity_id"`
	State      string     `gorm:"size:20;not null;default:queued" json:"state"`
	Reason     string     `gorm:"size:255" json:"reason"`
	DecidedBy  *int       `json:"decided_by"`
	DecidedAt  *time.Time `json:"decided_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueApproval queues a payable for review. Re-enqueueing an entry that is
// already queued is a no-op; a decided entry is re-opened.
func EnqueueApproval(ctx context.Context, entityType string, entityId int, reason string) (*ApprovalQueueEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var entry ApprovalQueueEntry
	err := db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantId, entityType, entityId).
		Take(&entry).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		entry = ApprovalQueueEntry{
			TenantId:   tenantId,
			EntityType: entityType,
			EntityId:   entityId,
			State:      ApprovalStateQueued,
			Reason:     reason,
		}
		if err := db.Create(&entry).Error; err != nil {
			return nil, err
		}
		return &entry, nil
	}

	if entry.State == ApprovalStateQueued {
		return &entry, nil
	}
	err = db.Model(&entry).Updates(map[string]interface{}{
		"state":      ApprovalStateQueued,
		"reason":     reason,
		"decided_by": gorm.Expr("NULL"),
		"decided_at": gorm.Expr("NULL"),
	}).Error
	if err != nil {
		return nil, err
	}
	entry.State = ApprovalStateQueued
	entry.Reason = reason
	entry.DecidedBy = nil
	entry.DecidedAt = nil
	return &entry, nil
}

// GetApprovalEntry loads one queue entry for the context tenant.
func GetApprovalEntry(ctx context.Context, id int) (*ApprovalQueueEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	var entry ApprovalQueueEntry
	err := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId).Take(&entry, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// DecideApproval records the reviewer's verdict on a queued entry.
func DecideApproval(ctx context.Context, id int, approve bool) (*ApprovalQueueEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var entry ApprovalQueueEntry
	if err := db.Where("tenant_id = ?", tenantId).Take(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if entry.State != ApprovalStateQueued {
		return nil, fmt.Errorf("approval entry %d already %s", id, entry.State)
	}

	state := ApprovalStateDismissed
	if approve {
		state = ApprovalStateApproved
	}
	now := time.Now().UTC()
	var decidedBy *int
	if actorId, ok := utils.GetActorIdFromContext(ctx); ok {
		decidedBy = &actorId
	}
	err := db.Model(&entry).Updates(map[string]interface{}{
		"state":      state,
		"decided_by": decidedBy,
		"decided_at": &now,
	}).Error
	if err != nil {
		return nil, err
	}
	entry.State = state
	entry.DecidedBy = decidedBy
	entry.DecidedAt = &now
	return &entry, nil
}

// ListApprovals returns the tenant's queue, optionally narrowed to one state.
func ListApprovals(ctx context.Context, state string) ([]*ApprovalQueueEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if state != "" {
		db = db.Where("state = ?", state)
	}
	var entries []*ApprovalQueueEntry
	if err := db.Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
