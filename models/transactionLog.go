package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Operation kinds recorded in the transaction log.
const (
	OperationCreated = "created"
	OperationUpdated = "updated"
	OperationSynced  = "synced"
	OperationDeleted = "deleted"
)

// SourceUser marks changes originated by a local user action rather than a rail.
const SourceUser = "user"

var ErrDuplicateLogEntry = errors.New("duplicate transaction log entry")

// TransactionLogEntry is the immutable, append-only record of one change to a
// mirrored entity. Rows are write-once: appended, never updated or deleted.
// The snapshot alone is sufficient to reconstruct the entity's state at that
// point, so history replay needs no other table.
type TransactionLogEntry struct {
	ID             int       `gorm:"primary_key" json:"log_id"`
	TenantId       string    `gorm:"index;size:64;not null" json:"tenant_id"`
	EntityType     string    `gorm:"index:idx_entity_history,priority:1;size:20;not null" json:"entity_type"`
	EntityId       int       `gorm:"index:idx_entity_history,priority:2;not null" json:"entity_id"`
	OperationKind  string    `gorm:"size:10;not null" json:"operation_kind"`
	Source         string    `gorm:"size:50;not null" json:"source"`
	Snapshot       []byte    `gorm:"type:json" json:"snapshot"`
	Diff           []byte    `gorm:"type:json" json:"diff"`
	ActorId        *int      `json:"actor_id"`
	OccurredAt     time.Time `gorm:"index:idx_entity_history,priority:3;not null" json:"occurred_at"`
	IdempotencyKey string    `gorm:"size:64;uniqueIndex;not null" json:"idempotency_key"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeUpdate blocks in-place mutation; the log is append-only.
func (TransactionLogEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("transaction log entries are immutable")
}

// BeforeDelete blocks deletion; the log is append-only.
func (TransactionLogEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("transaction log entries are immutable")
}

// LogIdempotencyKey derives the write-time dedup key for an append.
// Duplicate appends under retry hash to the same key and are rejected by the
// unique index rather than silently duplicated.
func LogIdempotencyKey(entityType string, entityId int, source string, occurredAt time.Time, operationKind string) string {
	raw := fmt.Sprintf("%s|%d|%s|%d|%s", entityType, entityId, source, occurredAt.UTC().UnixNano(), operationKind)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AppendLogEntry durably appends one entry. A duplicate idempotency key returns
// ErrDuplicateLogEntry; the caller decides whether that is a safe no-op (retry
// of an already-committed write) or a bug.
func AppendLogEntry(ctx context.Context, entry *TransactionLogEntry) error {
	if entry.TenantId == "" {
		tenantId, ok := utils.GetTenantIdFromContext(ctx)
		if !ok || tenantId == "" {
			return errors.New("tenant id is required")
		}
		entry.TenantId = tenantId
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = LogIdempotencyKey(entry.EntityType, entry.EntityId, entry.Source, entry.OccurredAt, entry.OperationKind)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(entry).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateLogEntry
		}
		return err
	}
	return nil
}

// GetHistory returns the full change history of one entity, oldest first.
// Ordering is (occurred_at, id): occurred_at as observed by the writer, id to
// break ties within the same instant.
func GetHistory(ctx context.Context, entityType string, entityId int) ([]*TransactionLogEntry, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var entries []*TransactionLogEntry
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantId, entityType, entityId).
		Order("occurred_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReplayHistory folds an ordered history into the entity's current state using
// snapshots alone. Every entry carries a full snapshot, so applying each in
// order is equivalent to taking the last; the loop form is kept as the
// correctness oracle for the mirror.
func ReplayHistory(entries []*TransactionLogEntry) (*MirrorSnapshot, error) {
	if len(entries) == 0 {
		return nil, utils.ErrorRecordNotFound
	}

	var state *MirrorSnapshot
	for _, entry := range entries {
		var snap MirrorSnapshot
		if err := utils.UnmarshalFromJSON(entry.Snapshot, &snap); err != nil {
			return nil, fmt.Errorf("replay %s/%d at log %d: %w", entry.EntityType, entry.EntityId, entry.ID, err)
		}
		state = &snap
	}
	return state, nil
}

// CountLogEntries reports how many log rows exist for one entity. Used by
// idempotency checks and run metrics.
func CountLogEntries(ctx context.Context, entityType string, entityId int) (int64, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return 0, errors.New("tenant id is required")
	}
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).
		Model(&TransactionLogEntry{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantId, entityType, entityId).
		Count(&count).Error
	return count, err
}
