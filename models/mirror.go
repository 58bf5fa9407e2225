package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entity types mirrored from rails. One table per type.
const (
	EntityTypeBill    = "bill"
	EntityTypeInvoice = "invoice"
	EntityTypeVendor  = "vendor"
	EntityTypePayment = "payment"
	EntityTypeBalance = "balance"
)

// Record statuses. Mirror rows are never hard-deleted so the transaction log
// keeps a valid FK target forever.
const (
	RecordStatusActive  = "active"
	RecordStatusDeleted = "deleted"
)

func AllEntityTypes() []string {
	return []string{EntityTypeBill, EntityTypeInvoice, EntityTypeVendor, EntityTypePayment, EntityTypeBalance}
}

// CanonicalEntity is the rail-agnostic shape a RailSyncService maps native
// payloads into. The orchestrator only ever sees this.
type CanonicalEntity struct {
	EntityType             string          `json:"entity_type"`
	ExternalId             string          `json:"external_id"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	DueDate                *time.Time      `json:"due_date"`
	IssuedAt               *time.Time      `json:"issued_at"`
	Status                 string          `json:"status"`
	Counterparty           string          `json:"counterparty"`
	CounterpartyExternalId string          `json:"counterparty_external_id"`
	Memo                   string          `json:"memo"`
	Payable                bool            `json:"payable"`
	CategoryHint           string          `json:"category_hint"`
	SourceUpdatedAt        *time.Time      `json:"source_updated_at"`
}

// OccurredAt is the change time recorded in the log: the rail's own update
// timestamp when it provides one, else the observation time.
func (e CanonicalEntity) OccurredAt(fallback time.Time) time.Time {
	if e.SourceUpdatedAt != nil {
		return *e.SourceUpdatedAt
	}
	return fallback
}

// MirrorCore carries the canonical columns shared by every mirror table, plus
// sync bookkeeping. At most one row per (tenant_id, external_id) per table.
type MirrorCore struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	TenantId               string          `gorm:"uniqueIndex:idx_mirror_external,priority:1;size:64;not null" json:"tenant_id"`
	ExternalId             *string         `gorm:"uniqueIndex:idx_mirror_external,priority:2;size:128" json:"external_id"`
	Amount                 decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount"`
	Currency               string          `gorm:"size:8" json:"currency"`
	DueDate                *time.Time      `json:"due_date"`
	IssuedAt               *time.Time      `json:"issued_at"`
	Status                 string          `gorm:"size:30" json:"status"`
	Counterparty           string          `gorm:"size:255" json:"counterparty"`
	CounterpartyExternalId string          `gorm:"size:128" json:"counterparty_external_id"`
	Memo                   string          `gorm:"type:text" json:"memo"`
	Payable                bool            `json:"payable"`
	CategoryHint           string          `gorm:"size:100" json:"category_hint"`
	RecordStatus           string          `gorm:"size:20;not null;default:active" json:"record_status"`
	SyncSource             string          `gorm:"size:50" json:"sync_source"`
	LastSyncedAt           *time.Time      `json:"last_synced_at"`
	LogPending             bool            `gorm:"index" json:"log_pending"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type MirrorBill struct{ MirrorCore }
type MirrorInvoice struct{ MirrorCore }
type MirrorVendor struct{ MirrorCore }
type MirrorPayment struct{ MirrorCore }
type MirrorBalance struct{ MirrorCore }

func (MirrorBill) TableName() string    { return "mirror_bills" }
func (MirrorInvoice) TableName() string { return "mirror_invoices" }
func (MirrorVendor) TableName() string  { return "mirror_vendors" }
func (MirrorPayment) TableName() string { return "mirror_payments" }
func (MirrorBalance) TableName() string { return "mirror_balances" }

func (m *MirrorBill) Core() *MirrorCore    { return &m.MirrorCore }
func (m *MirrorInvoice) Core() *MirrorCore { return &m.MirrorCore }
func (m *MirrorVendor) Core() *MirrorCore  { return &m.MirrorCore }
func (m *MirrorPayment) Core() *MirrorCore { return &m.MirrorCore }
func (m *MirrorBalance) Core() *MirrorCore { return &m.MirrorCore }

// MirrorRow is any of the typed mirror tables.
type MirrorRow interface {
	Core() *MirrorCore
	TableName() string
}

func NewMirrorRow(entityType string) (MirrorRow, error) {
	switch entityType {
	case EntityTypeBill:
		return &MirrorBill{}, nil
	case EntityTypeInvoice:
		return &MirrorInvoice{}, nil
	case EntityTypeVendor:
		return &MirrorVendor{}, nil
	case EntityTypePayment:
		return &MirrorPayment{}, nil
	case EntityTypeBalance:
		return &MirrorBalance{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func MirrorTableName(entityType string) (string, error) {
	row, err := NewMirrorRow(entityType)
	if err != nil {
		return "", err
	}
	return row.TableName(), nil
}

// MirrorSnapshot is the canonical-field view of a mirror row stored in every
// transaction log entry. Replaying snapshots alone reconstructs current state.
type MirrorSnapshot struct {
	ExternalId             *string         `json:"external_id"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	DueDate                *time.Time      `json:"due_date"`
	IssuedAt               *time.Time      `json:"issued_at"`
	Status                 string          `json:"status"`
	Counterparty           string          `json:"counterparty"`
	CounterpartyExternalId string          `json:"counterparty_external_id"`
	Memo                   string          `json:"memo"`
	Payable                bool            `json:"payable"`
	CategoryHint           string          `json:"category_hint"`
	RecordStatus           string          `json:"record_status"`
}

func (c *MirrorCore) Snapshot() MirrorSnapshot {
	return MirrorSnapshot{
		ExternalId:             c.ExternalId,
		Amount:                 c.Amount,
		Currency:               c.Currency,
		DueDate:                c.DueDate,
		IssuedAt:               c.IssuedAt,
		Status:                 c.Status,
		Counterparty:           c.Counterparty,
		CounterpartyExternalId: c.CounterpartyExternalId,
		Memo:                   c.Memo,
		Payable:                c.Payable,
		CategoryHint:           c.CategoryHint,
		RecordStatus:           c.RecordStatus,
	}
}

// FieldChange is one entry of a log diff: {"amount": {"from": "500", "to": "550"}}.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DiffSnapshots reports canonical fields that changed between two snapshots.
func DiffSnapshots(before, after MirrorSnapshot) map[string]FieldChange {
	diff := map[string]FieldChange{}
	if !strPtrEqual(before.ExternalId, after.ExternalId) {
		diff["external_id"] = FieldChange{From: before.ExternalId, To: after.ExternalId}
	}
	if !before.Amount.Equal(after.Amount) {
		diff["amount"] = FieldChange{From: before.Amount, To: after.Amount}
	}
	if before.Currency != after.Currency {
		diff["currency"] = FieldChange{From: before.Currency, To: after.Currency}
	}
	if !timesEqual(before.DueDate, after.DueDate) {
		diff["due_date"] = FieldChange{From: before.DueDate, To: after.DueDate}
	}
	if !timesEqual(before.IssuedAt, after.IssuedAt) {
		diff["issued_at"] = FieldChange{From: before.IssuedAt, To: after.IssuedAt}
	}
	if before.Status != after.Status {
		diff["status"] = FieldChange{From: before.Status, To: after.Status}
	}
	if before.Counterparty != after.Counterparty {
		diff["counterparty"] = FieldChange{From: before.Counterparty, To: after.Counterparty}
	}
	if before.CounterpartyExternalId != after.CounterpartyExternalId {
		diff["counterparty_external_id"] = FieldChange{From: before.CounterpartyExternalId, To: after.CounterpartyExternalId}
	}
	if before.Memo != after.Memo {
		diff["memo"] = FieldChange{From: before.Memo, To: after.Memo}
	}
	if before.Payable != after.Payable {
		diff["payable"] = FieldChange{From: before.Payable, To: after.Payable}
	}
	if before.CategoryHint != after.CategoryHint {
		diff["category_hint"] = FieldChange{From: before.CategoryHint, To: after.CategoryHint}
	}
	if before.RecordStatus != after.RecordStatus {
		diff["record_status"] = FieldChange{From: before.RecordStatus, To: after.RecordStatus}
	}
	return diff
}

func (c *MirrorCore) applyCanonical(ent CanonicalEntity) {
	ext := ent.ExternalId
	if ext != "" {
		c.ExternalId = &ext
	}
	c.Amount = ent.Amount
	c.Currency = ent.Currency
	c.DueDate = ent.DueDate
	c.IssuedAt = ent.IssuedAt
	c.Status = ent.Status
	c.Counterparty = ent.Counterparty
	c.CounterpartyExternalId = ent.CounterpartyExternalId
	c.Memo = ent.Memo
	c.Payable = ent.Payable
	c.CategoryHint = ent.CategoryHint
	if c.RecordStatus == "" {
		c.RecordStatus = RecordStatusActive
	}
}

// UpsertResult reports what one mirror upsert did.
type UpsertResult struct {
	Row      MirrorRow
	LogEntry *TransactionLogEntry
	Created  bool
	Changed  bool
}

// UpsertMirror applies one canonical entity last-write-wins and appends the
// paired transaction log entry. Order is fixed: mirror write first, then log
// append. A log entry without a mirror update is harmless; a mirror update
// without a log entry is an audit gap, so an append failure flags the row
// log_pending for the reconciler instead of losing mirror state.
//
// An unchanged entity touches last_synced_at only and appends nothing, which
// is what makes re-running a sync over an unchanged batch idempotent.
func UpsertMirror(ctx context.Context, ent CanonicalEntity, source string, occurredAt time.Time, actorId *int) (*UpsertResult, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if ent.ExternalId == "" && source != SourceUser {
		return nil, errors.New("external id is required for rail-sourced upserts")
	}

	db := config.GetDB().WithContext(ctx)
	row, err := NewMirrorRow(ent.EntityType)
	if err != nil {
		return nil, err
	}

	found := true
	err = db.Where("tenant_id = ? AND external_id = ?", tenantId, ent.ExternalId).Take(row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		found = false
	}

	core := row.Core()
	now := time.Now().UTC()

	if !found {
		core.TenantId = tenantId
		core.applyCanonical(ent)
		core.RecordStatus = RecordStatusActive
		core.SyncSource = source
		core.LastSyncedAt = &now
		if err := db.Create(row).Error; err != nil {
			return nil, err
		}
		entry, err := appendMirrorLog(ctx, row, ent.EntityType, OperationCreated, source, occurredAt, actorId, nil)
		if err != nil {
			return nil, err
		}
		return &UpsertResult{Row: row, LogEntry: entry, Created: true, Changed: true}, nil
	}

	before := core.Snapshot()
	core.applyCanonical(ent)
	if core.RecordStatus == RecordStatusDeleted && source != SourceUser {
		// A rail re-sending a soft-deleted entity revives it.
		core.RecordStatus = RecordStatusActive
	}
	after := core.Snapshot()
	diff := DiffSnapshots(before, after)

	if len(diff) == 0 && !core.LogPending {
		// Nothing changed: refresh sync bookkeeping only.
		return &UpsertResult{Row: row, Changed: false}, db.Model(row).Updates(map[string]interface{}{
			"last_synced_at": &now,
			"sync_source":    source,
		}).Error
	}

	core.SyncSource = source
	core.LastSyncedAt = &now
	if err := db.Save(row).Error; err != nil {
		return nil, err
	}

	op := OperationUpdated
	if len(diff) == 0 && core.LogPending {
		// Mirror state already landed in a previous run whose log append
		// failed; recover the missing entry from current state.
		op = OperationSynced
	}
	entry, err := appendMirrorLog(ctx, row, ent.EntityType, op, source, occurredAt, actorId, diff)
	if err != nil {
		return nil, err
	}
	return &UpsertResult{Row: row, LogEntry: entry, Changed: true}, nil
}

// appendMirrorLog writes the log entry paired with a mirror write. On append
// failure the row is flagged log_pending and the error propagates so the
// caller halts the batch before advancing its cursor past this record.
func appendMirrorLog(ctx context.Context, row MirrorRow, entityType string, op string, source string, occurredAt time.Time, actorId *int, diff map[string]FieldChange) (*TransactionLogEntry, error) {
	db := config.GetDB().WithContext(ctx)
	core := row.Core()

	snapJSON, err := utils.MarshalToJSON(core.Snapshot())
	if err != nil {
		return nil, err
	}
	var diffJSON []byte
	if len(diff) > 0 {
		s, err := utils.MarshalToJSON(diff)
		if err != nil {
			return nil, err
		}
		diffJSON = []byte(s)
	}

	entry := &TransactionLogEntry{
		TenantId:      core.TenantId,
		EntityType:    entityType,
		EntityId:      core.ID,
		OperationKind: op,
		Source:        source,
		Snapshot:      []byte(snapJSON),
		Diff:          diffJSON,
		ActorId:       actorId,
		OccurredAt:    occurredAt,
	}

	if err := AppendLogEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateLogEntry) {
			// Retry of a write that already logged; the pair is complete.
			if core.LogPending {
				_ = db.Model(row).Update("log_pending", false).Error
			}
			return nil, nil
		}
		_ = db.Model(row).Update("log_pending", true).Error
		return nil, err
	}

	if core.LogPending {
		if err := db.Model(row).Update("log_pending", false).Error; err != nil {
			return entry, err
		}
		core.LogPending = false
	}
	return entry, nil
}

// UpsertLocal applies a user edit. id 0 creates a new row with no external
// id; such rows exist only locally until an execution rail reports them back.
// The log entry carries the acting user so history answers who changed what.
func UpsertLocal(ctx context.Context, entityType string, id int, ent CanonicalEntity) (*UpsertResult, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	var actorId *int
	if aid, ok := utils.GetActorIdFromContext(ctx); ok {
		actorId = &aid
	}
	now := time.Now().UTC()
	db := config.GetDB().WithContext(ctx)

	if id == 0 {
		row, err := NewMirrorRow(entityType)
		if err != nil {
			return nil, err
		}
		core := row.Core()
		core.TenantId = tenantId
		core.applyCanonical(ent)
		core.RecordStatus = RecordStatusActive
		core.SyncSource = SourceUser
		if err := db.Create(row).Error; err != nil {
			return nil, err
		}
		entry, err := appendMirrorLog(ctx, row, entityType, OperationCreated, SourceUser, now, actorId, nil)
		if err != nil {
			return nil, err
		}
		return &UpsertResult{Row: row, LogEntry: entry, Created: true, Changed: true}, nil
	}

	row, err := GetMirrorById(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	core := row.Core()
	before := core.Snapshot()
	core.applyCanonical(ent)
	diff := DiffSnapshots(before, core.Snapshot())
	if len(diff) == 0 {
		return &UpsertResult{Row: row, Changed: false}, nil
	}
	if err := db.Save(row).Error; err != nil {
		return nil, err
	}
	entry, err := appendMirrorLog(ctx, row, entityType, OperationUpdated, SourceUser, now, actorId, diff)
	if err != nil {
		return nil, err
	}
	return &UpsertResult{Row: row, LogEntry: entry, Changed: true}, nil
}

// SoftDeleteMirror marks a row deleted (never hard-deletes) and logs it.
func SoftDeleteMirror(ctx context.Context, entityType string, id int, source string, actorId *int) (MirrorRow, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	row, err := NewMirrorRow(entityType)
	if err != nil {
		return nil, err
	}
	if err := db.Where("tenant_id = ?", tenantId).Take(row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	core := row.Core()
	if core.RecordStatus == RecordStatusDeleted {
		return row, nil
	}

	before := core.Snapshot()
	core.RecordStatus = RecordStatusDeleted
	if err := db.Model(row).Update("record_status", RecordStatusDeleted).Error; err != nil {
		return nil, err
	}

	diff := DiffSnapshots(before, core.Snapshot())
	if _, err := appendMirrorLog(ctx, row, entityType, OperationDeleted, source, time.Now().UTC(), actorId, diff); err != nil {
		return row, err
	}
	return row, nil
}

// GetMirror fetches one row by external id.
func GetMirror(ctx context.Context, entityType string, externalId string) (MirrorRow, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	row, err := NewMirrorRow(entityType)
	if err != nil {
		return nil, err
	}
	if err := db.Where("tenant_id = ? AND external_id = ?", tenantId, externalId).Take(row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return row, nil
}

// GetMirrorById fetches one row by primary key.
func GetMirrorById(ctx context.Context, entityType string, id int) (MirrorRow, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	row, err := NewMirrorRow(entityType)
	if err != nil {
		return nil, err
	}
	if err := db.Where("tenant_id = ?", tenantId).Take(row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return row, nil
}

// MirrorFilter narrows QueryMirror. Zero values mean "no constraint".
type MirrorFilter struct {
	Status       string
	RecordStatus string
	Payable      *bool
	DueBefore    *time.Time
	MissingDue   bool
	ZeroAmount   bool
	MissingParty bool
	SyncedBefore *time.Time
	LogPending   *bool
}

// QueryMirror lists rows of one entity type for the context tenant.
func QueryMirror(ctx context.Context, entityType string, filter MirrorFilter) ([]*MirrorCore, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	table, err := MirrorTableName(entityType)
	if err != nil {
		return nil, err
	}

	db := config.GetDB().WithContext(ctx).Table(table).Where("tenant_id = ?", tenantId)
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}
	if filter.RecordStatus != "" {
		db = db.Where("record_status = ?", filter.RecordStatus)
	}
	if filter.Payable != nil {
		db = db.Where("payable = ?", *filter.Payable)
	}
	if filter.DueBefore != nil {
		db = db.Where("due_date IS NOT NULL AND due_date < ?", *filter.DueBefore)
	}
	if filter.MissingDue {
		db = db.Where("due_date IS NULL")
	}
	if filter.ZeroAmount {
		db = db.Where("amount = 0")
	}
	if filter.MissingParty {
		db = db.Where("counterparty = '' AND counterparty_external_id = ''")
	}
	if filter.SyncedBefore != nil {
		db = db.Where("last_synced_at IS NULL OR last_synced_at < ?", *filter.SyncedBefore)
	}
	if filter.LogPending != nil {
		db = db.Where("log_pending = ?", *filter.LogPending)
	}

	var cores []*MirrorCore
	if err := db.Order("id ASC").Find(&cores).Error; err != nil {
		return nil, err
	}
	return cores, nil
}
