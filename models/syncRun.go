package models

import (
	"context"
	"errors"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	"gorm.io/gorm"
)

// Run statuses.
const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
	TriggerRetry    = "retry"
)

// SyncRun is the audit record of one sync attempt over a stream. Metrics are
// accumulated as the run progresses and frozen at completion.
type SyncRun struct {
	ID             int        `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"index;size:64;not null" json:"tenant_id"`
	Rail           string     `gorm:"index;size:30;not null" json:"rail"`
	EntityType     string     `gorm:"size:20;not null" json:"entity_type"`
	Status         string     `gorm:"size:20;not null;default:queued" json:"status"`
	TriggeredBy    string     `gorm:"size:20;not null" json:"triggered_by"`
	RecordsFetched int        `json:"records_fetched"`
	RecordsUpdated int        `json:"records_updated"`
	RecordsSkipped int        `json:"records_skipped"`
	RecordsFailed  int        `json:"records_failed"`
	Error          string     `gorm:"type:text" json:"error"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// SyncRecordError captures one record that failed inside an otherwise
// continuing run, payload included so the failure can be replayed or retried
// without re-fetching from the rail.
type SyncRecordError struct {
	ID         int       `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"index;size:64;not null" json:"tenant_id"`
	SyncRunId  int       `gorm:"index;not null" json:"sync_run_id"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	Retryable  bool      `json:"retryable"`
	Error      string    `gorm:"type:text" json:"error"`
	Payload    []byte    `gorm:"type:json" json:"payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CreateSyncRun opens the audit record for an attempt.
func CreateSyncRun(ctx context.Context, rail string, entityType string, triggeredBy string) (*SyncRun, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	now := time.Now().UTC()
	run := &SyncRun{
		TenantId:    tenantId,
		Rail:        rail,
		EntityType:  entityType,
		Status:      RunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   &now,
	}
	if err := config.GetDB().WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish freezes the run with its final status and metrics.
func (r *SyncRun) Finish(ctx context.Context, status string, runErr error) error {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return config.GetDB().WithContext(ctx).Model(r).Updates(map[string]interface{}{
		"status":          status,
		"records_fetched": r.RecordsFetched,
		"records_updated": r.RecordsUpdated,
		"records_skipped": r.RecordsSkipped,
		"records_failed":  r.RecordsFailed,
		"error":           r.Error,
		"finished_at":     &now,
	}).Error
}

// CreateSyncRecordError logs one failed record under a run.
func CreateSyncRecordError(ctx context.Context, runId int, externalId string, retryable bool, cause error, payload []byte) error {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant id is required")
	}
	rec := &SyncRecordError{
		TenantId:   tenantId,
		SyncRunId:  runId,
		ExternalId: externalId,
		Retryable:  retryable,
		Error:      cause.Error(),
		Payload:    payload,
	}
	return config.GetDB().WithContext(ctx).Create(rec).Error
}

// GetSyncRun loads one run for the context tenant.
func GetSyncRun(ctx context.Context, id int) (*SyncRun, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	var run SyncRun
	err := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId).Take(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListSyncRuns returns recent runs, newest first.
func ListSyncRuns(ctx context.Context, rail string, limit int) ([]*SyncRun, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if rail != "" {
		db = db.Where("rail = ?", rail)
	}
	var runs []*SyncRun
	if err := db.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunErrors returns the per-record failures of one run.
func ListRunErrors(ctx context.Context, runId int) ([]*SyncRecordError, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	var recs []*SyncRecordError
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND sync_run_id = ?", tenantId, runId).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
