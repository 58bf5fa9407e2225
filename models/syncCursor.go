package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	"gorm.io/gorm"
)

// Sync states per (tenant, rail, entity type).
const (
	SyncStateIdle        = "idle"
	SyncStateRunning     = "running"
	SyncStateSucceeded   = "succeeded"
	SyncStateFailedRetry = "failed_retryable"
	SyncStateFailedFatal = "failed_fatal"
)

// Health summaries derived from cursor state.
const (
	HealthOk             = "ok"
	HealthDegraded       = "degraded"
	HealthNeedsAttention = "needs-attention"
)

// SyncCursor tracks incremental progress and failure state for one
// (tenant, rail, entity type) stream. CursorToken is the rail's opaque resume
// token for the last fully-committed record; restarting from it never loses a
// record, at worst it re-fetches ones already applied.
type SyncCursor struct {
	ID                  int        `gorm:"primary_key" json:"id"`
	TenantId            string     `gorm:"uniqueIndex:idx_sync_stream,priority:1;size:64;not null" json:"tenant_id"`
	Rail                string     `gorm:"uniqueIndex:idx_sync_stream,priority:2;size:30;not null" json:"rail"`
	EntityType          string     `gorm:"uniqueIndex:idx_sync_stream,priority:3;size:20;not null" json:"entity_type"`
	CursorToken         string     `gorm:"size:512" json:"cursor_token"`
	UpdatedSince        *time.Time `json:"updated_since"`
	State               string     `gorm:"size:20;not null;default:idle" json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        *time.Time `json:"backoff_until"`
	LastRunAt           *time.Time `json:"last_run_at"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	LastError           string     `gorm:"type:text" json:"last_error"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Health classifies the stream for status endpoints. Fatal failure or three
// consecutive retryable failures needs an operator; any failure short of that
// is degraded.
func (c *SyncCursor) Health() string {
	switch {
	case c.State == SyncStateFailedFatal:
		return HealthNeedsAttention
	case c.ConsecutiveFailures >= 3:
		return HealthNeedsAttention
	case c.ConsecutiveFailures > 0:
		return HealthDegraded
	default:
		return HealthOk
	}
}

// Eligible reports whether the scheduler may start a run now.
func (c *SyncCursor) Eligible(now time.Time) bool {
	if c.State == SyncStateRunning || c.State == SyncStateFailedFatal {
		return false
	}
	if c.BackoffUntil != nil && now.Before(*c.BackoffUntil) {
		return false
	}
	return true
}

// GetOrCreateSyncCursor loads the cursor for a stream, creating it idle on
// first sight.
func GetOrCreateSyncCursor(ctx context.Context, rail string, entityType string) (*SyncCursor, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var cursor SyncCursor
	err := db.Where("tenant_id = ? AND rail = ? AND entity_type = ?", tenantId, rail, entityType).Take(&cursor).Error
	if err == nil {
		return &cursor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cursor = SyncCursor{
		TenantId:   tenantId,
		Rail:       rail,
		EntityType: entityType,
		State:      SyncStateIdle,
	}
	if err := db.Create(&cursor).Error; err != nil {
		return nil, err
	}
	return &cursor, nil
}

// ListSyncCursors returns every stream cursor for the context tenant,
// optionally narrowed to one rail.
func ListSyncCursors(ctx context.Context, rail string) ([]*SyncCursor, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if rail != "" {
		db = db.Where("rail = ?", rail)
	}
	var cursors []*SyncCursor
	if err := db.Order("rail ASC, entity_type ASC").Find(&cursors).Error; err != nil {
		return nil, err
	}
	return cursors, nil
}

// MarkRunning transitions the cursor into a run. The caller holds the stream
// lease already; this records the transition for watchdog visibility.
func (c *SyncCursor) MarkRunning(ctx context.Context, now time.Time) error {
	c.State = SyncStateRunning
	c.LastRunAt = &now
	return config.GetDB().WithContext(ctx).Model(c).Updates(map[string]interface{}{
		"state":       SyncStateRunning,
		"last_run_at": &now,
	}).Error
}

// MarkSucceeded commits the run outcome: new resume token, failure counters
// cleared, backoff lifted.
func (c *SyncCursor) MarkSucceeded(ctx context.Context, cursorToken string, now time.Time) error {
	c.State = SyncStateSucceeded
	c.CursorToken = cursorToken
	c.ConsecutiveFailures = 0
	c.BackoffUntil = nil
	c.LastSuccessAt = &now
	c.LastError = ""
	c.UpdatedSince = &now
	return config.GetDB().WithContext(ctx).Model(c).Updates(map[string]interface{}{
		"state":                SyncStateSucceeded,
		"cursor_token":         cursorToken,
		"consecutive_failures": 0,
		"backoff_until":        gorm.Expr("NULL"),
		"last_success_at":      &now,
		"last_error":           "",
		"updated_since":        &now,
	}).Error
}

// MarkFailed records a failed run. Retryable failures increment the failure
// streak and push backoff_until out exponentially until the streak exhausts
// the retry budget, at which point the stream parks as failed_fatal for an
// operator. Fatal failures park immediately. cursorToken still advances to
// the last fully-committed record so a later retry resumes mid-batch.
func (c *SyncCursor) MarkFailed(ctx context.Context, cursorToken string, cause error, fatal bool, now time.Time) error {
	c.CursorToken = cursorToken
	c.applyFailure(cause, fatal, now)
	updates := map[string]interface{}{
		"state":                c.State,
		"cursor_token":         cursorToken,
		"consecutive_failures": c.ConsecutiveFailures,
		"last_error":           c.LastError,
	}
	if c.BackoffUntil != nil {
		updates["backoff_until"] = c.BackoffUntil
	} else {
		updates["backoff_until"] = gorm.Expr("NULL")
	}
	return config.GetDB().WithContext(ctx).Model(c).Updates(updates).Error
}

// applyFailure is the failure transition. A stream only stays retryable
// while the streak is below the limit; past it nothing is going to fix
// itself, so it parks for operator attention.
func (c *SyncCursor) applyFailure(cause error, fatal bool, now time.Time) {
	c.LastError = cause.Error()
	if fatal {
		c.State = SyncStateFailedFatal
		c.BackoffUntil = nil
		return
	}
	c.ConsecutiveFailures++
	if c.ConsecutiveFailures >= maxStreamFailures() {
		c.State = SyncStateFailedFatal
		c.BackoffUntil = nil
		c.LastError = fmt.Sprintf("retries exhausted after %d consecutive failures: %s", c.ConsecutiveFailures, cause.Error())
		return
	}
	c.State = SyncStateFailedRetry
	next := now.Add(retryBackoff(c.ConsecutiveFailures))
	c.BackoffUntil = &next
}

func maxStreamFailures() int {
	if v, err := strconv.Atoi(os.Getenv("SYNC_MAX_STREAM_FAILURES")); err == nil && v > 0 {
		return v
	}
	return 8
}

// retryBackoff doubles per consecutive failure, capped at an hour.
func retryBackoff(failures int) time.Duration {
	d := time.Minute
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

// SweepStuckCursors marks cursors stuck in running past the lease lifetime as
// fatal. A running cursor whose last_run_at is older than the longest possible
// run means the worker died without transitioning out; the lease has expired
// by then so nothing is actually running.
func SweepStuckCursors(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	deadline := now.Add(-olderThan)
	res := config.GetDB().WithContext(ctx).
		Model(&SyncCursor{}).
		Where("state = ? AND last_run_at < ?", SyncStateRunning, deadline).
		Updates(map[string]interface{}{
			"state":      SyncStateFailedFatal,
			"last_error": "run abandoned: worker stopped before completing",
		})
	return res.RowsAffected, res.Error
}
