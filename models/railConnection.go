package models

import (
	"context"
	"errors"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/utils"
	"gorm.io/gorm"
)

// Rail connection statuses.
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

// Credential auth types.
const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "api_key"
)

var ErrRailNotConnected = errors.New("rail is not connected for this tenant")

// RailConnection is a tenant's link to one external rail, credential reference
// included. AuthSecretRef names the secret in the secret manager; the secret
// material itself is never stored here.
type RailConnection struct {
	ID                int        `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"uniqueIndex:idx_tenant_rail,priority:1;size:64;not null" json:"tenant_id"`
	Rail              string     `gorm:"uniqueIndex:idx_tenant_rail,priority:2;size:30;not null" json:"rail"`
	Status            string     `gorm:"size:20;not null;default:disconnected" json:"status"`
	StatusReason      string     `gorm:"type:text" json:"status_reason"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"size:255" json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
	ExternalAccountId string     `gorm:"index;size:128" json:"external_account_id"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CredentialExpired reports whether the stored token is past its expiry.
// Expired credentials make every rail call a fatal auth failure, so the
// scheduler skips the stream instead of burning a run on it.
func (c *RailConnection) CredentialExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && now.After(*c.TokenExpiresAt)
}

// GetRailConnection loads the context tenant's connection to a rail.
func GetRailConnection(ctx context.Context, rail string) (*RailConnection, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var conn RailConnection
	err := db.Where("tenant_id = ? AND rail = ?", tenantId, rail).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRailNotConnected
		}
		return nil, err
	}
	return &conn, nil
}

// ListRailConnections returns every connection for the context tenant.
func ListRailConnections(ctx context.Context) ([]*RailConnection, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB().WithContext(ctx)
	var conns []*RailConnection
	if err := db.Where("tenant_id = ?", tenantId).Order("rail ASC").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// UpsertRailConnection creates or updates the tenant's connection during
// connect or settings changes.
func UpsertRailConnection(ctx context.Context, conn *RailConnection) error {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant id is required")
	}
	conn.TenantId = tenantId

	db := config.GetDB().WithContext(ctx)
	var existing RailConnection
	err := db.Where("tenant_id = ? AND rail = ?", tenantId, conn.Rail).Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.Create(conn).Error
		}
		return err
	}
	conn.ID = existing.ID
	conn.CreatedAt = existing.CreatedAt
	return db.Save(conn).Error
}

// MarkConnectionStatus flips the connection's status, recording why.
func (c *RailConnection) MarkConnectionStatus(ctx context.Context, status string, reason string) error {
	c.Status = status
	c.StatusReason = reason
	return config.GetDB().WithContext(ctx).Model(c).Updates(map[string]interface{}{
		"status":        status,
		"status_reason": reason,
	}).Error
}

// TouchSyncTimes records run activity on the connection for status endpoints.
func (c *RailConnection) TouchSyncTimes(ctx context.Context, now time.Time, success bool) error {
	updates := map[string]interface{}{"last_sync_at": &now}
	c.LastSyncAt = &now
	if success {
		c.LastSuccessSyncAt = &now
		updates["last_success_sync_at"] = &now
	}
	return config.GetDB().WithContext(ctx).Model(c).Updates(updates).Error
}

// FindConnectionByExternalAccount resolves a webhook's account reference to a
// tenant connection. Webhooks arrive with no tenant context, so this lookup is
// the only unscoped read against the table.
func FindConnectionByExternalAccount(ctx context.Context, rail string, externalAccountId string) (*RailConnection, error) {
	db := config.GetDB().WithContext(utils.SetSkipTenantScopeInContext(ctx, true))
	var conn RailConnection
	err := db.Where("rail = ? AND external_account_id = ?", rail, externalAccountId).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRailNotConnected
		}
		return nil, err
	}
	return &conn, nil
}
