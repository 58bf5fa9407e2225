package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/sirupsen/logrus"
)

const moduleName = "sync"

var (
	ErrRailDisabled      = errors.New("rail is disabled by configuration")
	ErrCredentialExpired = errors.New("rail credential has expired")
)

// Orchestrator drives sync runs: one lease-guarded fetch/map/upsert loop per
// (tenant, rail, entity type) stream.
type Orchestrator struct {
	registry *Registry
	lease    streamLease
	logger   *logrus.Logger
	leaseTTL time.Duration
	pageSize int
}

func NewOrchestrator(registry *Registry) *Orchestrator {
	ttl := time.Duration(envInt("SYNC_LEASE_TTL_SECONDS", 600)) * time.Second
	return &Orchestrator{
		registry: registry,
		lease:    newStreamLease(),
		logger:   config.GetLogger(),
		leaseTTL: ttl,
		pageSize: envInt("SYNC_PAGE_SIZE", 100),
	}
}

// LeaseTTL is how long an abandoned run can appear to be running. The stuck
// cursor sweep uses it as its threshold.
func (o *Orchestrator) LeaseTTL() time.Duration { return o.leaseTTL }

// Trigger runs one sync over a stream for the context tenant. It returns
// ErrLeaseHeld without touching anything when a run is already in flight.
func (o *Orchestrator) Trigger(ctx context.Context, railName string, entityType string, triggeredBy string) (*models.SyncRun, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if config.RailDisabled(railName) {
		return nil, ErrRailDisabled
	}

	rail, err := o.registry.Get(railName)
	if err != nil {
		return nil, err
	}
	if !rail.Capabilities().Read {
		return nil, fmt.Errorf("rail %q does not support reads", railName)
	}

	conn, err := models.GetRailConnection(ctx, railName)
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionStatusConnected {
		return nil, models.ErrRailNotConnected
	}
	if conn.CredentialExpired(time.Now()) {
		return nil, ErrCredentialExpired
	}

	handle, err := o.lease.Acquire(ctx, leaseKey(tenantId, railName, entityType), o.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			o.logger.WithFields(logrus.Fields{
				"module":      moduleName,
				"tenant_id":   tenantId,
				"rail":        railName,
				"entity_type": entityType,
			}).Info("sync already running, skipping")
		}
		return nil, err
	}
	defer func() { _ = handle.Release(context.Background()) }()

	cursor, err := models.GetOrCreateSyncCursor(ctx, railName, entityType)
	if err != nil {
		return nil, err
	}

	run, err := models.CreateSyncRun(ctx, railName, entityType, triggeredBy)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := cursor.MarkRunning(ctx, now); err != nil {
		_ = run.Finish(ctx, models.RunStatusFailed, err)
		return run, err
	}

	lastToken, runErr := o.runStream(ctx, rail, conn, cursor, run, handle)
	finishedAt := time.Now().UTC()

	if runErr == nil {
		status := models.RunStatusSuccess
		if run.RecordsFailed > 0 {
			status = models.RunStatusPartial
		}
		if err := cursor.MarkSucceeded(ctx, lastToken, finishedAt); err != nil {
			return run, err
		}
		_ = conn.TouchSyncTimes(ctx, finishedAt, true)
		return run, run.Finish(ctx, status, nil)
	}

	fatal := false
	var fatalErr *FatalSyncError
	if errors.As(runErr, &fatalErr) {
		fatal = true
		_ = conn.MarkConnectionStatus(ctx, models.ConnectionStatusError, runErr.Error())
	}
	if err := cursor.MarkFailed(ctx, lastToken, runErr, fatal, finishedAt); err != nil {
		config.LogError(o.logger, moduleName, "Trigger", "failed to record cursor failure", cursor, err)
	}
	_ = conn.TouchSyncTimes(ctx, finishedAt, false)
	_ = run.Finish(ctx, models.RunStatusFailed, runErr)

	config.LogError(o.logger, moduleName, "Trigger", "sync run failed", logrus.Fields{
		"tenant_id":   tenantId,
		"rail":        rail.Name(),
		"entity_type": entityType,
		"run_id":      run.ID,
		"fatal":       fatal,
	}, runErr)
	return run, runErr
}

// runStream pages through the rail until it reports no more changes. It
// returns the resume token of the last fully-committed record; on error the
// token still reflects exactly how far the run got.
func (o *Orchestrator) runStream(ctx context.Context, rail Rail, conn *models.RailConnection, cursor *models.SyncCursor, run *models.SyncRun, handle leaseHandle) (string, error) {
	lastToken := cursor.CursorToken

	for {
		page, err := rail.Fetch(ctx, conn, FetchRequest{
			EntityType:   cursor.EntityType,
			Cursor:       lastToken,
			UpdatedSince: cursor.UpdatedSince,
			PageSize:     o.pageSize,
		})
		if err != nil {
			return lastToken, err
		}

		for _, record := range page.Records {
			run.RecordsFetched++

			ent, err := rail.Map(cursor.EntityType, record.Raw)
			if err != nil {
				// One bad record never sinks the batch; record it and move on.
				run.RecordsFailed++
				var mapErr *MappingError
				externalId := ""
				if errors.As(err, &mapErr) {
					externalId = mapErr.ExternalId
				}
				_ = models.CreateSyncRecordError(ctx, run.ID, externalId, false, err, record.Raw)
				lastToken = record.Cursor
				continue
			}

			res, err := models.UpsertMirror(ctx, *ent, rail.Name(), ent.OccurredAt(time.Now().UTC()), nil)
			if err != nil {
				// The store rejected the write: stop before the cursor moves
				// past a record that is not durably applied.
				run.RecordsFailed++
				_ = models.CreateSyncRecordError(ctx, run.ID, ent.ExternalId, true, err, record.Raw)
				return lastToken, &PersistenceError{ExternalId: ent.ExternalId, Err: err}
			}
			if res.Changed {
				run.RecordsUpdated++
			} else {
				run.RecordsSkipped++
			}
			lastToken = record.Cursor
		}

		if !page.HasMore {
			if page.NextCursor != "" {
				lastToken = page.NextCursor
			}
			return lastToken, nil
		}
		if page.NextCursor != "" {
			lastToken = page.NextCursor
		}

		if err := handle.Refresh(ctx, o.leaseTTL); err != nil {
			return lastToken, &TransientSyncError{Op: "lease refresh", Err: err}
		}
	}
}

// TriggerAll syncs every entity type a rail exposes, in the rail's declared
// order. A fatal error stops the remaining streams; a retryable one moves on
// to the next stream.
func (o *Orchestrator) TriggerAll(ctx context.Context, railName string, triggeredBy string) error {
	rail, err := o.registry.Get(railName)
	if err != nil {
		return err
	}

	var firstErr error
	for _, entityType := range rail.EntityTypes() {
		_, err := o.Trigger(ctx, railName, entityType, triggeredBy)
		if err == nil || errors.Is(err, ErrLeaseHeld) {
			continue
		}
		var fatalErr *FatalSyncError
		if errors.As(err, &fatalErr) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
