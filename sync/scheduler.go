package sync

import (
	"context"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scheduler is the background loop: on every tick it sweeps abandoned runs,
// reconciles mirror rows whose log append failed, and starts syncs for streams
// that are due.
type Scheduler struct {
	Orchestrator *Orchestrator
	Logger       *logrus.Logger
	SchedulerID  string

	PollInterval time.Duration
	SyncInterval time.Duration
}

func NewScheduler(orchestrator *Orchestrator) *Scheduler {
	return &Scheduler{
		Orchestrator: orchestrator,
		Logger:       config.GetLogger(),
		SchedulerID:  uuid.NewString(),
		PollInterval: time.Duration(envInt("SYNC_POLL_INTERVAL_SECONDS", 60)) * time.Second,
		SyncInterval: time.Duration(envInt("SYNC_INTERVAL_SECONDS", 900)) * time.Second,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.tickOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	s.sweepAbandonedRuns(ctx)
	s.reconcilePendingLogs(ctx)
	s.startDueSyncs(ctx)
}

// sweepAbandonedRuns is the watchdog: a cursor still running twice the lease
// lifetime after its last run started belongs to a dead worker.
func (s *Scheduler) sweepAbandonedRuns(ctx context.Context) {
	sysCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	swept, err := models.SweepStuckCursors(sysCtx, 2*s.Orchestrator.LeaseTTL(), time.Now().UTC())
	if err != nil {
		config.LogError(s.Logger, moduleName, "sweepAbandonedRuns", "stuck cursor sweep failed", nil, err)
		return
	}
	if swept > 0 {
		s.Logger.WithFields(logrus.Fields{
			"module":       moduleName,
			"scheduler_id": s.SchedulerID,
			"swept":        swept,
		}).Warn("marked abandoned sync runs failed")
	}
}

// reconcilePendingLogs backfills log entries for mirror rows flagged
// log_pending. The mirror state is already correct; only the audit entry is
// missing, so a synced-kind entry from current state closes the gap.
func (s *Scheduler) reconcilePendingLogs(ctx context.Context) {
	sysCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	pending := true

	for _, entityType := range models.AllEntityTypes() {
		table, err := models.MirrorTableName(entityType)
		if err != nil {
			continue
		}
		var tenantIds []string
		err = config.GetDB().WithContext(sysCtx).
			Table(table).
			Where("log_pending = ?", pending).
			Distinct("tenant_id").
			Pluck("tenant_id", &tenantIds).Error
		if err != nil {
			config.LogError(s.Logger, moduleName, "reconcilePendingLogs", "pending scan failed", entityType, err)
			continue
		}

		for _, tenantId := range tenantIds {
			tenantCtx := utils.SetTenantIdInContext(ctx, tenantId)
			cores, err := models.QueryMirror(tenantCtx, entityType, models.MirrorFilter{LogPending: &pending})
			if err != nil {
				config.LogError(s.Logger, moduleName, "reconcilePendingLogs", "pending query failed", tenantId, err)
				continue
			}
			for _, core := range cores {
				if err := s.backfillLogEntry(tenantCtx, entityType, core); err != nil {
					config.LogError(s.Logger, moduleName, "reconcilePendingLogs", "backfill failed", core.ID, err)
				}
			}
		}
	}
}

func (s *Scheduler) backfillLogEntry(ctx context.Context, entityType string, core *models.MirrorCore) error {
	occurredAt := time.Now().UTC()
	if core.LastSyncedAt != nil {
		occurredAt = *core.LastSyncedAt
	}
	snapJSON, err := utils.MarshalToJSON(core.Snapshot())
	if err != nil {
		return err
	}
	entry := &models.TransactionLogEntry{
		TenantId:      core.TenantId,
		EntityType:    entityType,
		EntityId:      core.ID,
		OperationKind: models.OperationSynced,
		Source:        core.SyncSource,
		Snapshot:      []byte(snapJSON),
		OccurredAt:    occurredAt,
	}
	err = models.AppendLogEntry(ctx, entry)
	if err != nil && err != models.ErrDuplicateLogEntry {
		return err
	}

	row, err := models.NewMirrorRow(entityType)
	if err != nil {
		return err
	}
	return config.GetDB().WithContext(ctx).
		Table(row.TableName()).
		Where("id = ?", core.ID).
		Update("log_pending", false).Error
}

// startDueSyncs walks every connected stream and triggers those whose
// interval has elapsed. Lease contention and disabled rails are skipped
// silently; streams in backoff or parked fatal are filtered by Eligible.
func (s *Scheduler) startDueSyncs(ctx context.Context) {
	sysCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	var conns []*models.RailConnection
	err := config.GetDB().WithContext(sysCtx).
		Where("status = ?", models.ConnectionStatusConnected).
		Find(&conns).Error
	if err != nil {
		config.LogError(s.Logger, moduleName, "startDueSyncs", "connection scan failed", nil, err)
		return
	}

	now := time.Now().UTC()
	for _, conn := range conns {
		if config.RailDisabled(conn.Rail) {
			continue
		}
		if conn.CredentialExpired(now) {
			// The next call would fail auth anyway; skip and surface via status.
			continue
		}
		rail, err := s.Orchestrator.registry.Get(conn.Rail)
		if err != nil || !rail.Capabilities().Read {
			continue
		}

		tenantCtx := utils.SetTenantIdInContext(ctx, conn.TenantId)
		for _, entityType := range rail.EntityTypes() {
			cursor, err := models.GetOrCreateSyncCursor(tenantCtx, conn.Rail, entityType)
			if err != nil {
				config.LogError(s.Logger, moduleName, "startDueSyncs", "cursor load failed", conn.Rail, err)
				continue
			}
			if !cursor.Eligible(now) {
				continue
			}
			if cursor.LastSuccessAt != nil && now.Sub(*cursor.LastSuccessAt) < s.SyncInterval {
				continue
			}

			if _, err := s.Orchestrator.Trigger(tenantCtx, conn.Rail, entityType, models.TriggerSchedule); err != nil {
				if err == ErrLeaseHeld || err == ErrRailDisabled {
					continue
				}
				config.LogError(s.Logger, moduleName, "startDueSyncs", "scheduled sync failed", logrus.Fields{
					"tenant_id":   conn.TenantId,
					"rail":        conn.Rail,
					"entity_type": entityType,
				}, err)
			}
		}
	}
}
