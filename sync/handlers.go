package sync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/gin-gonic/gin"
)

type ConnectRequest struct {
	AuthType          string `json:"authType"`
	SecretRef         string `json:"secretRef"`
	ExternalAccountId string `json:"externalAccountId"`
}

type StreamStatusResponse struct {
	EntityType    string  `json:"entityType"`
	State         string  `json:"state"`
	Health        string  `json:"health"`
	LastRunAt     *string `json:"lastRunAt"`
	LastSuccessAt *string `json:"lastSuccessAt"`
	LastError     string  `json:"lastError,omitempty"`
}

type StatusResponse struct {
	Rail              string                 `json:"rail"`
	Status            string                 `json:"status"`
	StatusReason      string                 `json:"statusReason,omitempty"`
	Health            string                 `json:"health"`
	LastSyncAt        *string                `json:"lastSyncAt"`
	LastSuccessSyncAt *string                `json:"lastSuccessSyncAt"`
	Streams           []StreamStatusResponse `json:"streams"`
}

type TriggerRequest struct {
	EntityType string `json:"entityType"`
}

type SyncRunResponse struct {
	ID             int     `json:"id"`
	Rail           string  `json:"rail"`
	EntityType     string  `json:"entityType"`
	Status         string  `json:"status"`
	TriggeredBy    string  `json:"triggeredBy"`
	RecordsFetched int     `json:"recordsFetched"`
	RecordsUpdated int     `json:"recordsUpdated"`
	RecordsSkipped int     `json:"recordsSkipped"`
	RecordsFailed  int     `json:"recordsFailed"`
	StartedAt      *string `json:"startedAt"`
	FinishedAt     *string `json:"finishedAt"`
	Error          string  `json:"error,omitempty"`
}

type SyncErrorResponse struct {
	ID         int    `json:"id"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

// StatusHandler reports one rail's connection plus per-stream health. Overall
// health is the worst stream's.
func StatusHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		railName := c.Param("rail")
		if _, err := registry.Get(railName); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()

		conn, err := models.GetRailConnection(ctx, railName)
		if err != nil {
			if errors.Is(err, models.ErrRailNotConnected) {
				c.JSON(http.StatusOK, StatusResponse{
					Rail:    railName,
					Status:  models.ConnectionStatusDisconnected,
					Health:  models.HealthOk,
					Streams: []StreamStatusResponse{},
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		cursors, err := models.ListSyncCursors(ctx, railName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		health := models.HealthOk
		streams := make([]StreamStatusResponse, 0, len(cursors))
		for _, cursor := range cursors {
			streamHealth := cursor.Health()
			health = worseHealth(health, streamHealth)
			streams = append(streams, StreamStatusResponse{
				EntityType:    cursor.EntityType,
				State:         cursor.State,
				Health:        streamHealth,
				LastRunAt:     formatTime(cursor.LastRunAt),
				LastSuccessAt: formatTime(cursor.LastSuccessAt),
				LastError:     cursor.LastError,
			})
		}
		if conn.Status == models.ConnectionStatusError {
			health = models.HealthNeedsAttention
		}

		c.JSON(http.StatusOK, StatusResponse{
			Rail:              railName,
			Status:            conn.Status,
			StatusReason:      conn.StatusReason,
			Health:            health,
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Streams:           streams,
		})
	}
}

// ConnectHandler links the tenant to a rail and kicks off the first sync.
func ConnectHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		railName := c.Param("rail")
		rail, err := registry.Get(railName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.SecretRef) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "secretRef is required"})
			return
		}
		authType := req.AuthType
		if authType == "" {
			authType = models.AuthTypeAPIKey
		}

		ctx := c.Request.Context()
		conn := &models.RailConnection{
			Rail:              railName,
			Status:            models.ConnectionStatusConnected,
			AuthType:          authType,
			AuthSecretRef:     req.SecretRef,
			ExternalAccountId: strings.TrimSpace(req.ExternalAccountId),
		}
		if err := models.UpsertRailConnection(ctx, conn); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		if rail.Capabilities().Read {
			for _, entityType := range rail.EntityTypes() {
				_ = PublishSyncRequest(ctx, SyncRequestPayload{
					TenantId:    tenantId,
					Rail:        railName,
					EntityType:  entityType,
					TriggeredBy: models.TriggerManual,
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": conn.Status})
	}
}

// DisconnectHandler unlinks the rail. Mirror data and history stay.
func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		railName := c.Param("rail")
		ctx := c.Request.Context()

		conn, err := models.GetRailConnection(ctx, railName)
		if err != nil {
			if errors.Is(err, models.ErrRailNotConnected) {
				c.JSON(http.StatusOK, gin.H{"status": models.ConnectionStatusDisconnected})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := conn.MarkConnectionStatus(ctx, models.ConnectionStatusDisconnected, "disconnected by user"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.ConnectionStatusDisconnected})
	}
}

// SettingsHandler replaces the connection's rail-specific settings blob.
func SettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		railName := c.Param("rail")
		ctx := c.Request.Context()

		var settings map[string]interface{}
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		conn, err := models.GetRailConnection(ctx, railName)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, models.ErrRailNotConnected) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		raw, err := utils.MarshalToJSON(settings)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings"})
			return
		}
		conn.SettingsJSON = []byte(raw)
		if err := models.UpsertRailConnection(ctx, conn); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// TriggerHandler queues a manual sync, one stream or all of them.
func TriggerHandler(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		railName := c.Param("rail")
		rail, err := registry.Get(railName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		var req TriggerRequest
		_ = c.ShouldBindJSON(&req)

		ctx := c.Request.Context()
		if _, err := models.GetRailConnection(ctx, railName); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, models.ErrRailNotConnected) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		entityTypes := rail.EntityTypes()
		if req.EntityType != "" {
			entityTypes = []string{req.EntityType}
		}

		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		for _, entityType := range entityTypes {
			if err := PublishSyncRequest(ctx, SyncRequestPayload{
				TenantId:    tenantId,
				Rail:        railName,
				EntityType:  entityType,
				TriggeredBy: models.TriggerManual,
			}); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": entityTypes})
	}
}

// SyncHistoryHandler lists recent runs, newest first.
func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		runs, err := models.ListSyncRuns(c.Request.Context(), c.Query("rail"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// SyncRunDetailHandler returns one run plus its per-record errors.
func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		ctx := c.Request.Context()

		run, err := models.GetSyncRun(ctx, id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		recordErrors, err := models.ListRunErrors(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := SyncRunDetailResponse{SyncRunResponse: mapRunToResponse(run)}
		detail.Errors = make([]SyncErrorResponse, 0, len(recordErrors))
		for _, recErr := range recordErrors {
			detail.Errors = append(detail.Errors, SyncErrorResponse{
				ID:         recErr.ID,
				ExternalId: recErr.ExternalId,
				Message:    recErr.Error,
				Retryable:  recErr.Retryable,
			})
		}
		c.JSON(http.StatusOK, detail)
	}
}

// RetryRunHandler queues a fresh run over the same stream as a failed one.
func RetryRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		ctx := c.Request.Context()

		run, err := models.GetSyncRun(ctx, id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if run.Status == models.RunStatusRunning || run.Status == models.RunStatusQueued {
			c.JSON(http.StatusConflict, gin.H{"error": "run is still in progress"})
			return
		}

		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		if err := PublishSyncRequest(ctx, SyncRequestPayload{
			TenantId:    tenantId,
			Rail:        run.Rail,
			EntityType:  run.EntityType,
			TriggeredBy: models.TriggerRetry,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": run.EntityType})
	}
}

func worseHealth(a, b string) string {
	rank := map[string]int{
		models.HealthOk:             0,
		models.HealthDegraded:       1,
		models.HealthNeedsAttention: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run *models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:             run.ID,
		Rail:           run.Rail,
		EntityType:     run.EntityType,
		Status:         run.Status,
		TriggeredBy:    run.TriggeredBy,
		RecordsFetched: run.RecordsFetched,
		RecordsUpdated: run.RecordsUpdated,
		RecordsSkipped: run.RecordsSkipped,
		RecordsFailed:  run.RecordsFailed,
		StartedAt:      formatTime(run.StartedAt),
		FinishedAt:     formatTime(run.FinishedAt),
		Error:          run.Error,
	}
}

// ExecuteApprovalHandler pushes one approved payable to an execution rail.
// Only entries already approved can execute; the resulting rail payment comes
// back into the mirror through the normal sync path.
func ExecuteApprovalHandler(registry *Registry) gin.HandlerFunc {
	type executeRequest struct {
		Rail string `json:"rail"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req executeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Rail == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rail is required"})
			return
		}

		rail, err := registry.Get(req.Rail)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		pusher, ok := rail.(Pusher)
		if !ok || !rail.Capabilities().Push {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rail does not support execution"})
			return
		}

		ctx := c.Request.Context()
		entry, err := models.GetApprovalEntry(ctx, id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if entry.State != models.ApprovalStateApproved {
			c.JSON(http.StatusConflict, gin.H{"error": "approval entry is not approved"})
			return
		}

		conn, err := models.GetRailConnection(ctx, req.Rail)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, models.ErrRailNotConnected) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if conn.Status != models.ConnectionStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "rail is not connected"})
			return
		}

		row, err := models.GetMirrorById(ctx, entry.EntityType, entry.EntityId)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		core := row.Core()

		ent := models.CanonicalEntity{
			EntityType:             entry.EntityType,
			Amount:                 core.Amount,
			Currency:               core.Currency,
			Counterparty:           core.Counterparty,
			CounterpartyExternalId: core.CounterpartyExternalId,
			Memo:                   core.Memo,
		}
		if core.ExternalId != nil {
			ent.ExternalId = *core.ExternalId
		}

		externalId, err := pusher.Push(ctx, conn, &ent)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paymentExternalId": externalId})
	}
}
