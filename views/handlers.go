package views

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type EntityUpsertRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	DueDate      *time.Time      `json:"dueDate"`
	IssuedAt     *time.Time      `json:"issuedAt"`
	Status       string          `json:"status"`
	Counterparty string          `json:"counterparty"`
	Memo         string          `json:"memo"`
	Payable      bool            `json:"payable"`
	CategoryHint string          `json:"categoryHint"`
}

func (r EntityUpsertRequest) toCanonical(entityType string) models.CanonicalEntity {
	return models.CanonicalEntity{
		EntityType:   entityType,
		Amount:       r.Amount,
		Currency:     r.Currency,
		DueDate:      r.DueDate,
		IssuedAt:     r.IssuedAt,
		Status:       r.Status,
		Counterparty: r.Counterparty,
		Memo:         r.Memo,
		Payable:      r.Payable,
		CategoryHint: r.CategoryHint,
	}
}

func entityTypeParam(c *gin.Context) (string, bool) {
	entityType := c.Param("entityType")
	if _, err := models.NewMirrorRow(entityType); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return entityType, true
}

// ListEntitiesHandler lists mirror rows of one type.
func ListEntitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}

		filter := models.MirrorFilter{
			Status:       c.Query("status"),
			RecordStatus: c.DefaultQuery("recordStatus", models.RecordStatusActive),
		}
		if v := c.Query("payable"); v != "" {
			payable := v == "true"
			filter.Payable = &payable
		}

		cores, err := models.QueryMirror(c.Request.Context(), entityType, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": cores})
	}
}

// GetEntityHandler fetches one mirror row.
func GetEntityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		row, err := models.GetMirrorById(c.Request.Context(), entityType, id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

// UpsertEntityHandler applies a user create or edit through the same
// mirror-and-log path sync writes take.
func UpsertEntityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		id := 0
		if raw := c.Param("id"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
				return
			}
			id = parsed
		}

		var req EntityUpsertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		res, err := models.UpsertLocal(c.Request.Context(), entityType, id, req.toCanonical(entityType))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		code := http.StatusOK
		if res.Created {
			code = http.StatusCreated
		}
		c.JSON(code, res.Row)
	}
}

// DeleteEntityHandler soft-deletes one mirror row.
func DeleteEntityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		var actorId *int
		if aid, ok := utils.GetActorIdFromContext(c.Request.Context()); ok {
			actorId = &aid
		}
		row, err := models.SoftDeleteMirror(c.Request.Context(), entityType, id, models.SourceUser, actorId)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

// EntityHistoryHandler returns the entity's full change history, and the
// state replayed from it so callers can verify it against the mirror row.
func EntityHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		entries, err := models.GetHistory(c.Request.Context(), entityType, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(entries) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no history for entity"})
			return
		}

		replayed, err := models.ReplayHistory(entries)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "replayed": replayed})
	}
}

// PayablesViewHandler serves the near-term cash-out view.
func PayablesViewHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		horizonDays, err := strconv.Atoi(c.DefaultQuery("horizonDays", "14"))
		if err != nil || horizonDays <= 0 {
			horizonDays = 14
		}
		view, err := orchestrator.GetPayablesView(c.Request.Context(), time.Duration(horizonDays)*24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// HygieneViewHandler serves the data-quality worklist.
func HygieneViewHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := orchestrator.GetHygieneView(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ApprovalsViewHandler serves the review queue.
func ApprovalsViewHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := orchestrator.GetApprovalsView(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// QueueApprovalsHandler fills the queue from bills due soon.
func QueueApprovalsHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		horizonDays, err := strconv.Atoi(c.DefaultQuery("horizonDays", "7"))
		if err != nil || horizonDays <= 0 {
			horizonDays = 7
		}
		queued, err := orchestrator.QueuePayablesDueSoon(c.Request.Context(), time.Duration(horizonDays)*24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": queued})
	}
}

// DecideApprovalHandler records approve or dismiss on one queue entry.
func DecideApprovalHandler() gin.HandlerFunc {
	type decideRequest struct {
		Approve bool `json:"approve"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req decideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		entry, err := models.DecideApproval(c.Request.Context(), id, req.Approve)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}
