package views

import (
	"context"
	"time"

	"github.com/data-steve/rowcol-sync/models"
	"github.com/shopspring/decimal"
)

// Orchestrator composes read models for one consumer surface out of the
// mirror and the transaction log. It owns no state of its own; every view is
// recomputed from storage on request.
type Orchestrator struct{}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{}
}

// PayableItem is one bill as a payables surface shows it.
type PayableItem struct {
	ID           int             `json:"id"`
	ExternalId   *string         `json:"externalId"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	DueDate      *time.Time      `json:"dueDate"`
	Status       string          `json:"status"`
	CategoryHint string          `json:"categoryHint"`
	Overdue      bool            `json:"overdue"`
}

// PayablesView is the near-term cash-out picture.
type PayablesView struct {
	Items    []PayableItem   `json:"items"`
	TotalDue decimal.Decimal `json:"totalDue"`
	Overdue  int             `json:"overdue"`
	AsOf     time.Time       `json:"asOf"`
}

// GetPayablesView lists active payable bills due within the horizon plus
// everything already overdue.
func (o *Orchestrator) GetPayablesView(ctx context.Context, horizon time.Duration) (*PayablesView, error) {
	now := time.Now().UTC()
	dueBefore := now.Add(horizon)
	payable := true

	cores, err := models.QueryMirror(ctx, models.EntityTypeBill, models.MirrorFilter{
		RecordStatus: models.RecordStatusActive,
		Payable:      &payable,
		DueBefore:    &dueBefore,
	})
	if err != nil {
		return nil, err
	}

	view := &PayablesView{
		Items:    make([]PayableItem, 0, len(cores)),
		TotalDue: decimal.Zero,
		AsOf:     now,
	}
	for _, core := range cores {
		overdue := core.DueDate != nil && core.DueDate.Before(now)
		if overdue {
			view.Overdue++
		}
		view.TotalDue = view.TotalDue.Add(core.Amount)
		view.Items = append(view.Items, PayableItem{
			ID:           core.ID,
			ExternalId:   core.ExternalId,
			Counterparty: core.Counterparty,
			Amount:       core.Amount,
			Currency:     core.Currency,
			DueDate:      core.DueDate,
			Status:       core.Status,
			CategoryHint: core.CategoryHint,
			Overdue:      overdue,
		})
	}
	return view, nil
}

// HygieneIssue flags one mirror row a human should fix before trusting
// downstream numbers.
type HygieneIssue struct {
	EntityType string  `json:"entityType"`
	EntityId   int     `json:"entityId"`
	ExternalId *string `json:"externalId"`
	Problem    string  `json:"problem"`
}

// HygieneView is the data-quality worklist over the mirror.
type HygieneView struct {
	Issues []HygieneIssue `json:"issues"`
	AsOf   time.Time      `json:"asOf"`
}

// GetHygieneView scans bills and invoices for rows that will distort any
// forecast built on them: missing due dates, zero amounts, unknown
// counterparties.
func (o *Orchestrator) GetHygieneView(ctx context.Context) (*HygieneView, error) {
	view := &HygieneView{Issues: []HygieneIssue{}, AsOf: time.Now().UTC()}

	checks := []struct {
		filter  models.MirrorFilter
		problem string
	}{
		{models.MirrorFilter{RecordStatus: models.RecordStatusActive, MissingDue: true}, "missing due date"},
		{models.MirrorFilter{RecordStatus: models.RecordStatusActive, ZeroAmount: true}, "zero amount"},
		{models.MirrorFilter{RecordStatus: models.RecordStatusActive, MissingParty: true}, "unknown counterparty"},
	}

	for _, entityType := range []string{models.EntityTypeBill, models.EntityTypeInvoice} {
		for _, check := range checks {
			cores, err := models.QueryMirror(ctx, entityType, check.filter)
			if err != nil {
				return nil, err
			}
			for _, core := range cores {
				view.Issues = append(view.Issues, HygieneIssue{
					EntityType: entityType,
					EntityId:   core.ID,
					ExternalId: core.ExternalId,
					Problem:    check.problem,
				})
			}
		}
	}
	return view, nil
}

// ApprovalItem joins an approval queue entry with its payable.
type ApprovalItem struct {
	ID           int             `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityId     int             `json:"entityId"`
	State        string          `json:"state"`
	Reason       string          `json:"reason"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	DueDate      *time.Time      `json:"dueDate"`
}

// ApprovalsView is the review queue for payables awaiting a decision.
type ApprovalsView struct {
	Items []ApprovalItem `json:"items"`
	AsOf  time.Time      `json:"asOf"`
}

// GetApprovalsView lists queued approvals with the underlying bill fields
// inlined so the reviewer never needs a second fetch.
func (o *Orchestrator) GetApprovalsView(ctx context.Context) (*ApprovalsView, error) {
	entries, err := models.ListApprovals(ctx, models.ApprovalStateQueued)
	if err != nil {
		return nil, err
	}

	view := &ApprovalsView{Items: make([]ApprovalItem, 0, len(entries)), AsOf: time.Now().UTC()}
	for _, entry := range entries {
		item := ApprovalItem{
			ID:         entry.ID,
			EntityType: entry.EntityType,
			EntityId:   entry.EntityId,
			State:      entry.State,
			Reason:     entry.Reason,
		}
		if row, err := models.GetMirrorById(ctx, entry.EntityType, entry.EntityId); err == nil {
			core := row.Core()
			item.Counterparty = core.Counterparty
			item.Amount = core.Amount
			item.Currency = core.Currency
			item.DueDate = core.DueDate
		}
		view.Items = append(view.Items, item)
	}
	return view, nil
}

// QueuePayablesDueSoon fills the approval queue from the mirror: every active
// payable bill due within the horizon that is not already queued or decided.
func (o *Orchestrator) QueuePayablesDueSoon(ctx context.Context, horizon time.Duration) (int, error) {
	dueBefore := time.Now().UTC().Add(horizon)
	payable := true

	cores, err := models.QueryMirror(ctx, models.EntityTypeBill, models.MirrorFilter{
		RecordStatus: models.RecordStatusActive,
		Payable:      &payable,
		DueBefore:    &dueBefore,
	})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, core := range cores {
		entry, err := models.EnqueueApproval(ctx, models.EntityTypeBill, core.ID, "due soon")
		if err != nil {
			return queued, err
		}
		if entry.State == models.ApprovalStateQueued && entry.DecidedAt == nil {
			queued++
		}
	}
	return queued, nil
}
