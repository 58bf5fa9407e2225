package qbo

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/sync"
	"github.com/shopspring/decimal"
)

func TestMapBill(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "bill-77",
		"doc_number": "1042",
		"vendor_ref": {"value": "v-9", "name": "Acme Supplies"},
		"total_amt": "550.00",
		"balance": "550.00",
		"currency_ref": {"value": "USD"},
		"txn_date": "2026-03-01",
		"due_date": "2026-03-15",
		"private_note": "net 14",
		"account_ref": {"name": "Office Expenses"},
		"updated_at": "2026-03-02T10:00:00Z"
	}`)

	rail := New()
	ent, err := rail.Map(models.EntityTypeBill, raw)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ent.ExternalId != "bill-77" {
		t.Fatalf("external id: %q", ent.ExternalId)
	}
	if !ent.Amount.Equal(decimal.RequireFromString("550.00")) {
		t.Fatalf("amount: %s", ent.Amount)
	}
	if !ent.Payable || ent.Status != "open" {
		t.Fatalf("open bill must be payable, got payable=%v status=%q", ent.Payable, ent.Status)
	}
	if ent.Counterparty != "Acme Supplies" || ent.CounterpartyExternalId != "v-9" {
		t.Fatalf("counterparty: %q/%q", ent.Counterparty, ent.CounterpartyExternalId)
	}
	if ent.CategoryHint != "Office Expenses" {
		t.Fatalf("category hint: %q", ent.CategoryHint)
	}
	if ent.DueDate == nil || ent.DueDate.Format("2006-01-02") != "2026-03-15" {
		t.Fatalf("due date: %v", ent.DueDate)
	}
	if ent.SourceUpdatedAt == nil {
		t.Fatal("source updated_at lost")
	}
}

func TestMapBill_PaidNotPayable(t *testing.T) {
	raw := json.RawMessage(`{"id": "bill-1", "total_amt": "100", "balance": "0", "updated_at": "2026-03-02T10:00:00Z"}`)

	rail := New()
	ent, err := rail.Map(models.EntityTypeBill, raw)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ent.Status != "paid" || ent.Payable {
		t.Fatalf("zero balance bill must be paid and not payable, got %q/%v", ent.Status, ent.Payable)
	}
}

func TestMapBill_MissingIdIsMappingError(t *testing.T) {
	rail := New()
	_, err := rail.Map(models.EntityTypeBill, json.RawMessage(`{"total_amt": "100"}`))

	var mapping *sync.MappingError
	if !errors.As(err, &mapping) {
		t.Fatalf("expected MappingError, got %v", err)
	}
}

func TestMapBill_BadAmountIsMappingError(t *testing.T) {
	rail := New()
	_, err := rail.Map(models.EntityTypeBill, json.RawMessage(`{"id": "b1", "balance": "12,50"}`))

	var mapping *sync.MappingError
	if !errors.As(err, &mapping) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if mapping.ExternalId != "b1" {
		t.Fatalf("mapping error must name the record, got %q", mapping.ExternalId)
	}
}

func TestMapInvoiceNeverPayable(t *testing.T) {
	raw := json.RawMessage(`{"id": "inv-3", "customer_ref": {"value": "c-1", "name": "Globex"}, "balance": "75.50", "updated_at": "2026-03-02T10:00:00Z"}`)

	rail := New()
	ent, err := rail.Map(models.EntityTypeInvoice, raw)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ent.Payable {
		t.Fatal("receivables are never payable")
	}
	if ent.EntityType != models.EntityTypeInvoice {
		t.Fatalf("entity type: %q", ent.EntityType)
	}
}

func TestMapVendorStatus(t *testing.T) {
	rail := New()

	ent, err := rail.Map(models.EntityTypeVendor, json.RawMessage(`{"id": "v-1", "display_name": "Acme", "active": true}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ent.Status != "active" || ent.Counterparty != "Acme" {
		t.Fatalf("got %q/%q", ent.Status, ent.Counterparty)
	}

	ent, err = rail.Map(models.EntityTypeVendor, json.RawMessage(`{"id": "v-2", "display_name": "Gone", "active": false}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ent.Status != "inactive" {
		t.Fatalf("inactive vendor status: %q", ent.Status)
	}
}

func TestMapAccountAsBalance(t *testing.T) {
	raw := json.RawMessage(`{"id": "acc-1", "name": "Checking", "account_type": "Bank", "current_balance": "10234.55", "active": true}`)

	rail := New()
	ent, err := rail.Map(models.EntityTypeBalance, raw)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !ent.Amount.Equal(decimal.RequireFromString("10234.55")) {
		t.Fatalf("balance amount: %s", ent.Amount)
	}
	if ent.CategoryHint != "Bank" {
		t.Fatalf("category hint: %q", ent.CategoryHint)
	}
}

func TestFetchCursorIsRecordUpdatedAt(t *testing.T) {
	cursor := recordCursor(json.RawMessage(`{"id": "x", "updated_at": "2026-03-02T10:00:00Z"}`))
	if cursor != "2026-03-02T10:00:00Z" {
		t.Fatalf("record cursor: %q", cursor)
	}
	if recordCursor(json.RawMessage(`{"id": "x"}`)) != "" {
		t.Fatal("missing updated_at must yield empty cursor")
	}
}

func TestClientSharedAcrossFetches(t *testing.T) {
	rail := New()
	conn := &models.RailConnection{TenantId: "t1", AuthSecretRef: "tok"}

	first, err := rail.client(conn)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	second, err := rail.client(conn)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if first != second {
		t.Fatal("same connection must reuse one client so the limiter budget is shared")
	}

	rotated := &models.RailConnection{TenantId: "t1", AuthSecretRef: "rotated"}
	third, err := rail.client(rotated)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if third == first {
		t.Fatal("rotated credential must get a fresh client")
	}
}

func TestClientRequiresCredential(t *testing.T) {
	rail := New()
	_, err := rail.client(&models.RailConnection{TenantId: "t1"})

	var fatal *sync.FatalSyncError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalSyncError, got %v", err)
	}
}
