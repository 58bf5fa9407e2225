package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewMirrorRow_AllEntityTypes(t *testing.T) {
	for _, entityType := range AllEntityTypes() {
		row, err := NewMirrorRow(entityType)
		if err != nil {
			t.Fatalf("%s: %v", entityType, err)
		}
		if row.TableName() == "" {
			t.Fatalf("%s: empty table name", entityType)
		}
	}
	if _, err := NewMirrorRow("ledger"); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestDiffSnapshots_UnchangedIsEmpty(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	snap := MirrorSnapshot{
		Amount:       decimal.NewFromInt(100),
		Currency:     "USD",
		DueDate:      &due,
		Counterparty: "Acme",
		Status:       "open",
		RecordStatus: RecordStatusActive,
	}
	if diff := DiffSnapshots(snap, snap); len(diff) != 0 {
		t.Fatalf("expected empty diff, got %v", diff)
	}
}

func TestDiffSnapshots_EqualDecimalDifferentScale(t *testing.T) {
	before := MirrorSnapshot{Amount: decimal.NewFromInt(100)}
	after := MirrorSnapshot{Amount: decimal.RequireFromString("100.00")}
	if diff := DiffSnapshots(before, after); len(diff) != 0 {
		t.Fatalf("100 and 100.00 must not diff, got %v", diff)
	}
}

func TestDiffSnapshots_ReportsChangedFields(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	later := due.AddDate(0, 0, 14)

	before := MirrorSnapshot{
		Amount:       decimal.NewFromInt(500),
		Currency:     "USD",
		DueDate:      &due,
		Status:       "open",
		RecordStatus: RecordStatusActive,
	}
	after := before
	after.Amount = decimal.NewFromInt(550)
	after.DueDate = &later

	diff := DiffSnapshots(before, after)
	if len(diff) != 2 {
		t.Fatalf("expected 2 changes, got %v", diff)
	}
	if _, ok := diff["amount"]; !ok {
		t.Fatal("amount change missing from diff")
	}
	if _, ok := diff["due_date"]; !ok {
		t.Fatal("due_date change missing from diff")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ext := "qbo-123"
	core := MirrorCore{
		TenantId:     "t1",
		ExternalId:   &ext,
		Amount:       decimal.NewFromFloat(123.45),
		Currency:     "USD",
		DueDate:      &due,
		Status:       "open",
		Counterparty: "Acme",
		Payable:      true,
		RecordStatus: RecordStatusActive,
	}

	snap := core.Snapshot()
	if snap.ExternalId == nil || *snap.ExternalId != ext {
		t.Fatal("external id lost in snapshot")
	}
	if diff := DiffSnapshots(snap, core.Snapshot()); len(diff) != 0 {
		t.Fatalf("snapshot of same core must not diff: %v", diff)
	}
}

func TestCanonicalEntityOccurredAt(t *testing.T) {
	fallback := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sourceTime := time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)

	ent := CanonicalEntity{}
	if got := ent.OccurredAt(fallback); !got.Equal(fallback) {
		t.Fatalf("expected fallback, got %s", got)
	}
	ent.SourceUpdatedAt = &sourceTime
	if got := ent.OccurredAt(fallback); !got.Equal(sourceTime) {
		t.Fatalf("expected source time, got %s", got)
	}
}
