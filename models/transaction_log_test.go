package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the log
// semantics that do not depend on storage: idempotency key derivation and
// replaying a history back into current state.

func mustSnapshotJSON(t *testing.T, snap MirrorSnapshot) []byte {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return data
}

func TestLogIdempotencyKey_StableForSameWrite(t *testing.T) {
	occurredAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	a := LogIdempotencyKey("bill", 42, "qbo", occurredAt, OperationUpdated)
	b := LogIdempotencyKey("bill", 42, "qbo", occurredAt, OperationUpdated)
	if a != b {
		t.Fatalf("same write produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestLogIdempotencyKey_DistinguishesWrites(t *testing.T) {
	occurredAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	base := LogIdempotencyKey("bill", 42, "qbo", occurredAt, OperationUpdated)

	variants := []string{
		LogIdempotencyKey("invoice", 42, "qbo", occurredAt, OperationUpdated),
		LogIdempotencyKey("bill", 43, "qbo", occurredAt, OperationUpdated),
		LogIdempotencyKey("bill", 42, "relay", occurredAt, OperationUpdated),
		LogIdempotencyKey("bill", 42, "qbo", occurredAt.Add(time.Second), OperationUpdated),
		LogIdempotencyKey("bill", 42, "qbo", occurredAt, OperationCreated),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base key", i)
		}
	}
}

func TestReplayHistory_FoldsToLatestState(t *testing.T) {
	occurredAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	created := MirrorSnapshot{
		Amount:       decimal.NewFromInt(500),
		Currency:     "USD",
		Counterparty: "Acme Supplies",
		Status:       "open",
		RecordStatus: RecordStatusActive,
	}
	amended := created
	amended.Amount = decimal.NewFromInt(550)
	paid := amended
	paid.Status = "paid"

	entries := []*TransactionLogEntry{
		{ID: 1, EntityType: "bill", EntityId: 7, OperationKind: OperationCreated, OccurredAt: occurredAt, Snapshot: mustSnapshotJSON(t, created)},
		{ID: 2, EntityType: "bill", EntityId: 7, OperationKind: OperationUpdated, OccurredAt: occurredAt.AddDate(0, 0, 1), Snapshot: mustSnapshotJSON(t, amended)},
		{ID: 3, EntityType: "bill", EntityId: 7, OperationKind: OperationUpdated, OccurredAt: occurredAt.AddDate(0, 0, 2), Snapshot: mustSnapshotJSON(t, paid)},
	}

	state, err := ReplayHistory(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !state.Amount.Equal(decimal.NewFromInt(550)) {
		t.Fatalf("expected replayed amount 550, got %s", state.Amount)
	}
	if state.Status != "paid" {
		t.Fatalf("expected replayed status paid, got %s", state.Status)
	}
	if state.Counterparty != "Acme Supplies" {
		t.Fatalf("counterparty lost during replay: %q", state.Counterparty)
	}
}

func TestReplayHistory_EmptyHistory(t *testing.T) {
	if _, err := ReplayHistory(nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestReplayHistory_MalformedSnapshot(t *testing.T) {
	entries := []*TransactionLogEntry{
		{ID: 1, EntityType: "bill", EntityId: 7, Snapshot: []byte("{not json")},
	}
	if _, err := ReplayHistory(entries); err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
}
