package sync

import (
	"errors"
	"testing"
)

// NOTE: These tests are intentionally DB-free. They validate the batch
// semantics the orchestrator guarantees: a mapping failure skips one record
// and keeps going, a persistence failure halts with the cursor at the last
// committed record, and a clean batch commits everything.
//
// Full DB integration tests should run in an environment with MySQL.

type fakeRecord struct {
	id     string
	cursor string
	badMap bool
}

type fakeBatch struct {
	records   []fakeRecord
	failStore map[string]bool

	committed []string
	skipped   []string
}

// apply mirrors runStream's per-record loop.
func (b *fakeBatch) apply(startCursor string) (lastCursor string, err error) {
	lastCursor = startCursor
	for _, rec := range b.records {
		if rec.badMap {
			b.skipped = append(b.skipped, rec.id)
			lastCursor = rec.cursor
			continue
		}
		if b.failStore[rec.id] {
			return lastCursor, &PersistenceError{ExternalId: rec.id, Err: errors.New("store rejected write")}
		}
		b.committed = append(b.committed, rec.id)
		lastCursor = rec.cursor
	}
	return lastCursor, nil
}

func TestBatchMappingFailureSkipsOneRecord(t *testing.T) {
	batch := &fakeBatch{
		records: []fakeRecord{
			{id: "a", cursor: "1"},
			{id: "b", cursor: "2", badMap: true},
			{id: "c", cursor: "3"},
		},
	}

	last, err := batch.apply("")
	if err != nil {
		t.Fatalf("mapping failure must not fail the batch: %v", err)
	}
	if last != "3" {
		t.Fatalf("cursor must cover the whole batch, got %q", last)
	}
	if len(batch.committed) != 2 || len(batch.skipped) != 1 {
		t.Fatalf("expected 2 committed 1 skipped, got %v / %v", batch.committed, batch.skipped)
	}
}

func TestBatchPersistenceFailureHaltsAtLastCommitted(t *testing.T) {
	batch := &fakeBatch{
		records: []fakeRecord{
			{id: "a", cursor: "1"},
			{id: "b", cursor: "2"},
			{id: "c", cursor: "3"},
		},
		failStore: map[string]bool{"b": true},
	}

	last, err := batch.apply("")
	var persist *PersistenceError
	if !errors.As(err, &persist) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if last != "1" {
		t.Fatalf("cursor must stop at last committed record, got %q", last)
	}
	if len(batch.committed) != 1 || batch.committed[0] != "a" {
		t.Fatalf("only record a should be committed, got %v", batch.committed)
	}

	// The retry resumes from the halted cursor and picks up b and c.
	retry := &fakeBatch{records: batch.records[1:]}
	last, err = retry.apply(last)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if last != "3" {
		t.Fatalf("retry must finish the batch, got cursor %q", last)
	}
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("boom")

	var transient *TransientSyncError
	err := error(&TransientSyncError{Op: "fetch", Err: cause})
	if !errors.As(err, &transient) || !errors.Is(err, cause) {
		t.Fatal("TransientSyncError must unwrap to its cause")
	}

	var fatal *FatalSyncError
	err = error(&FatalSyncError{Op: "fetch", Err: cause})
	if !errors.As(err, &fatal) || !errors.Is(err, cause) {
		t.Fatal("FatalSyncError must unwrap to its cause")
	}

	var mapping *MappingError
	err = error(&MappingError{ExternalId: "x", Err: cause})
	if !errors.As(err, &mapping) || !errors.Is(err, cause) {
		t.Fatal("MappingError must unwrap to its cause")
	}
}

func TestWorseHealthOrdering(t *testing.T) {
	if worseHealth("ok", "degraded") != "degraded" {
		t.Fatal("degraded beats ok")
	}
	if worseHealth("needs-attention", "degraded") != "needs-attention" {
		t.Fatal("needs-attention beats degraded")
	}
	if worseHealth("ok", "ok") != "ok" {
		t.Fatal("ok stays ok")
	}
}
