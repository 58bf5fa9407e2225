package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCursorHealth(t *testing.T) {
	cases := []struct {
		name   string
		cursor SyncCursor
		want   string
	}{
		{"fresh", SyncCursor{State: SyncStateIdle}, HealthOk},
		{"succeeded", SyncCursor{State: SyncStateSucceeded}, HealthOk},
		{"one failure", SyncCursor{State: SyncStateFailedRetry, ConsecutiveFailures: 1}, HealthDegraded},
		{"two failures", SyncCursor{State: SyncStateFailedRetry, ConsecutiveFailures: 2}, HealthDegraded},
		{"three failures", SyncCursor{State: SyncStateFailedRetry, ConsecutiveFailures: 3}, HealthNeedsAttention},
		{"fatal", SyncCursor{State: SyncStateFailedFatal}, HealthNeedsAttention},
	}
	for _, tc := range cases {
		if got := tc.cursor.Health(); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestCursorEligible(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-10 * time.Minute)

	cases := []struct {
		name   string
		cursor SyncCursor
		want   bool
	}{
		{"idle", SyncCursor{State: SyncStateIdle}, true},
		{"running", SyncCursor{State: SyncStateRunning}, false},
		{"fatal stays parked", SyncCursor{State: SyncStateFailedFatal}, false},
		{"in backoff", SyncCursor{State: SyncStateFailedRetry, BackoffUntil: &future}, false},
		{"backoff elapsed", SyncCursor{State: SyncStateFailedRetry, BackoffUntil: &past}, true},
	}
	for _, tc := range cases {
		if got := tc.cursor.Eligible(now); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestFailureStreakParksStreamAsFatal(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cause := errors.New("rail unavailable")

	cursor := SyncCursor{State: SyncStateRunning}
	for i := 0; i < maxStreamFailures()-1; i++ {
		cursor.applyFailure(cause, false, now)
		if cursor.State != SyncStateFailedRetry {
			t.Fatalf("failure %d: expected %s, got %s", i+1, SyncStateFailedRetry, cursor.State)
		}
		if cursor.BackoffUntil == nil || !cursor.BackoffUntil.After(now) {
			t.Fatalf("failure %d: expected backoff in the future, got %v", i+1, cursor.BackoffUntil)
		}
	}

	// The failure that exhausts the retry budget parks the stream.
	cursor.applyFailure(cause, false, now)
	if cursor.State != SyncStateFailedFatal {
		t.Fatalf("exhausted stream must park as %s, got %s", SyncStateFailedFatal, cursor.State)
	}
	if cursor.BackoffUntil != nil {
		t.Fatalf("parked stream must not carry backoff, got %v", cursor.BackoffUntil)
	}
	if cursor.Eligible(now.Add(24 * time.Hour)) {
		t.Fatal("parked stream must never become eligible again on its own")
	}
	if cursor.Health() != HealthNeedsAttention {
		t.Fatalf("parked stream health: %s", cursor.Health())
	}
	if !strings.Contains(cursor.LastError, "retries exhausted") {
		t.Fatalf("last error must say the budget ran out, got %q", cursor.LastError)
	}
}

func TestFatalFailureParksImmediately(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	cursor := SyncCursor{State: SyncStateRunning}
	cursor.applyFailure(errors.New("credential revoked"), true, now)
	if cursor.State != SyncStateFailedFatal {
		t.Fatalf("expected %s, got %s", SyncStateFailedFatal, cursor.State)
	}
	if cursor.ConsecutiveFailures != 0 {
		t.Fatalf("fatal failure is not part of the retry streak, got %d", cursor.ConsecutiveFailures)
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	if retryBackoff(1) != time.Minute {
		t.Fatalf("first failure: expected 1m, got %s", retryBackoff(1))
	}
	if retryBackoff(2) != 2*time.Minute {
		t.Fatalf("second failure: expected 2m, got %s", retryBackoff(2))
	}
	if retryBackoff(3) != 4*time.Minute {
		t.Fatalf("third failure: expected 4m, got %s", retryBackoff(3))
	}
	if retryBackoff(20) != time.Hour {
		t.Fatalf("deep failure streak must cap at 1h, got %s", retryBackoff(20))
	}
}
