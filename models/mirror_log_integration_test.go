package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/shopspring/decimal"
)

// End-to-end over a real MySQL: mirror upserts and their paired log entries.
func TestMirrorUpsertAndLogPairing(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rowcol_test")

	config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(config.GetDB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := utils.SetTenantIdInContext(context.Background(), "tenant-1")
	occurredAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	bill := models.CanonicalEntity{
		EntityType:   models.EntityTypeBill,
		ExternalId:   "qbo-bill-1",
		Amount:       decimal.NewFromInt(500),
		Currency:     "USD",
		Status:       "open",
		Counterparty: "Acme Supplies",
		Payable:      true,
	}

	// First sight creates the row and a created entry.
	res, err := models.UpsertMirror(ctx, bill, "qbo", occurredAt, nil)
	if err != nil {
		t.Fatalf("create upsert: %v", err)
	}
	if !res.Created || res.LogEntry == nil {
		t.Fatalf("expected created row with log entry, got %+v", res)
	}
	billId := res.Row.Core().ID

	// The amended bill appends an updated entry carrying the diff.
	bill.Amount = decimal.NewFromInt(550)
	res, err = models.UpsertMirror(ctx, bill, "qbo", occurredAt.AddDate(0, 0, 1), nil)
	if err != nil {
		t.Fatalf("update upsert: %v", err)
	}
	if !res.Changed || res.LogEntry == nil {
		t.Fatalf("expected changed row with log entry, got %+v", res)
	}
	if res.LogEntry.OperationKind != models.OperationUpdated {
		t.Fatalf("operation kind: %q", res.LogEntry.OperationKind)
	}
	if len(res.LogEntry.Diff) == 0 {
		t.Fatal("updated entry must carry a diff")
	}

	// Re-syncing the unchanged bill appends nothing.
	res, err = models.UpsertMirror(ctx, bill, "qbo", occurredAt.AddDate(0, 0, 2), nil)
	if err != nil {
		t.Fatalf("unchanged upsert: %v", err)
	}
	if res.Changed || res.LogEntry != nil {
		t.Fatalf("unchanged re-sync must not log, got %+v", res)
	}

	count, err := models.CountLogEntries(ctx, models.EntityTypeBill, billId)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 log entries, got %d", count)
	}

	// Replaying history reproduces the mirror row.
	entries, err := models.GetHistory(ctx, models.EntityTypeBill, billId)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	replayed, err := models.ReplayHistory(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	row, err := models.GetMirrorById(ctx, models.EntityTypeBill, billId)
	if err != nil {
		t.Fatalf("get mirror: %v", err)
	}
	if diff := models.DiffSnapshots(*replayed, row.Core().Snapshot()); len(diff) != 0 {
		t.Fatalf("replayed state diverges from mirror: %v", diff)
	}

	// Duplicate appends are rejected at write time.
	dup := &models.TransactionLogEntry{
		EntityType:    models.EntityTypeBill,
		EntityId:      billId,
		OperationKind: models.OperationUpdated,
		Source:        "qbo",
		Snapshot:      entries[len(entries)-1].Snapshot,
		OccurredAt:    entries[len(entries)-1].OccurredAt,
	}
	if err := models.AppendLogEntry(ctx, dup); !errors.Is(err, models.ErrDuplicateLogEntry) {
		t.Fatalf("expected ErrDuplicateLogEntry, got %v", err)
	}

	// The log is append-only.
	if err := config.GetDB().WithContext(ctx).Model(entries[0]).Update("source", "edited").Error; err == nil {
		t.Fatal("log entry update must be rejected")
	}

	// Soft delete keeps the row and logs the deletion.
	if _, err := models.SoftDeleteMirror(ctx, models.EntityTypeBill, billId, models.SourceUser, nil); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	row, err = models.GetMirrorById(ctx, models.EntityTypeBill, billId)
	if err != nil {
		t.Fatalf("deleted row must still load: %v", err)
	}
	if row.Core().RecordStatus != models.RecordStatusDeleted {
		t.Fatalf("record status: %q", row.Core().RecordStatus)
	}
	count, _ = models.CountLogEntries(ctx, models.EntityTypeBill, billId)
	if count != 3 {
		t.Fatalf("expected 3 log entries after delete, got %d", count)
	}

	// Another tenant sees none of it.
	otherCtx := utils.SetTenantIdInContext(context.Background(), "tenant-2")
	if _, err := models.GetMirror(otherCtx, models.EntityTypeBill, "qbo-bill-1"); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("cross-tenant read must miss, got %v", err)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rowcol-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=rowcol_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
