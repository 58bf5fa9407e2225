package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/shopspring/decimal"
)

// ledgerRail feeds a fixed set of bill records through the real fetch/map/
// upsert loop. While poisoned, one record maps to a currency too long for the
// mirror column, so the store rejects the write mid-batch.
type ledgerRail struct {
	records  []RailRecord
	poisoned bool
}

type ledgerRecord struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

func newLedgerRail(count int) *ledgerRail {
	rail := &ledgerRail{poisoned: true}
	for i := 1; i <= count; i++ {
		raw, _ := json.Marshal(ledgerRecord{
			ID:     fmt.Sprintf("r-%02d", i),
			Amount: fmt.Sprintf("%d", 100+i),
		})
		rail.records = append(rail.records, RailRecord{
			Raw:    raw,
			Cursor: fmt.Sprintf("c%02d", i),
		})
	}
	return rail
}

func (r *ledgerRail) Name() string { return "testledger" }

func (r *ledgerRail) Capabilities() Capabilities {
	return Capabilities{Read: true, Incremental: true}
}

func (r *ledgerRail) EntityTypes() []string {
	return []string{models.EntityTypeBill}
}

func (r *ledgerRail) Fetch(ctx context.Context, conn *models.RailConnection, req FetchRequest) (*RailPage, error) {
	page := &RailPage{}
	for _, record := range r.records {
		if req.Cursor == "" || record.Cursor > req.Cursor {
			page.Records = append(page.Records, record)
		}
	}
	return page, nil
}

func (r *ledgerRail) Map(entityType string, raw json.RawMessage) (*models.CanonicalEntity, error) {
	var record ledgerRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, &MappingError{Err: err}
	}
	amount, err := decimal.NewFromString(record.Amount)
	if err != nil {
		return nil, &MappingError{ExternalId: record.ID, Err: err}
	}

	currency := "USD"
	if r.poisoned && record.ID == "r-06" {
		// Overflows the mirror's currency column, so the upsert fails after
		// five records already committed.
		currency = strings.Repeat("USD", 10)
	}
	return &models.CanonicalEntity{
		EntityType:   models.EntityTypeBill,
		ExternalId:   record.ID,
		Amount:       amount,
		Currency:     currency,
		Status:       "open",
		Counterparty: "Acme Supplies",
		Payable:      true,
	}, nil
}

// A store rejection at record 6 of 10 must leave the cursor at record 5, and
// the rerun must finish records 6 through 10 and land on the same cursor a
// clean run produces.
func TestTriggerResumesAfterMidBatchStoreFailure(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startSyncMySQLContainer(t)
	t.Cleanup(func() { _ = syncDockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rowcol_test")

	config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(config.GetDB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rail := newLedgerRail(10)
	registry := NewRegistry()
	registry.Register(rail)
	orchestrator := NewOrchestrator(registry)

	ctx := utils.SetTenantIdInContext(context.Background(), "tenant-1")
	connectLedger(t, ctx, rail.Name())

	run, err := orchestrator.Trigger(ctx, rail.Name(), models.EntityTypeBill, models.TriggerManual)
	var persistence *PersistenceError
	if !errors.As(err, &persistence) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if run.RecordsFetched != 6 || run.RecordsUpdated != 5 || run.RecordsFailed != 1 {
		t.Fatalf("run metrics: fetched=%d updated=%d failed=%d", run.RecordsFetched, run.RecordsUpdated, run.RecordsFailed)
	}

	cursor, err := models.GetOrCreateSyncCursor(ctx, rail.Name(), models.EntityTypeBill)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.State != models.SyncStateFailedRetry {
		t.Fatalf("cursor state: %q", cursor.State)
	}
	if cursor.CursorToken != "c05" {
		t.Fatalf("cursor must stop at the last committed record, got %q", cursor.CursorToken)
	}
	assertMirrorIds(t, ctx, "r-01", "r-02", "r-03", "r-04", "r-05")

	recordErrors, err := models.ListRunErrors(ctx, run.ID)
	if err != nil {
		t.Fatalf("run errors: %v", err)
	}
	if len(recordErrors) != 1 || !recordErrors[0].Retryable {
		t.Fatalf("expected one retryable record error, got %+v", recordErrors)
	}

	// The rail recovers; the retry picks up at record 6, not record 1.
	rail.poisoned = false
	run, err = orchestrator.Trigger(ctx, rail.Name(), models.EntityTypeBill, models.TriggerRetry)
	if err != nil {
		t.Fatalf("retry trigger: %v", err)
	}
	if run.Status != models.RunStatusSuccess {
		t.Fatalf("retry run status: %q", run.Status)
	}
	if run.RecordsFetched != 5 {
		t.Fatalf("retry must only fetch the failed tail, fetched=%d", run.RecordsFetched)
	}

	cursor, err = models.GetOrCreateSyncCursor(ctx, rail.Name(), models.EntityTypeBill)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.State != models.SyncStateSucceeded || cursor.ConsecutiveFailures != 0 {
		t.Fatalf("recovered cursor: state=%q failures=%d", cursor.State, cursor.ConsecutiveFailures)
	}
	assertMirrorIds(t, ctx,
		"r-01", "r-02", "r-03", "r-04", "r-05",
		"r-06", "r-07", "r-08", "r-09", "r-10")

	// A tenant that never hit the failure ends on the same cursor.
	cleanCtx := utils.SetTenantIdInContext(context.Background(), "tenant-2")
	connectLedger(t, cleanCtx, rail.Name())
	if _, err := orchestrator.Trigger(cleanCtx, rail.Name(), models.EntityTypeBill, models.TriggerManual); err != nil {
		t.Fatalf("clean run: %v", err)
	}
	cleanCursor, err := models.GetOrCreateSyncCursor(cleanCtx, rail.Name(), models.EntityTypeBill)
	if err != nil {
		t.Fatalf("clean cursor: %v", err)
	}
	if cleanCursor.CursorToken != cursor.CursorToken {
		t.Fatalf("interrupted run must converge on the clean run's cursor: %q vs %q",
			cursor.CursorToken, cleanCursor.CursorToken)
	}
}

func connectLedger(t *testing.T, ctx context.Context, rail string) {
	t.Helper()
	err := models.UpsertRailConnection(ctx, &models.RailConnection{
		Rail:          rail,
		Status:        models.ConnectionStatusConnected,
		AuthType:      models.AuthTypeAPIKey,
		AuthSecretRef: "test-secret",
	})
	if err != nil {
		t.Fatalf("connect %s: %v", rail, err)
	}
}

func assertMirrorIds(t *testing.T, ctx context.Context, want ...string) {
	t.Helper()
	rows, err := models.QueryMirror(ctx, models.EntityTypeBill, models.MirrorFilter{})
	if err != nil {
		t.Fatalf("query mirror: %v", err)
	}
	var got []string
	for _, row := range rows {
		if row.ExternalId != nil {
			got = append(got, *row.ExternalId)
		}
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("mirror rows: expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mirror rows: expected %v, got %v", want, got)
		}
	}
}

func startSyncMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rowcol-test-mysql-%d", time.Now().UnixNano())
	out, err := syncDockerRun(
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
	port, err := syncDockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := syncDockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func syncDockerHostPort(container, portProto string) (string, error) {
	out, err := syncDockerRun("port", container, portProto)
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

func syncDockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := syncDockerRun("rm", "-f", container)
	return err
}

func syncDockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
