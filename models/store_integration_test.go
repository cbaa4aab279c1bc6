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

	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/narrative"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/mmdatafocus/gstrecon_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestStoreAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	ctx := context.Background()

	dsn := strings.TrimSpace(os.Getenv("TEST_MYSQL_DSN"))
	if dsn == "" {
		name, port := startMySQLContainer(t)
		t.Cleanup(func() { _ = dockerRmForce(name) })
		dsn = fmt.Sprintf("root:testpw@tcp(127.0.0.1:%s)/gstrecon_test?parseTime=true&charset=utf8mb4", port)
	}
	t.Setenv("DB_DSN", dsn)

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	db, err := config.ConnectDatabaseWithRetry(connectCtx)
	require.NoError(t, err)
	require.NoError(t, models.MigrateTable(db))
	store := models.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })

	rows := []models.InvoiceInput{
		{SupplierGstin: "S1", BuyerGstin: "B1", InvNo: "INV-1", Amount: decimal.NewFromInt(1000),
			Status: models.InvoiceStatusMismatch, HsnCode: "123", TaxRate: decimal.NewFromInt(18), Period: "2024-04"},
		{SupplierGstin: "B1", BuyerGstin: "S1", InvNo: "INV-2", Amount: decimal.NewFromInt(50),
			Status: models.InvoiceStatusMatched, HsnCode: "1234", TaxRate: decimal.NewFromInt(12), Period: "2024-04"},
	}
	require.NoError(t, store.SaveInvoices(ctx, rows))
	// re-ingesting merges instead of duplicating edges
	require.NoError(t, store.SaveInvoices(ctx, rows))

	tuples, err := store.InvoiceTuples(ctx)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	require.Equal(t, "S1", tuples[0].Supplier)
	require.True(t, tuples[0].TaxRate.Equal(decimal.NewFromInt(18)))

	logger, _ := test.NewNullLogger()
	o := workflow.NewOrchestrator(store,
		reconcile.NewDetector(reconcile.DefaultCycleLimits(), logger),
		narrative.NewGenerator(nil, 0, logger),
		logger)
	summary := o.Run(ctx, workflow.TriggerCLI)
	require.Equal(t, workflow.RunStatusCompleted, summary.Status, summary.Error)
	require.Zero(t, summary.Failed)

	entries, err := store.ListAuditEntries(ctx, models.AuditFilter{})
	require.NoError(t, err)
	types := map[models.MismatchType]models.AuditEntry{}
	for _, e := range entries {
		types[e.MismatchType] = e
	}
	require.Contains(t, types, models.MismatchTypeAmount)
	require.Contains(t, types, models.MismatchTypeInvalidHSN)
	require.Contains(t, types, models.MismatchTypeCircular)
	require.Equal(t, reconcile.CircularInvoiceID, types[models.MismatchTypeCircular].InvNo)
	firstCreated := types[models.MismatchTypeAmount].CreatedAt

	n, err := store.UpdateAuditStatus(ctx, "INV-1", "", models.AuditStatusCleared)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = store.UpdateAuditStatus(ctx, "INV-404", "", models.AuditStatusCleared)
	require.True(t, errors.Is(err, models.ErrAuditEntryNotFound))

	// a second run resets review status and keeps one row per key
	summary = o.Run(ctx, workflow.TriggerCLI)
	require.Equal(t, workflow.RunStatusCompleted, summary.Status)
	again, err := store.ListAuditEntries(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, again, len(entries))
	for _, e := range again {
		require.Equal(t, models.AuditStatusFlagged, e.Status)
		if e.MismatchType == models.MismatchTypeAmount {
			require.True(t, e.CreatedAt.Equal(firstCreated))
		}
	}

	links, err := store.GraphLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)

	recon, err := store.ReconciliationRows(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, recon)
	require.Equal(t, "INV-1", recon[0].InvNo)

	// rates outside the slab set keep their exact value through the column
	odd := []models.InvoiceInput{
		{SupplierGstin: "S3", BuyerGstin: "B3", InvNo: "INV-3", Amount: decimal.NewFromInt(10),
			Status: models.InvoiceStatusMatched, HsnCode: "1234", TaxRate: decimal.RequireFromString("18.00001")},
		{SupplierGstin: "S4", BuyerGstin: "B4", InvNo: "INV-4", Amount: decimal.NewFromInt(10),
			Status: models.InvoiceStatusMatched, HsnCode: "1234", TaxRate: decimal.NewFromInt(1000)},
	}
	require.NoError(t, store.SaveInvoices(ctx, odd))
	tuples, err = store.InvoiceTuples(ctx)
	require.NoError(t, err)
	rates := map[string]decimal.Decimal{}
	for _, tu := range tuples {
		rates[tu.InvNo] = tu.TaxRate
	}
	require.True(t, rates["INV-3"].Equal(decimal.RequireFromString("18.00001")), rates["INV-3"].String())
	require.True(t, rates["INV-4"].Equal(decimal.NewFromInt(1000)), rates["INV-4"].String())

	summary = o.Run(ctx, workflow.TriggerCLI)
	require.Equal(t, workflow.RunStatusCompleted, summary.Status, summary.Error)
	flagged, err := store.ListAuditEntries(ctx, models.AuditFilter{})
	require.NoError(t, err)
	invs := map[string]bool{}
	for _, e := range flagged {
		if e.MismatchType == models.MismatchTypeInvalidRate {
			invs[e.InvNo] = true
		}
	}
	require.True(t, invs["INV-3"])
	require.True(t, invs["INV-4"])
}

func TestStoreUnavailableWithoutHandle(t *testing.T) {
	store := models.NewStore(nil)
	_, err := store.InvoiceTuples(context.Background())
	require.True(t, errors.Is(err, models.ErrStoreUnavailable))
	err = store.UpsertAuditEntry(context.Background(), &models.AuditEntry{InvNo: "x"})
	require.True(t, errors.Is(err, models.ErrStoreUnavailable))
	require.False(t, store.Ready())
	require.NoError(t, store.Close())
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("gstrecon-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=gstrecon_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
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
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
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
	// e.g. "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
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
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
