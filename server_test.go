package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	ready    bool
	saved    []models.InvoiceInput
	entries  []models.AuditEntry
	links    []models.GraphLink
	rows     []models.ReconciliationRow
	lastList models.AuditFilter
	err      error
}

func (f *fakeStore) Ready() bool { return f.ready }

func (f *fakeStore) SaveInvoices(_ context.Context, rows []models.InvoiceInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rows...)
	return nil
}

func (f *fakeStore) ListAuditEntries(_ context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	f.lastList = filter
	return f.entries, f.err
}

func (f *fakeStore) UpdateAuditStatus(_ context.Context, invNo, mismatchType string, status models.AuditStatus) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for i := range f.entries {
		e := &f.entries[i]
		if e.InvNo == invNo && (mismatchType == "" || string(e.MismatchType) == mismatchType) {
			e.Status = status
			n++
		}
	}
	if n == 0 {
		return 0, models.ErrAuditEntryNotFound
	}
	return n, nil
}

func (f *fakeStore) GraphLinks(context.Context) ([]models.GraphLink, error) { return f.links, f.err }

func (f *fakeStore) ReconciliationRows(context.Context) ([]models.ReconciliationRow, error) {
	return f.rows, f.err
}

type fakePipeline struct {
	mu       sync.Mutex
	triggers []string
	last     *workflow.RunSummary
}

func (p *fakePipeline) Trigger(trigger string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, trigger)
	return "run-1"
}

func (p *fakePipeline) Running() int { return 0 }

func (p *fakePipeline) LastRun(context.Context) (*workflow.RunSummary, error) { return p.last, nil }

func newTestServer(store *fakeStore, pipeline *fakePipeline) *server {
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	return &server{
		settings: config.Settings{},
		logger:   logger,
		store:    store,
		pipeline: pipeline,
	}
}

func do(t *testing.T, s *server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthzAndRoot(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakePipeline{})

	w := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"database":false`)
	require.NotEmpty(t, w.Header().Get("x-correlation-id"))
}

func TestAPIUnavailableUntilStoreReady(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakePipeline{})
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/audit-trail", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(&fakeStore{ready: true}, &fakePipeline{})
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"route not found"}`, w.Body.String())
}

func TestUploadStoresAndTriggers(t *testing.T) {
	store := &fakeStore{ready: true}
	pipeline := &fakePipeline{}
	s := newTestServer(store, pipeline)

	body := "supplier_gstin,buyer_gstin,inv_no,amount,status\nS1,B1,INV-1,1000,mismatch\nS1,B2,INV-2,5,matched\n"
	w := do(t, s, multipartUpload(t, "gstr1.csv", body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Rows)
	require.Equal(t, "Uploaded gstr1.csv successfully.", resp.Message)
	require.Equal(t, "run-1", resp.RunID)
	require.Len(t, store.saved, 2)
	require.Equal(t, []string{workflow.TriggerUpload}, pipeline.triggers)
}

func TestUploadRejections(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		body     string
		code     int
	}{
		{"extension", "gstr1.txt", "a,b\n", http.StatusBadRequest},
		{"missing columns", "gstr1.csv", "supplier_gstin,inv_no\nS1,1\n", http.StatusUnprocessableEntity},
		{"bad amount", "gstr1.csv", "supplier_gstin,buyer_gstin,inv_no,amount,status\nS1,B1,1,x,matched\n", http.StatusUnprocessableEntity},
		{"rate scale", "gstr1.csv", "supplier_gstin,buyer_gstin,inv_no,amount,status,tax_rate\nS1,B1,1,5,matched,18.000000001\n", http.StatusUnprocessableEntity},
		{"empty", "gstr1.csv", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		store := &fakeStore{ready: true}
		pipeline := &fakePipeline{}
		s := newTestServer(store, pipeline)
		w := do(t, s, multipartUpload(t, tc.filename, tc.body))
		if w.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.code, w.Code, w.Body.String())
		}
		if len(store.saved) != 0 || len(pipeline.triggers) != 0 {
			t.Fatalf("%s: rejected upload must not store or trigger", tc.name)
		}
	}
}

func TestUploadStoreUnavailable(t *testing.T) {
	store := &fakeStore{ready: true, err: models.ErrStoreUnavailable}
	pipeline := &fakePipeline{}
	s := newTestServer(store, pipeline)
	w := do(t, s, multipartUpload(t, "gstr1.csv", "supplier_gstin,buyer_gstin,inv_no,amount,status\nS1,B1,1,5,matched\n"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Empty(t, pipeline.triggers)
}

func TestReconcileTriggersManualRun(t *testing.T) {
	pipeline := &fakePipeline{}
	s := newTestServer(&fakeStore{ready: true}, pipeline)
	w := do(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []string{workflow.TriggerManual}, pipeline.triggers)
}

func TestReconcileStatus(t *testing.T) {
	pipeline := &fakePipeline{last: &workflow.RunSummary{RunID: "r9", Status: workflow.RunStatusCompleted}}
	s := newTestServer(&fakeStore{ready: true}, pipeline)
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"run_id":"r9"`)
}

func sampleEntries() []models.AuditEntry {
	return []models.AuditEntry{
		{InvNo: "INV-1", MismatchType: models.MismatchTypeAmount, Severity: models.SeverityHigh,
			Status: models.AuditStatusFlagged, Amount: decimal.NewFromInt(1000),
			TraversalPath: models.JoinTraversalPath([]string{"a", "b"})},
		{InvNo: "INV-1", MismatchType: models.MismatchTypeInvalidHSN, Severity: models.SeverityMedium,
			Status: models.AuditStatusFlagged},
	}
}

func TestAuditTrail(t *testing.T) {
	store := &fakeStore{ready: true, entries: sampleEntries()}
	s := newTestServer(store, &fakePipeline{})

	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/audit-trail?severity=HIGH&status=flagged", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.AuditFilter{Severity: "high", Status: "flagged"}, store.lastList)

	var resp struct {
		Total   int `json:"total"`
		Entries []struct {
			ID            string   `json:"id"`
			TraversalPath []string `json:"traversal_path"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	require.Equal(t, "AUD-001", resp.Entries[0].ID)
	require.Equal(t, []string{"a", "b"}, resp.Entries[0].TraversalPath)

	w = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/audit-trail?severity=urgent", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditTrailExport(t *testing.T) {
	s := newTestServer(&fakeStore{ready: true, entries: sampleEntries()}, &fakePipeline{})
	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/audit-trail/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Disposition"), "audit-trail-")
	// xlsx is a zip container
	require.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestAuditStatusUpdate(t *testing.T) {
	store := &fakeStore{ready: true, entries: sampleEntries()}
	s := newTestServer(store, &fakePipeline{})

	w := do(t, s, httptest.NewRequest(http.MethodPatch, "/api/v1/audit-trail/INV-1/status?new_status=reviewed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "INV-1 updated to 'reviewed'")
	require.Equal(t, models.AuditStatusReviewed, store.entries[0].Status)
	require.Equal(t, models.AuditStatusReviewed, store.entries[1].Status)

	w = do(t, s, httptest.NewRequest(http.MethodPatch, "/api/v1/audit-trail/INV-1/status?new_status=cleared&mismatch_type=Invalid%20HSN%20Code", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.AuditStatusReviewed, store.entries[0].Status)
	require.Equal(t, models.AuditStatusCleared, store.entries[1].Status)

	w = do(t, s, httptest.NewRequest(http.MethodPatch, "/api/v1/audit-trail/INV-1/status?new_status=done", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"Status must be: flagged / reviewed / cleared"}`, w.Body.String())

	w = do(t, s, httptest.NewRequest(http.MethodPatch, "/api/v1/audit-trail/INV-404/status?new_status=cleared", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"INV-404 not found."}`, w.Body.String())
}

func TestGraphAndReconciliation(t *testing.T) {
	store := &fakeStore{
		ready: true,
		links: []models.GraphLink{{Source: "S1", Target: "B1", Label: "INV-1", Status: "mismatch"}},
		rows: []models.ReconciliationRow{{
			Supplier: "S1", Buyer: "B1", InvNo: "INV-1",
			Amount: decimal.NewFromInt(200000), Status: "mismatch",
		}},
	}
	s := newTestServer(store, &fakePipeline{})

	w := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var g struct {
		Nodes []json.RawMessage `json:"nodes"`
		Links []json.RawMessage `json:"links"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g))
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Links, 1)

	w = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total":1`)
}

func TestPubSubPush(t *testing.T) {
	pipeline := &fakePipeline{}
	s := newTestServer(&fakeStore{ready: true}, pipeline)

	body := `{"message":{"data":"eyJ0cmlnZ2VyIjoibmlnaHRseSJ9","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`
	w := do(t, s, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, []string{workflow.TriggerPubSub}, pipeline.triggers)

	// malformed push is acked and dropped
	w = do(t, s, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewBufferString("not json")))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, pipeline.triggers, 1)
}

func TestPubSubRetriesWhileStoreDown(t *testing.T) {
	pipeline := &fakePipeline{}
	s := newTestServer(&fakeStore{}, pipeline)
	w := do(t, s, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewBufferString(`{"message":{"data":""}}`)))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Empty(t, pipeline.triggers)
}

func TestProductionWithoutAllowlistDeniesCORS(t *testing.T) {
	s := newTestServer(&fakeStore{ready: true}, &fakePipeline{})
	s.settings.GoEnv = "production"

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := do(t, s, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterPassesThroughWithoutRedis(t *testing.T) {
	s := newTestServer(&fakeStore{ready: true}, &fakePipeline{})
	s.settings.RateLimitEnabled = true
	s.settings.RateLimitMax = 1
	s.settings.RateLimitWindow = time.Minute

	for i := 0; i < 3; i++ {
		w := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}
}
