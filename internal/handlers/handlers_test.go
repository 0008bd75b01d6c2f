package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"frameworks/internal/billing"
	"frameworks/internal/jobs"
	"frameworks/internal/reconcile"
	"frameworks/internal/store"
	"frameworks/internal/sweeper"
	bursarapi "frameworks/pkg/api/bursar"
)

type closedSessions struct{}

func (closedSessions) IsOpen(context.Context, string) (bool, error) { return false, nil }
func (closedSessions) CloseSession(context.Context, string) error   { return nil }

func setupRouter(t *testing.T) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	return setupRouterWithStore(t, store.NewMemoryStore(time.Second))
}

func setupRouterWithStore(t *testing.T, s *store.MemoryStore) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	e := billing.NewEngine(s, log, nil)
	r := reconcile.NewService(s, 0, log, nil)
	sw := sweeper.NewSweeper(s, e, closedSessions{}, sweeper.Config{StaleAfter: time.Nanosecond}, log, nil)
	Init(e, r, jobs.NewManager(jobs.Config{}, r, sw, nil, log, nil), log)
	t.Cleanup(func() {
		engine, reconciler, jobManager = nil, nil, nil
	})

	router := gin.New()
	RegisterRoutes(router)
	return router, s
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestReportUsageCharges(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 1000)

	w := do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{
		SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 185,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp bursarapi.ReportUsageResponse
	decode(t, w, &resp)
	if resp.IncrementalMinutes != 4 || resp.AccountBalanceAfter != 996 || resp.LedgerEntryID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	w = do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{
		SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 200,
	})
	decode(t, w, &resp)
	if resp.IncrementalMinutes != 0 || resp.AccountBalanceAfter != 996 || resp.LedgerEntryID != "" {
		t.Fatalf("repeat report within the minute must not charge: %+v", resp)
	}
}

func TestReportUsageErrorMapping(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 1)
	s.SetBalance("acct-2", 100)

	cases := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"missing fields", map[string]interface{}{"elapsed_seconds": 60}, http.StatusBadRequest, bursarapi.CodeInvalid},
		{"negative elapsed", bursarapi.ReportUsageRequest{SessionID: "s-neg", AccountID: "acct-1", ElapsedSeconds: -5}, http.StatusBadRequest, bursarapi.CodeInvalid},
		{"insufficient", bursarapi.ReportUsageRequest{SessionID: "s-big", AccountID: "acct-1", ElapsedSeconds: 600}, http.StatusPaymentRequired, bursarapi.CodeInsufficientCredits},
		{"unknown account", bursarapi.ReportUsageRequest{SessionID: "s-x", AccountID: "nobody", ElapsedSeconds: 60}, http.StatusNotFound, bursarapi.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/usage/report", tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			var resp bursarapi.ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, resp.Code)
			}
		})
	}

	// Session bound to acct-2 cannot be billed to acct-1.
	if w := do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "s-own", AccountID: "acct-2", ElapsedSeconds: 60}); w.Code != http.StatusOK {
		t.Fatalf("seed charge failed: %d %s", w.Code, w.Body.String())
	}
	w := do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "s-own", AccountID: "acct-1", ElapsedSeconds: 120})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for account mismatch, got %d", w.Code)
	}
}

func TestInsufficientCreditsCarriesDetails(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 1)

	w := do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "s", AccountID: "acct-1", ElapsedSeconds: 600})
	var resp bursarapi.ErrorResponse
	decode(t, w, &resp)
	if resp.Details["required"] != float64(10) || resp.Details["available"] != float64(1) {
		t.Fatalf("unexpected details: %+v", resp.Details)
	}
}

func TestRespondErrorConflictSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger = logrus.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/usage/report", nil)

	respondError(c, billing.ErrConcurrencyConflict, "report usage")

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestAccountsAndAdjustments(t *testing.T) {
	router, _ := setupRouter(t)

	if w := do(t, router, http.MethodPost, "/accounts", bursarapi.EnsureAccountRequest{AccountID: "acct-9"}); w.Code != http.StatusOK {
		t.Fatalf("ensure account: %d %s", w.Code, w.Body.String())
	}

	w := do(t, router, http.MethodPost, "/accounts/acct-9/adjustments", bursarapi.AdjustmentRequest{
		CreditsDelta: 50, TransactionType: "purchase",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var entry store.LedgerEntry
	decode(t, w, &entry)
	if entry.BalanceAfter != 50 || entry.ResourceType != nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	w = do(t, router, http.MethodPost, "/accounts/acct-9/adjustments", bursarapi.AdjustmentRequest{
		CreditsDelta: -10, TransactionType: "usage",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("usage is not an adjustment type, got %d", w.Code)
	}

	w = do(t, router, http.MethodPost, "/accounts/acct-9/adjustments", bursarapi.AdjustmentRequest{
		CreditsDelta: -80, TransactionType: "refund",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("overdraft must be rejected, got %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/accounts/acct-9/balance", nil)
	var bal bursarapi.BalanceResponse
	decode(t, w, &bal)
	if bal.AvailableCredits != 50 {
		t.Fatalf("expected balance 50, got %d", bal.AvailableCredits)
	}

	if w := do(t, router, http.MethodGet, "/accounts/missing/balance", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestLedgerHistoryPaginates(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 100)
	for _, secs := range []float64{30, 90, 185} {
		do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: secs})
	}

	type page struct {
		Entries    []store.LedgerEntry `json:"entries"`
		NextCursor string              `json:"next_cursor"`
		HasMore    bool                `json:"has_more"`
	}

	w := do(t, router, http.MethodGet, "/accounts/acct-1/ledger?limit=2&transaction_type=usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var first page
	decode(t, w, &first)
	if len(first.Entries) != 2 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	w = do(t, router, http.MethodGet, "/accounts/acct-1/ledger?limit=2&after="+first.NextCursor, nil)
	var second page
	decode(t, w, &second)
	if len(second.Entries) != 1 || second.HasMore {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if second.Entries[0].EntryID == first.Entries[0].EntryID || second.Entries[0].EntryID == first.Entries[1].EntryID {
		t.Fatal("pages overlap")
	}

	for _, q := range []string{"?transaction_type=bogus", "?since=yesterday", "?limit=0", "?after=%%%"} {
		if w := do(t, router, http.MethodGet, "/accounts/acct-1/ledger"+q, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("query %s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestSessionUsageAndConsistency(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 100)
	do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 120})

	w := do(t, router, http.MethodGet, "/sessions/sess-1/usage", nil)
	var rec store.UsageRecord
	decode(t, w, &rec)
	if rec.CreditsDeducted != 2 {
		t.Fatalf("expected 2 credits, got %d", rec.CreditsDeducted)
	}
	if w := do(t, router, http.MethodGet, "/sessions/nope/usage", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	corrupted, _ := s.GetUsage(context.Background(), "sess-1")
	corrupted.CreditsDeducted = 7
	s.PutUsage(*corrupted)

	var report bursarapi.ConsistencyResponse
	decode(t, do(t, router, http.MethodGet, "/ops/consistency", nil), &report)
	if report.Consistent || len(report.Discrepancies) != 1 || report.Discrepancies[0].Difference != 5 {
		t.Fatalf("unexpected consistency report: %+v", report)
	}

	var repair bursarapi.RepairResponse
	decode(t, do(t, router, http.MethodPost, "/ops/consistency/repair", nil), &repair)
	if repair.Repaired != 1 || repair.Actions[0].CreditsAfter != 2 {
		t.Fatalf("unexpected repair: %+v", repair)
	}

	decode(t, do(t, router, http.MethodGet, "/ops/consistency", nil), &report)
	if !report.Consistent {
		t.Fatalf("expected consistent after repair: %+v", report)
	}
}

func TestTriggerSweep(t *testing.T) {
	router, s := setupRouter(t)
	s.SetBalance("acct-1", 100)
	do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 60})
	time.Sleep(time.Millisecond)

	w := do(t, router, http.MethodPost, "/ops/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp bursarapi.SweepResponse
	decode(t, w, &resp)
	if resp.Scanned != 1 || resp.Outcomes[sweeper.OutcomeFinalized] != 1 {
		t.Fatalf("unexpected sweep: %+v", resp)
	}

	w = do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 600})
	if w.Code != http.StatusConflict {
		t.Fatalf("finalized session must reject reports, got %d", w.Code)
	}
}

func TestRepairConsistencyPartialFailure(t *testing.T) {
	router, s := setupRouterWithStore(t, store.NewMemoryStore(20*time.Millisecond))
	s.SetBalance("acct-1", 100)
	do(t, router, http.MethodPost, "/usage/report", bursarapi.ReportUsageRequest{SessionID: "sess-1", AccountID: "acct-1", ElapsedSeconds: 120})

	corrupted, _ := s.GetUsage(context.Background(), "sess-1")
	corrupted.CreditsDeducted = 7
	s.PutUsage(*corrupted)

	ctx := context.Background()
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithTx(ctx, func(tx store.Tx) error {
			if _, _, err := tx.LockUsage(ctx, store.UsageRecord{SessionID: "sess-1", AccountID: "acct-1"}); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	w := do(t, router, http.MethodPost, "/ops/consistency/repair", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	var resp bursarapi.RepairResponse
	decode(t, w, &resp)
	if resp.Error == "" || resp.Code != bursarapi.CodeInternal {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
	if resp.Repaired != 0 || len(resp.Actions) != 1 || resp.Actions[0].Error == "" {
		t.Fatalf("expected one failed action, got %+v", resp.Actions)
	}
}
