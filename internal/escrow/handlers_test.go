package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sitepay/escrowd/internal/rail"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service, *rail.FakeRail) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	fake := rail.NewFakeRail()
	svc := NewService(store, fake, testLogger())

	router := gin.New()
	h := NewHandler(svc)
	v1 := router.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))

	return router, svc, fake
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createFunded(t *testing.T, router *gin.Engine) Contract {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/contracts", CreateRequest{
		Parties:  []string{"acme_builders", "gravel_supplier"},
		Amount:   "2500.00",
		Currency: "EUR",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", w.Code, w.Body.String())
	}
	var c Contract
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	return c
}

func TestHandler_CreateContract(t *testing.T) {
	router, _, _ := newTestRouter(t)

	c := createFunded(t, router)
	if c.EscrowStatus != StatusLocked {
		t.Errorf("status: got %s, want locked", c.EscrowStatus)
	}
	if c.ID == "" || c.LedgerTxID == "" {
		t.Errorf("missing identifiers: %+v", c)
	}
}

func TestHandler_CreateContract_BadRequest(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/contracts", map[string]any{"amount": "10"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/contracts", CreateRequest{
		Parties:  []string{"only_payer"},
		Amount:   "10.00",
		Currency: "EUR",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestHandler_CreateContract_RailDown(t *testing.T) {
	router, _, fake := newTestRouter(t)
	fake.Fail(errors.New("rail offline"))

	w := doJSON(t, router, http.MethodPost, "/v1/contracts", CreateRequest{
		Parties:  []string{"payer", "payee"},
		Amount:   "10.00",
		Currency: "EUR",
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("got %d, want 502, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error    string   `json:"error"`
		Contract Contract `json:"contract"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "ledger_unavailable" {
		t.Errorf("error code: got %s", resp.Error)
	}
	if resp.Contract.ID == "" || resp.Contract.EscrowStatus != StatusPending {
		t.Errorf("pending contract not returned: %+v", resp.Contract)
	}

	// Retry via the fund endpoint after the rail recovers.
	fake.Fail(nil)
	w = doJSON(t, router, http.MethodPost, "/v1/contracts/"+resp.Contract.ID+"/fund", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fund retry: got %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetContract_NotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/contracts/ct_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestHandler_ConfirmDelivery(t *testing.T) {
	router, _, _ := newTestRouter(t)
	c := createFunded(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/contracts/"+c.ID+"/confirm",
		map[string]string{"partyId": "gravel_supplier"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: got %d, body %s", w.Code, w.Body.String())
	}

	var got Contract
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EscrowStatus != StatusReleased {
		t.Errorf("status: got %s, want released", got.EscrowStatus)
	}
}

func TestHandler_ConfirmDelivery_ErrorMapping(t *testing.T) {
	router, svc, _ := newTestRouter(t)
	c := createFunded(t, router)

	// Stranger: 403
	w := doJSON(t, router, http.MethodPost, "/v1/contracts/"+c.ID+"/confirm",
		map[string]string{"partyId": "stranger"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger confirm: got %d, want 403", w.Code)
	}

	// Dispute, then confirm: 409 stale_confirmation
	if _, err := svc.RaiseDispute(context.Background(), c.ID, "acme_builders", "bad batch"); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	w = doJSON(t, router, http.MethodPost, "/v1/contracts/"+c.ID+"/confirm",
		map[string]string{"partyId": "gravel_supplier"})
	if w.Code != http.StatusConflict {
		t.Fatalf("stale confirm: got %d, want 409", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] != "stale_confirmation" {
		t.Errorf("error code: got %s", resp["error"])
	}
}

func TestHandler_Dispute(t *testing.T) {
	router, _, _ := newTestRouter(t)
	c := createFunded(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/contracts/"+c.ID+"/dispute",
		map[string]string{"partyId": "acme_builders", "reason": "wrong gravel grade"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: got %d, body %s", w.Code, w.Body.String())
	}

	var got Contract
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EscrowStatus != StatusDisputed || got.DisputeReason != "wrong gravel grade" {
		t.Errorf("got %+v", got)
	}
}

func TestHandler_AdminOverrides(t *testing.T) {
	router, _, _ := newTestRouter(t)
	c := createFunded(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/admin/contracts/"+c.ID+"/refund",
		map[string]string{"adminId": "ops_helen"})
	if w.Code != http.StatusOK {
		t.Fatalf("refund: got %d, body %s", w.Code, w.Body.String())
	}

	var got Contract
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EscrowStatus != StatusRefunded || got.ResolvedBy != "ops_helen" {
		t.Errorf("got %+v", got)
	}

	// Second override on a terminal contract: 409 illegal_transition
	w = doJSON(t, router, http.MethodPost, "/v1/admin/contracts/"+c.ID+"/release",
		map[string]string{"adminId": "ops_helen"})
	if w.Code != http.StatusConflict {
		t.Fatalf("override on terminal: got %d, want 409", w.Code)
	}
}

func TestHandler_ListContracts(t *testing.T) {
	router, _, _ := newTestRouter(t)
	createFunded(t, router)
	createFunded(t, router)

	w := doJSON(t, router, http.MethodGet, "/v1/contracts?party=acme_builders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list by party: got %d", w.Code)
	}
	var resp struct {
		Contracts []Contract `json:"contracts"`
		Count     int        `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count: got %d, want 2", resp.Count)
	}

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/contracts?status=%s", StatusLocked), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list by status: got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/v1/contracts", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("list without filter: got %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/v1/contracts?status=limbo", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: got %d, want 400", w.Code)
	}
}
