package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sitepay/escrowd/internal/config"
	"github.com/sitepay/escrowd/internal/escrow"
	"github.com/sitepay/escrowd/internal/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		AutoReleaseWindow: time.Hour,
		SweepInterval:     time.Minute,
		AdminSecret:       "test-secret",
		KafkaTopic:        "escrow.lifecycle",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServer_HealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health: got %d", w.Code)
	}

	w = do(t, srv, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health/live: got %d", w.Code)
	}

	// Not ready until Run has started the background workers.
	w = do(t, srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run: got %d, want 503", w.Code)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics: got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("escrowd_")) {
		t.Error("metrics output missing escrowd namespace")
	}
}

func TestServer_AdminGate(t *testing.T) {
	srv := newTestServer(t)

	// Create a contract through the public API first.
	body, _ := json.Marshal(escrow.CreateRequest{
		Parties:  []string{"payer", "payee"},
		Amount:   "100.00",
		Currency: "EUR",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/contracts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := do(t, srv, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", w.Code, w.Body.String())
	}
	var c escrow.Contract
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}

	override, _ := json.Marshal(map[string]string{"adminId": "ops_helen"})

	// Missing secret: rejected before the handler runs.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/contracts/"+c.ID+"/release", bytes.NewReader(override))
	req.Header.Set("Content-Type", "application/json")
	w = do(t, srv, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing secret: got %d, want 403", w.Code)
	}

	// Wrong secret.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/contracts/"+c.ID+"/release", bytes.NewReader(override))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "wrong")
	w = do(t, srv, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong secret: got %d, want 403", w.Code)
	}

	// Correct secret.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/contracts/"+c.ID+"/release", bytes.NewReader(override))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-secret")
	w = do(t, srv, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct secret: got %d, body %s", w.Code, w.Body.String())
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-fixed")
	w = do(t, srv, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-fixed" {
		t.Errorf("request id not propagated: got %s", got)
	}
}
