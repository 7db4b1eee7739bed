package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autopayer/autopayer/internal/config"
	"github.com/autopayer/autopayer/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements gateway.Gateway without touching a chain.
type mockGateway struct {
	nextID uint64
}

func (m *mockGateway) CreateRequest(ctx context.Context, p gateway.CreateParams) (*gateway.Result, error) {
	m.nextID++
	return &gateway.Result{Success: true, TxHash: fmt.Sprintf("0xmock%d", m.nextID), RequestID: m.nextID}, nil
}

func (m *mockGateway) Accept(ctx context.Context, requestID uint64, payer string) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) SubmitReceipt(ctx context.Context, requestID uint64, receiptHash string) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) VerifyAndRelease(ctx context.Context, requestID uint64, approved bool) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) Cancel(ctx context.Context, requestID uint64) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) RaiseDispute(ctx context.Context, requestID uint64, raisedBy string) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) ResolveDispute(ctx context.Context, requestID uint64, favorPayer bool) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) HandleExpired(ctx context.Context, requestID uint64) (*gateway.Result, error) {
	return &gateway.Result{Success: true, TxHash: "0xmock"}, nil
}

func (m *mockGateway) ContractAddress() string {
	return "0x00000000000000000000000000000000000000ee"
}

// testConfig returns a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		RPCURL:              "https://bsc-testnet-rpc.publicnode.com",
		ChainID:             97,
		PrivateKey:          "0000000000000000000000000000000000000000000000000000000000000001",
		AutoPayerContract:   "0x00000000000000000000000000000000000000ee",
		IPFSAPIURL:          "http://localhost:5001",
		IPFSGatewayURL:      "https://ipfs.io/ipfs",
		MaxReceiptSizeMB:    10,
		AllowedMIMETypes:    []string{"image/jpeg", "image/png", "application/pdf"},
		PlatformFeeRateBps:  100,
		EscrowDuration:      24 * time.Hour,
		MinEscrowAmount:     "1000000",
		MaxEscrowAmount:     "1000000000000",
		MaxRateDeviationBps: 500,
		RateValidityPeriod:  time.Hour,
		AdminSecret:         "test-admin-secret",
		RateLimitRPM:        1000,
	}
}

// newTestServer creates a server with a mock gateway.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(&mockGateway{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", resp.Status)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run marks it
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before startup, got %d", w.Code)
	}

	s.ready.Store(true)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 after startup, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := map[string]bool{}
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}

	expected := []string{
		"POST /v1/escrow",
		"GET /v1/escrow",
		"GET /v1/escrow/active",
		"GET /v1/escrow/:id",
		"POST /v1/escrow/:id/accept",
		"POST /v1/escrow/:id/submit-proof",
		"POST /v1/escrow/:id/cancel",
		"POST /v1/escrow/:id/dispute",
		"POST /v1/admin/escrow/:id/resolve",
		"GET /v1/oracle",
		"POST /v1/admin/oracle/rates",
		"POST /v1/files/upload-receipt",
		"GET /ws",
		"GET /metrics",
	}
	for _, route := range expected {
		if !routes[route] {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestVerifyRoutesRequireAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-test"
	s, err := New(cfg, WithGateway(&mockGateway{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	found := false
	for _, r := range s.Router().Routes() {
		if r.Path == "/v1/ai/verify/:escrowId" {
			found = true
		}
	}
	if !found {
		t.Error("AI verification routes should be registered when an API key is set")
	}

	// Without a key, the routes are absent
	s2 := newTestServer(t)
	for _, r := range s2.Router().Routes() {
		if strings.HasPrefix(r.Path, "/v1/ai/") {
			t.Errorf("AI route %s registered without API key", r.Path)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin gating tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRejectWithoutSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/oracle/currencies", strings.NewReader(`{"code":"EUR","enabled":true}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}
}

func TestAdminRoutesAcceptWithSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/oracle/currencies", strings.NewReader(`{"code":"EUR","enabled":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestPlatformEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/platform", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "contractAddress") {
		t.Error("Platform response should include the contract address")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nope", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header on response")
	}

	// Propagates a caller-supplied ID
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-from-lb")
	s.Router().ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") != "req-from-lb" {
		t.Errorf("Expected propagated request ID, got %q", w.Header().Get("X-Request-ID"))
	}
}
