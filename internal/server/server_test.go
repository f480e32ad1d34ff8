package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/triadpay/escrowd/internal/config"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockWallet implements walletrpc.Client for testing.
type mockWallet struct{}

func (m *mockWallet) PrepareMultisig(ctx context.Context) (string, error) {
	return "MultisigV1_prepare_blob", nil
}

func (m *mockWallet) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (string, error) {
	return "MultisigV1_make_blob", nil
}

func (m *mockWallet) ExchangeMultisigKeys(ctx context.Context, infos []string) (walletrpc.ExchangeResult, error) {
	return walletrpc.ExchangeResult{Info: "MultisigV1_exchange_blob"}, nil
}

func (m *mockWallet) FinalizeMultisig(ctx context.Context, infos []string) (string, error) {
	return "9xFinalAddr", nil
}

func (m *mockWallet) GetHeight(ctx context.Context) (uint64, error) {
	return 100, nil
}

func (m *mockWallet) GetTransfers(ctx context.Context, address string) ([]walletrpc.Transfer, error) {
	return nil, nil
}

func (m *mockWallet) DescribeTransfer(ctx context.Context, unsignedTxSet string) (walletrpc.TransferDescription, error) {
	return walletrpc.TransferDescription{Digest: "dgst_mock"}, nil
}

func (m *mockWallet) SubmitMultisig(ctx context.Context, signedTxSet string) (string, error) {
	return "tx_mock", nil
}

// testConfig returns a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		WalletRPCURL:          "http://127.0.0.1:18083/json_rpc",
		WalletRPCTimeout:      5 * time.Second,
		RequiredConfirmations: 10,
		PollInterval:          15 * time.Second,
		SetupTimeout:          15 * time.Minute,
		ArbiterSecret:         "test-arbiter-secret",
		RateLimitRPS:          100,
	}
}

// newTestServer creates a server with mock dependencies.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithWallet(&mockWallet{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/health/live"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		s.Router().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, w.Code)
		}
	}

	// Readiness flips only after Run.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run returned %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("/metrics returned %d", w.Code)
	}
}

func TestInitEscrowEndToEnd(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"buyer_id":      "buyer-1",
		"vendor_id":     "vendor-1",
		"arbiter_id":    "arbiter-1",
		"amount_atomic": 1_000_000_000_000,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/orders/ord_1/init-escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("init-escrow returned %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		EscrowID string `json:"escrow_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "multisig_pending" {
		t.Errorf("status = %s", resp.Status)
	}

	// The service blob from the mock wallet is available immediately.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/escrow/"+resp.EscrowID+"/service-blob", nil)
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("service-blob returned %d", w.Code)
	}
}

func TestResolveRequiresArbiterSecret(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"resolution":     "release_to_vendor",
		"unsigned_txset": "u",
		"signed_txset":   "s",
		"signature_set":  []any{},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/escrow/esc_x/resolve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("resolve without secret returned %d", w.Code)
	}
}
