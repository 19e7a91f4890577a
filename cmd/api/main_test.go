package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/ledger"
	"billingledger/internal/reconcile"
	"billingledger/internal/types"
)

const testAdminKey = "test-admin-key"

type stubReconciler struct{}

func (stubReconciler) Process(_ context.Context, gw types.GatewayName, _ []byte, _ string) (*reconcile.Result, error) {
	return &reconcile.Result{LogID: 1, Outcome: reconcile.OutcomeIgnored}, nil
}

func (stubReconciler) Replay(_ context.Context, id int64) (*reconcile.Result, error) {
	return &reconcile.Result{LogID: id, Outcome: reconcile.OutcomeProcessed}, nil
}

type stubLedger struct{}

func (stubLedger) Grant(context.Context, string, types.OwnerRef, ledger.GrantRequest) (*types.CreditTransaction, error) {
	return &types.CreditTransaction{ID: 1}, nil
}
func (stubLedger) Debit(context.Context, string, types.OwnerRef, ledger.DebitRequest) (bool, error) {
	return true, nil
}
func (stubLedger) CurrentBalance(context.Context, string, types.OwnerRef) (int64, error) {
	return 42, nil
}
func (stubLedger) History(context.Context, string, types.OwnerRef, int) ([]types.CreditTransaction, error) {
	return nil, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func buildTestServer(t *testing.T, dbErr error) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{Port: "0", RequestTimeout: 5 * time.Second, MaxWebhookBytes: 1 << 16},
		Security:    config.SecurityConfig{AdminAPIKeyHash: types.SecretString(hash)},
		Observability: config.ObservabilityConfig{
			EnableMetrics: true,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := buildServer(cfg, components{
		gateways: gateway.NewRegistryFrom(gateway.NewManualAdapter()),
		webhooks: stubReconciler{},
		replayer: stubReconciler{},
		ledger:   stubLedger{},
		database: pingFunc(func(context.Context) error { return dbErr }),
	}, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	return srv.Handler()
}

func get(h http.Handler, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthReflectsDatabase(t *testing.T) {
	if w := get(buildTestServer(t, nil), "/health", false); w.Code != http.StatusOK {
		t.Errorf("healthy db: status = %d, want 200", w.Code)
	}
	w := get(buildTestServer(t, errors.New("connection refused")), "/health", false)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("failing db: status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("body %q does not name the failure", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := buildTestServer(t, nil)
	get(h, "/health", false)

	w := get(h, "/metrics", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "billing_http_requests_total") {
		t.Error("request counter missing from exposition")
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := buildTestServer(t, nil)

	if w := get(h, "/v1/tenants/t1/credits", false); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}
	w := get(h, "/v1/tenants/t1/credits", true)
	if w.Code != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"balance":42`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestGatewaysListing(t *testing.T) {
	w := get(buildTestServer(t, nil), "/v1/gateways", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"manual"`) {
		t.Errorf("body %s does not list the manual gateway", w.Body.String())
	}
}

func TestReplayRouteMounted(t *testing.T) {
	h := buildTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook-logs/5/replay", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
