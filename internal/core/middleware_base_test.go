package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"billingledger/internal/config"
	"billingledger/internal/types"
)

type observedRequest struct {
	method string
	route  string
	status int
}

type mockObserver struct {
	calls []observedRequest
}

func (m *mockObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	m.calls = append(m.calls, observedRequest{method: method, route: route, status: status})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, slog.Default()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestRecoverer_Panic_ReturnsJSON500(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(`bad "quote"`)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-panic"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("recoverer must write valid JSON: %v (%s)", err, rec.Body.String())
	}
	if body.Error.RequestID != "req-panic" || body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("unexpected body %+v", body.Error)
	}
}

func TestRecoverer_NoPanic(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-Id") != "abc" {
		t.Errorf("expected propagated id, got %q / %q", seen, rec.Header().Get("X-Request-Id"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 || rec.Header().Get("X-Request-Id") != seen {
		t.Errorf("expected generated 32-char id, got %q", seen)
	}
}

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var ok bool
	handler := ContextTimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok {
		t.Error("expected a deadline on the request context")
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	obs := &mockObserver{}
	srv.Metrics = obs

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Post("/webhooks/{gateway}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	if len(obs.calls) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs.calls))
	}
	if obs.calls[0] != (observedRequest{http.MethodPost, "/webhooks/{gateway}", http.StatusBadRequest}) {
		t.Errorf("unexpected observation %+v", obs.calls[0])
	}
	if obs.calls[1].route != "unmatched" || obs.calls[1].status != http.StatusNotFound {
		t.Errorf("unexpected observation %+v", obs.calls[1])
	}
}

func TestMetricsMiddleware_NilObserver(t *testing.T) {
	srv := newTestServer(t)
	called := false
	handler := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler must run without an observer")
	}
}

func TestRequestLogger_RedactsSignatureHeaders(t *testing.T) {
	buf := &strings.Builder{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	handler := RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	req.Header.Set("Authorization", "Bearer admin-key")
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "admin-key") {
		t.Errorf("secret header values leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, "application/json") {
		t.Errorf("expected redacted and plain headers: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("4xx responses log at WARN: %s", out)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.SecurityHeadersMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}
