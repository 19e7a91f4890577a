package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMountRoutes(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.Security.AdminAPIKeyHash = adminHash(t, "admin-key")
	srv.MetricsPage = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv.PublicRoutes = []RouteRegistrar{func(r chi.Router) {
		r.Post("/webhooks/stripe", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	}}
	srv.AdminRoutes = []RouteRegistrar{func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}}
	srv.MountRoutes()

	cases := []struct {
		name   string
		method string
		path   string
		auth   string
		status int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"webhooks are public", http.MethodPost, "/webhooks/stripe", "", http.StatusOK},
		{"admin requires key", http.MethodGet, "/v1/ping", "", http.StatusUnauthorized},
		{"admin with key", http.MethodGet, "/v1/ping", "Bearer admin-key", http.StatusNoContent},
		{"unknown path", http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d", tc.status, rec.Code)
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Error("every response carries a request id")
			}
		})
	}
}
