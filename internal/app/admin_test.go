package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bpmetrics/internal/config"
	"bpmetrics/internal/telemetry"
)

// TestAdminRouter_Healthz verifies readiness reporting follows the bound flag.
// Params: testing.T for assertions.
// Returns: none.
func TestAdminRouter_Healthz(t *testing.T) {
	ready := false
	router := adminRouter(adminHandlers{ready: func() bool { return ready }})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unbound status=%d, want=503", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("bound status=%d body=%q", rec.Code, rec.Body.String())
	}
}

// TestAdminRouter_Ping verifies the store ping result maps to the response status.
// Params: testing.T for assertions.
// Returns: none.
func TestAdminRouter_Ping(t *testing.T) {
	var pingErr error
	router := adminRouter(adminHandlers{ping: func(context.Context) error { return pingErr }})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pong\n" {
		t.Fatalf("ping status=%d body=%q", rec.Code, rec.Body.String())
	}

	pingErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("failed ping status=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	adminRouter(adminHandlers{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ping without store status=%d", rec.Code)
	}
}

// TestAdminRouter_MetricsAndProfiler verifies scrape and profiling routes are mounted.
// Params: testing.T for assertions.
// Returns: none.
func TestAdminRouter_MetricsAndProfiler(t *testing.T) {
	stats := telemetry.New()
	stats.Requests.Inc()
	router := adminRouter(adminHandlers{metrics: stats.Handler()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bpmetrics_frontdoor_requests_total 1") {
		t.Fatalf("metrics body missing request counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof cmdline status=%d", rec.Code)
	}
}

// TestStartAdminServer_Disabled verifies a disabled endpoint is a no-op.
// Params: testing.T for assertions.
// Returns: none.
func TestStartAdminServer_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stop, err := startAdminServer(context.Background(), config.AdminConfig{}, adminHandlers{}, logger)
	if err != nil {
		t.Fatalf("start disabled admin: %v", err)
	}
	stop()
}

// TestStartAdminServer_ListenFailure verifies bind errors surface at startup.
// Params: testing.T for assertions.
// Returns: none.
func TestStartAdminServer_ListenFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := startAdminServer(context.Background(), config.AdminConfig{Enabled: true, Listen: "256.0.0.1:bad"}, adminHandlers{}, logger)
	if err == nil {
		t.Fatalf("expected listen error")
	}
}
