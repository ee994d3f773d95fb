package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bpmetrics/internal/config"
)

const (
	adminShutdownTimeout = 3 * time.Second
	adminReadHeaderTO    = 2 * time.Second
	adminPingTimeout     = 2 * time.Second
)

// adminHandlers carries the runtime views served by the admin endpoint.
type adminHandlers struct {
	metrics http.Handler
	ready   func() bool
	ping    func(context.Context) error
}

// adminRouter builds routes for profiling, Prometheus scrape, readiness, and store ping.
// Params: h runtime handlers.
// Returns: chi router.
func adminRouter(h adminHandlers) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if h.ready != nil && !h.ready() {
			http.Error(w, "front door not bound", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		if h.ping == nil {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminPingTimeout)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pong\n"))
	})
	if h.metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.metrics)
	}
	router.Mount("/debug", middleware.Profiler())

	return router
}

// startAdminServer starts the optional admin HTTP endpoint and wires graceful shutdown.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; h route handlers; logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startAdminServer(ctx context.Context, cfg config.AdminConfig, h adminHandlers, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           adminRouter(h),
		ReadHeaderTimeout: adminReadHeaderTO,
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("admin shutdown error", slog.String("error", err.Error()))
			}
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", slog.String("addr", cfg.Listen), slog.String("error", err.Error()))
		}
	}()

	logger.Info("admin server started", slog.String("addr", listener.Addr().String()))
	return stop, nil
}
