package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusLogger is the minimal logging surface HTTPServer needs, kept
// narrow so this file doesn't force a log/slog dependency on callers that
// already have their own logger shape.
type statusLogger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// HTTPServer owns the mux that exposes /ws, /metrics, and /status. Grounded
// on the teacher's startHTTPServer/handleHealthz pair in http_server.go: a
// plain http.ServeMux, promhttp mounted at /metrics, a graceful shutdown
// with a bounded timeout, and a JSON status endpoint.
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   statusLogger
}

// NewHTTPServer builds the mux wiring the gateway's WS endpoint, the
// Prometheus registry metrics were registered against, and a read-only
// status endpoint (spec §6 Health).
func NewHTTPServer(srv *Server, wsHandler *WSHandler, gatherer prometheus.Gatherer, addr string, logger statusLogger) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/status", srv.handleStatusHTTP)

	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in a background goroutine. Grounded on the
// teacher's startHTTPServer: net.Listen up front so a bind failure
// surfaces synchronously, serving happens in a goroutine.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway http listen: %w", err)
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if h.logger != nil {
				h.logger.Error("gateway http server error", "error", err)
			}
		}
	}()
	if h.logger != nil {
		h.logger.Info("gateway http server listening", "addr", h.server.Addr)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down, bounded by ctx (or a 5s
// default if ctx is nil).
func (h *HTTPServer) Stop(ctx context.Context) {
	if h == nil || h.server == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := h.server.Shutdown(shutdownCtx); err != nil && h.logger != nil {
		h.logger.Warn("gateway http shutdown error", "error", err)
	}
}

// handleStatusHTTP renders the same read-only status payload the "status"
// WS method returns (spec §6 Health), for callers without a live session.
func (srv *Server) handleStatusHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.statusPayload()); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
