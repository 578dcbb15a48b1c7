package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/observability"
)

// maxBodySize bounds an HTTP request body.
const maxBodySize = 4 * 1024 * 1024

// HTTPTransport serves the protocol over HTTP. Every request to the
// root endpoint is answered as a single server-sent event; the mux
// additionally exposes /healthz and /metrics without authentication.
type HTTPTransport struct {
	server  *Server
	auth    *authenticator
	logger  *observability.Logger
	metrics http.Handler
	ws      *wsUpgrader
}

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	Auth config.AuthConfig

	// MetricsHandler serves /metrics. Defaults to the global
	// prometheus handler.
	MetricsHandler http.Handler
}

// NewHTTPTransport builds the HTTP front-end for server.
func NewHTTPTransport(server *Server, opts HTTPOptions, logger *observability.Logger) *HTTPTransport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	t := &HTTPTransport{
		server:  server,
		auth:    newAuthenticator(opts.Auth),
		logger:  logger,
		metrics: metricsHandler,
	}
	t.ws = newWSUpgrader(t)
	return t
}

// Handler returns the full mux: the JSON-RPC endpoint at /, the
// WebSocket upgrade at /ws, and the unauthenticated /healthz and
// /metrics endpoints.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRPC)
	mux.HandleFunc("/ws", t.ws.handle)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.Handle("/metrics", t.metrics)
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func (t *HTTPTransport) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	t.logger.Info(ctx, "http transport listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := t.auth.authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeSSE(w, errorResponse(nil, ErrCodeParseError, "failed to read body: "+err.Error()))
		return
	}

	resp := t.server.Handle(r.Context(), body, "http")
	if resp == nil {
		// Notification: acknowledged with an empty 202.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeSSE(w, resp)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"server":  t.server.info.Name,
		"version": t.server.info.Version,
	})
}

// writeSSE emits one response as a server-sent event. The body is
// exactly one event: message frame with compact JSON data.
func writeSSE(w http.ResponseWriter, resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(nil, ErrCodeInternalError, "failed to encode response"))
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
}

// writeAuthError sends a plain JSON error, not a JSON-RPC envelope.
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, MCP-API-Key, X-API-Key")
}
