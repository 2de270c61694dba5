// Package gateway exposes the dialog pipeline over HTTP and websocket.
// Everything it returns to callers comes from the cloud history layer or
// from turn replies unless the request carries the local-history audit
// token, so the privacy boundary of the session store holds at the wire.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tablesage/tablesage/internal/dialog"
	. "github.com/tablesage/tablesage/internal/logging"
	"github.com/tablesage/tablesage/internal/session"
)

// QueryProcessor runs one dialog turn against a session. The production
// implementation is *dialog.Orchestrator.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, sessionID, userText string) (*dialog.Reply, error)
}

// ServerConfig holds the gateway settings.
type ServerConfig struct {
	Listen         string // address to bind, e.g. "127.0.0.1:8390"
	AuditTokenHash string // argon2id hash guarding local-layer history, "" disables remote access
}

// Server serves the query API over HTTP and websocket.
type Server struct {
	cfg          ServerConfig
	server       *http.Server
	processor    QueryProcessor
	sessions     *session.Manager
	rateLimiter  *RateLimiter
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewServer creates the gateway server. It does not start listening.
func NewServer(cfg ServerConfig, processor QueryProcessor, sessions *session.Manager) (*Server, error) {
	if processor == nil {
		return nil, errors.New("gateway: query processor is required")
	}
	if sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8390"
	}

	s := &Server{
		cfg:          cfg,
		processor:    processor,
		sessions:     sessions,
		rateLimiter:  NewRateLimiter(10 * time.Second),
		shutdownChan: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        cfg.Listen,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// A turn can spend several model and database round trips before it
		// answers; the write deadline has to outlast the slowest turn.
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes with middleware
func (s *Server) setupRoutes(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}

	mux.HandleFunc("/api/query", wrap(s.handleQuery))
	mux.HandleFunc("/api/ws", wrap(s.handleWS))
	mux.HandleFunc("/api/history", wrap(s.handleHistory))
	mux.HandleFunc("/api/sessions", wrap(s.handleSessions))
	mux.HandleFunc("/api/metrics", wrap(s.handleMetrics))
	mux.HandleFunc("/healthz", wrap(s.handleHealth))
}

// Handler returns the configured root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins listening in a background goroutine.
func (s *Server) Start() error {
	L_info("gateway: starting server", "listen", s.cfg.Listen)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("gateway: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	L_info("gateway: stopping server")
	close(s.shutdownChan)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_warn("gateway: shutdown error", "error", err)
	}

	s.wg.Wait()
	L_info("gateway: server stopped")
	return nil
}

// loggingResponseWriter captures the status code for request logging
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher if the underlying writer supports it
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequest middleware logs each request with method, path, status and duration
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lrw, r)

		L_debug("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start).Round(time.Millisecond),
			"ip", getClientIP(r))
	}
}

// stripHeaders middleware removes identifying headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
