// Package http provides the gateway's HTTP surface: health, phone
// pairing, and the admin API.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/supervisor"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// Supervisor is the part of the connection supervisor the API uses.
type Supervisor interface {
	ActiveCount() int
	Status() []supervisor.Status
	Remove(ctx context.Context, tenant string) error
}

// SessionStore is the persistence the API reads and writes.
type SessionStore interface {
	FindAllSessions(ctx context.Context) ([]*store.Session, error)
	GetSession(ctx context.Context, tenantID string) (*store.Session, error)
	InsertSession(ctx context.Context, tenantID string, creds json.RawMessage) (*store.Session, error)
	GetSettings(ctx context.Context, tenantID string) (*settings.Overrides, error)
	SaveSettings(ctx context.Context, tenantID string, o *settings.Overrides) error
}

// Pairer links new accounts by phone number.
type Pairer interface {
	PairPhone(phone string, onDone func(whatsapp.Paired, error)) (string, error)
}

// Server represents the HTTP server
type Server struct {
	server       *http.Server
	rateLimiter  *RateLimiter
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	adminToken string
	degraded   string
	sup        Supervisor
	sessions   SessionStore
	pairer     Pairer
	settings   *settings.Cache
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen     string // Address to listen on (e.g., ":8000", "127.0.0.1:8000")
	AdminToken string // Password for the admin API; empty disables it
	Degraded   string // Reported by /health when the gateway runs without sessions
}

// Deps are the components the server exposes.
type Deps struct {
	Supervisor Supervisor
	Sessions   SessionStore
	Pairer     Pairer
	Settings   *settings.Cache
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *ServerConfig, deps Deps) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":8000"
	}

	s := &Server{
		rateLimiter:  NewRateLimiter(10 * time.Second),
		shutdownChan: make(chan struct{}),
		adminToken:   cfg.AdminToken,
		degraded:     cfg.Degraded,
		sup:          deps.Supervisor,
		sessions:     deps.Sessions,
		pairer:       deps.Pairer,
		settings:     deps.Settings,
	}
	if s.adminToken == "" {
		L_warn("http: no admin token configured, admin API disabled")
	}

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	public := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}
	// Apply middleware chain: logging -> strip headers -> rate limit -> auth
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.rateLimit(s.basicAuth(h))))
	}

	mux.HandleFunc("GET /health", public(s.handleHealth))
	mux.HandleFunc("GET /code", public(s.handleCode))

	if s.adminToken != "" {
		mux.HandleFunc("GET /api/sessions", admin(s.handleSessions))
		mux.HandleFunc("DELETE /api/sessions/{tenant}", admin(s.handleSessionDelete))
		mux.HandleFunc("GET /api/sessions/{tenant}/settings", admin(s.handleSettingsGet))
		mux.HandleFunc("PUT /api/sessions/{tenant}/settings", admin(s.handleSettingsPut))
		mux.HandleFunc("GET /api/metrics", admin(s.handleMetrics))
		mux.HandleFunc("GET /api/cron", admin(s.handleCron))
		mux.HandleFunc("GET /api/events", admin(s.handleEvents))
	}

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())

		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	lw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("http: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
