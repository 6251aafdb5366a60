package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ServerOption configures optional Server features.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets the allowed CORS origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithLive mounts the real-time stream at /ws.
func WithLive(h http.Handler) ServerOption {
	return func(s *Server) { s.live = h }
}

// WithMetrics mounts a Prometheus exposition handler at /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a named probe to /healthz. A non-nil error marks the
// service unhealthy.
func WithHealthCheck(name string, check func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.checks[name] = check }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the HTTP surface: live stream, metrics, health and read-only
// history queries.
type Server struct {
	history        History
	mux            *http.ServeMux
	logger         *slog.Logger
	live           http.Handler
	metrics        http.Handler
	checks         map[string]func(ctx context.Context) error
	apiKey         string
	allowedOrigins []string
	version        string
}

// NewServer builds the route table. history may be nil, in which case the
// /api/ routes are not mounted.
func NewServer(history History, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		history: history,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "web"),
		checks:  make(map[string]func(ctx context.Context) error),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	if s.live != nil {
		s.mux.Handle("GET /ws", s.live)
	}
	if s.history != nil {
		s.mux.HandleFunc("GET /api/devices/{id}/triggers", s.handleAPIListTriggers)
		s.mux.HandleFunc("GET /api/devices/{id}/readings", s.handleAPIListReadings)
		s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
		s.mux.HandleFunc("GET /api/automations/{id}/logs", s.handleAPIAutomationLogs)
		s.mux.HandleFunc("GET /api/rules", s.handleAPIListRules)
		s.mux.HandleFunc("GET /api/rules/{id}/logs", s.handleAPIRuleLogs)
	}
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Version: s.version}
	status := http.StatusOK
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "err", err)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
