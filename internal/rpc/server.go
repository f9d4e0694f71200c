// Package rpc serves the sensor synchronization protocol. Every call is a
// POST of {"method": ..., "params": [...]} to /rpc and every answer is a JSON
// object carrying a boolean "status" and, on failure, a "message".
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/0x4d31/rulesync/internal/metrics"
	"github.com/0x4d31/rulesync/internal/session"
	"github.com/0x4d31/rulesync/internal/state"
)

// Config tunes a Server. Zero values select defaults.
type Config struct {
	// MaxRules bounds the SID list of a single getRules call.
	MaxRules int
	// MaxBodyBytes bounds a request body.
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
}

// Server dispatches protocol calls.
type Server struct {
	r        *chi.Mux
	db       *state.DB
	sessions *session.Cache
	maxRules int
	maxBody  int64
	metrics  *metrics.Metrics
	methods  map[string]handler
}

// request is one protocol call.
type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// failure is the answer to every failed call.
type failure struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// ok is the answer to calls that return nothing but success.
type ok struct {
	Status bool `json:"status"`
}

func fail(format string, args ...any) failure {
	return failure{Status: false, Message: fmt.Sprintf(format, args...)}
}

type handler func(ctx context.Context, params []json.RawMessage) any

type authHandler func(ctx context.Context, sess session.Session, params []json.RawMessage) any

// NewServer creates a server over db and sessions.
func NewServer(db *state.DB, sessions *session.Cache, cfg Config) *Server {
	if cfg.MaxRules <= 0 {
		cfg.MaxRules = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		r:        chi.NewRouter(),
		db:       db,
		sessions: sessions,
		maxRules: cfg.MaxRules,
		maxBody:  cfg.MaxBodyBytes,
		metrics:  cfg.Metrics,
	}
	s.methods = map[string]handler{
		"authenticate":      s.authenticate,
		"deAuthenticate":    s.requireAuth(s.deAuthenticate),
		"getRuleClasses":    s.requireAuth(s.getRuleClasses),
		"getGenerators":     s.requireAuth(s.getGenerators),
		"getReferenceTypes": s.requireAuth(s.getReferenceTypes),
		"getRuleSets":       s.requireAuth(s.getRuleSets),
		"getRuleRevisions":  s.requireAuth(s.getRuleRevisions),
		"getRules":          s.requireAuth(s.getRules),
		"ping":              s.requireAuth(s.ping),
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.r.Post("/rpc", s.serveRPC)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, fail("malformed request: %v", err), code)
		return
	}

	h, found := s.methods[req.Method]
	if !found {
		s.metrics.RPC("unknown", false, time.Since(start))
		writeJSON(w, fail("unknown method %q", req.Method), http.StatusOK)
		return
	}

	res := h(r.Context(), req.Params)
	_, failed := res.(failure)
	s.metrics.RPC(req.Method, !failed, time.Since(start))
	if failed {
		slog.Debug("rpc call failed", "method", req.Method, "remote", r.RemoteAddr, "message", res.(failure).Message)
	}
	writeJSON(w, res, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// requireAuth resolves the token in the first parameter and hands the
// session to h. A missing, unknown or expired token never reaches h.
func (s *Server) requireAuth(h authHandler) handler {
	return func(ctx context.Context, params []json.RawMessage) any {
		if len(params) == 0 {
			return fail("unauthenticated: %v", session.ErrNoToken)
		}
		var token string
		if err := json.Unmarshal(params[0], &token); err != nil {
			return fail("unauthenticated: token must be a string")
		}
		sess, err := s.sessions.Lookup(token)
		if err != nil {
			s.metrics.Sessions(s.sessions.Len())
			return fail("unauthenticated: %v", err)
		}
		return h(ctx, sess, params[1:])
	}
}

// param decodes params[i] into v.
func param(params []json.RawMessage, i int, name string, v any) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %s", name)
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return fmt.Errorf("parameter %s: %w", name, err)
	}
	return nil
}
