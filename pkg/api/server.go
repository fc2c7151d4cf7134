package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// RunArchive keeps final run states beyond the engine's retention window.
type RunArchive interface {
	SaveRun(ctx context.Context, st engine.RunState) error
	GetRun(ctx context.Context, runID string) (engine.RunState, error)
	ListRuns(ctx context.Context, limit int) ([]engine.RunState, error)
}

// Server encapsulates the HTTP API server
type Server struct {
	engine  *engine.Engine
	catalog store.Catalog
	archive RunArchive
	logger  *zap.Logger
	server  *http.Server

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string

	mu      sync.Mutex
	streams map[string]*progressStream
}

// NewServer creates a new API server instance
func NewServer(eng *engine.Engine, catalog store.Catalog, logger *zap.Logger, addr string) *Server {
	s := &Server{
		engine:  eng,
		catalog: catalog,
		logger:  logger.Named("api"),
		streams: make(map[string]*progressStream),
	}

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/runs", s.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/runs/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/{id}/report", s.handleRunReport).Methods(http.MethodGet)
	r.HandleFunc("/v1/reports", s.handleReports).Methods(http.MethodGet)

	r.HandleFunc("/v1/scenarios", s.handleListScenarios).Methods(http.MethodGet)
	r.HandleFunc("/v1/scenarios", s.handlePutScenario).Methods(http.MethodPost)
	r.HandleFunc("/v1/scenarios/{id}", s.handleGetScenario).Methods(http.MethodGet)
	r.HandleFunc("/v1/scenarios/{id}", s.handleDeleteScenario).Methods(http.MethodDelete)

	r.HandleFunc("/v1/destinations", s.handleListDestinations).Methods(http.MethodGet)
	r.HandleFunc("/v1/destinations", s.handlePutDestination).Methods(http.MethodPost)
	r.HandleFunc("/v1/destinations/{id}", s.handleGetDestination).Methods(http.MethodGet)
	r.HandleFunc("/v1/destinations/{id}", s.handleDeleteDestination).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	// Middleware: Logging, Panic Recovery, Security Headers
	return s.withLogging(s.withRecovery(withSecureHeaders(r)))
}

// SetArchive enables persistence of finished runs.
func (s *Server) SetArchive(a RunArchive) {
	s.archive = a
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	s.logger.Info("server_starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth returns simple status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var active int
	for _, st := range s.engine.Runs() {
		if !st.Status.Terminal() {
			active++
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ActiveRuns: active})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrRunNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
		writeError(w, status, "internal_server_error")
		return
	}
	writeError(w, status, err.Error())
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic_recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal_server_error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func generateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
