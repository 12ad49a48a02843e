// Package httpapi serves the local replica to ring-side devices on the
// venue network: entry lookups, class running orders, status changes,
// on-demand sync and Prometheus metrics.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/ringside/internal/entries"
	"github.com/roach88/ringside/internal/store"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Entries  *entries.Table
	Manager  *store.Manager
	Gatherer prometheus.Gatherer
	Tenant   string // default tenant for POST /v1/sync
	Logger   *slog.Logger
}

// errorBody is the response body for failed requests.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Error("failed to encode json response", "error", err)
	}
}

// writeError maps store error codes to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var se *store.Error
	switch {
	case errors.As(err, &se):
		code = string(se.Code)
		switch se.Code {
		case store.ErrCodeNotFound:
			status = http.StatusNotFound
		case store.ErrCodeConcurrency:
			status = http.StatusConflict
		case store.ErrCodeTimeout:
			status = http.StatusServiceUnavailable
		case store.ErrCodeSyncFailed:
			status = http.StatusBadGateway
		}
	case errors.Is(err, entries.ErrStatusRegression):
		status, code = http.StatusConflict, "STATUS_REGRESSION"
	}
	s.writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.Stats)
		r.Get("/pending", s.Pending)
		r.Post("/sync", s.Sync)
		r.Get("/entries/{id}", s.GetEntry)
		r.Post("/entries/{id}/status", s.AdvanceEntry)
		r.Get("/classes/{classID}/entries", s.ClassEntries)
	})

	s.logger().Debug("HTTP routes registered")
	return r
}

const correlationHeader = "X-Correlation-ID"

// CorrelationMiddleware echoes the client's X-Correlation-ID, generating
// one when absent.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(correlationHeader, id)
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"correlation_id", r.Header.Get(correlationHeader))
	})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
