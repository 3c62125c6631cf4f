// Package api exposes the HTTP control surface for the crawler: state
// inspection, pause/resume/stop signaling, and record queries.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/config"
	"github.com/forumwatch/crawlerd/internal/control"
	"github.com/forumwatch/crawlerd/internal/crawler"
	"github.com/forumwatch/crawlerd/internal/metrics"
)

// Server wires HTTP handlers to the control bridge and record store.
type Server struct {
	router chi.Router
	bridge *control.Bridge
	store  crawler.RecordStore
	logger *zap.Logger
	cfg    config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(bridge *control.Bridge, store crawler.RecordStore, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		bridge: bridge,
		store:  store,
		logger: logger,
		cfg:    cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/control", func(r chi.Router) {
			r.Get("/state", s.getState)
			r.Get("/signals", s.getSignals)
			r.Post("/pause", s.signalHandler(control.SignalPause))
			r.Post("/resume", s.signalHandler(control.SignalResume))
			r.Post("/stop", s.signalHandler(control.SignalStop))
			r.Post("/reset", s.reset)
		})
		r.Get("/records/{section}", s.getRecords)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.CurrentState())
}

func (s *Server) getSignals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.bridge.PendingSignals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read pending signals")
		return
	}
	processed, err := s.bridge.ProcessedSignals(r.Context(), 20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read processed signals")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending":   pending,
		"processed": processed,
	})
}

type signalRequest struct {
	Reason string `json:"reason"`
}

// signalHandler builds the POST handler for one signal type. Sending is
// asynchronous; the crawl reacts at its next checkpoint, so the response
// is 202 with the signal ID for correlation.
func (s *Server) signalHandler(t control.SignalType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signalRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
		}
		payload := map[string]any{"source": "api"}
		if req.Reason != "" {
			payload["reason"] = req.Reason
		}

		var (
			id  string
			err error
		)
		switch t {
		case control.SignalPause:
			id, err = s.bridge.SendPause(r.Context(), payload)
		case control.SignalResume:
			id, err = s.bridge.SendResume(r.Context(), payload)
		case control.SignalStop:
			id, err = s.bridge.SendStop(r.Context(), payload)
		default:
			s.writeError(w, http.StatusBadRequest, "unsupported signal")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"signal_id": id,
			"type":      string(t),
		})
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.ResetToIdle(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.bridge.CurrentState())
}

func (s *Server) getRecords(w http.ResponseWriter, r *http.Request) {
	section := chi.URLParam(r, "section")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.store.RecordsBySection(r.Context(), section, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"section": section,
		"records": records,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
