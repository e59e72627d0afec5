// Package api implements the read-side HTTP and SSE boundary: REST
// snapshot/lookup endpoints, a live signal event stream, health, and
// metrics. Handlers are thin — they read the store and the manager and
// translate domain errors to HTTP status codes; all normalization and
// supervision logic lives upstream of this package.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/ff-fab/lumehaven/internal/lumeerr"
	"github.com/ff-fab/lumehaven/internal/manager"
	"github.com/ff-fab/lumehaven/internal/signal"
	"github.com/ff-fab/lumehaven/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response, which
// is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server for the signal aggregation service.
type Server struct {
	address     string
	port        int
	corsOrigins []string
	store       *store.Store
	manager     *manager.Manager
	logger      *slog.Logger
	server      *http.Server
}

// Config configures a new Server.
type Config struct {
	Address     string
	Port        int
	CORSOrigins []string
}

// NewServer creates a new API server bound to st and mgr.
func NewServer(cfg Config, st *store.Store, mgr *manager.Manager, logger *slog.Logger) *Server {
	return &Server{
		address:     cfg.Address,
		port:        cfg.Port,
		corsOrigins: cfg.CORSOrigins,
		store:       st,
		manager:     mgr,
		logger:      logger,
	}
}

// Start begins serving HTTP requests. It blocks until the server stops,
// returning http.ErrServerClosed on a graceful Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/signals", s.handleSignalsList)
	mux.HandleFunc("GET /api/signals/{id}", s.handleSignalGet)
	mux.HandleFunc("GET /api/events/signals", s.handleSignalEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE subscribers may stay open indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// (including open SSE streams) to notice ctx and return.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.corsOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				break
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthResponse is the wire shape of GET /health.
type healthResponse struct {
	Status          string                  `json:"status"`
	SignalCount     int                     `json:"signal_count"`
	SubscriberCount int                     `json:"subscriber_count"`
	Adapters        []manager.AdapterStatus `json:"adapters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.store.Metrics()
	adapters := s.manager.Adapters()

	healthy := metrics.Signals.Stored > 0 && len(adapters) > 0
	for _, a := range adapters {
		if !a.Connected {
			healthy = false
			break
		}
	}

	status := "degraded"
	if healthy {
		status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, healthResponse{
		Status:          status,
		SignalCount:     metrics.Signals.Stored,
		SubscriberCount: metrics.Subscribers.Total,
		Adapters:        adapters,
	}, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.store.Metrics(), s.logger)
}

// signalsListResponse is the wire shape of GET /api/signals.
type signalsListResponse struct {
	Signals []signal.Signal `json:"signals"`
	Count   int             `json:"count"`
}

func (s *Server) handleSignalsList(w http.ResponseWriter, r *http.Request) {
	all := s.store.GetAll()
	signals := make([]signal.Signal, 0, len(all))
	for _, sig := range all {
		signals = append(signals, sig)
	}

	body, err := json.Marshal(signalsListResponse{Signals: signals, Count: len(signals)})
	if err != nil {
		s.logger.Error("failed to marshal signals list", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	sum := blake2b.Sum256(body)
	etag := fmt.Sprintf("W/%q", fmt.Sprintf("%x", sum))
	w.Header().Set("ETag", etag)

	if inm := r.Header.Get("If-None-Match"); inm != "" && subtle.ConstantTimeCompare([]byte(inm), []byte(etag)) == 1 {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("failed to write signals list response", "error", err)
	}
}

func (s *Server) handleSignalGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sig, ok := s.store.Get(id)
	if !ok {
		err := &lumeerr.SignalNotFound{ID: id}
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sig, s.logger)
}

func (s *Server) handleSignalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	subscriberID := uuid.New().String()
	sub := s.store.Subscribe()
	defer s.store.Release(sub)

	logger := s.logger.With("subscriber_id", subscriberID)
	logger.Info("sse subscriber connected")
	defer logger.Info("sse subscriber disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case sig, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.writeSignalEvent(w, sig); err != nil {
				logger.Debug("failed to write sse event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSignalEvent(w http.ResponseWriter, sig signal.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: signal\ndata: %s\n\n", data)
	return err
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"detail": message}, s.logger)
}
