// Package api exposes the read-only HTTP interface over the harvested
// catalog and the retry queue.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// Server wires HTTP handlers to the product store and retry queue.
type Server struct {
	router chi.Router
	store  pipeline.Store
	queue  pipeline.RetryQueue
	clock  pipeline.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store pipeline.Store, queue pipeline.RetryQueue, clock pipeline.Clock, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		queue:  queue,
		clock:  clock,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", s.listProducts)
			r.Get("/{sku}", s.getProduct)
		})
		r.Route("/retries", func(r chi.Router) {
			r.Get("/", s.listPendingRetries)
			r.Get("/terminal", s.listTerminalRetries)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A cheap queue query proves the database answers.
	if _, err := s.queue.Depth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "retry queue unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("list products failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list products", s.logger)
		return
	}
	if records == nil {
		records = []pipeline.ProductRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(records),
		"products": records,
	}, s.logger)
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	record, ok, err := s.store.Get(r.Context(), sku)
	if err != nil {
		s.logger.Error("get product failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read product", s.logger)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "product not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, record, s.logger)
}

func (s *Server) listPendingRetries(w http.ResponseWriter, r *http.Request) {
	due, err := s.queue.Due(r.Context(), s.clock.Now())
	if err != nil {
		s.logger.Error("list due retries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read retry queue", s.logger)
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("read retry depth failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read retry queue", s.logger)
		return
	}
	if due == nil {
		due = []pipeline.RetryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depth": depth,
		"due":   due,
	}, s.logger)
}

func (s *Server) listTerminalRetries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Terminal(r.Context())
	if err != nil {
		s.logger.Error("list terminal retries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read retry queue", s.logger)
		return
	}
	if entries == nil {
		entries = []pipeline.RetryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
