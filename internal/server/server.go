// Package server exposes running and stored campaigns over HTTP: a JSON
// status API, an SSE progress stream and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/store"
)

// Server represents the HTTP status server
type Server struct {
	registry *Registry
	metrics  *Metrics
	addr     string
	server   *http.Server
}

// NewServer creates a status server. st may be nil to serve live campaigns
// only.
func NewServer(addr string, st store.Store) *Server {
	return &Server{
		registry: NewRegistry(st),
		metrics:  NewMetrics(),
		addr:     addr,
	}
}

// Publish is a campaign progress callback: it updates the registry, the
// stream subscribers and the metrics.
func (s *Server) Publish(status campaign.Status) {
	s.registry.Publish(status)
	s.metrics.Observe(status)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/campaigns", s.handleListCampaigns)
	mux.HandleFunc("GET /api/v1/campaigns/{id}", s.handleGetCampaign)
	mux.HandleFunc("GET /api/v1/campaigns/{id}/best", s.handleGetBest)
	mux.HandleFunc("GET /api/v1/campaigns/{id}/stream", s.handleCampaignStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting status server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("Shutting down status server")
	return s.server.Shutdown(ctx)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.registry.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.registry.Get(id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// BestResponse is the body of GET /api/v1/campaigns/{id}/best.
type BestResponse struct {
	CampaignID    string             `json:"campaignId"`
	Evaluations   int                `json:"evaluations"`
	BestObjective float64            `json:"bestObjective"`
	Parameters    map[string]float64 `json:"parameters"`
}

// handleGetBest handles GET /api/v1/campaigns/{id}/best
func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.registry.Get(id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	if status.BestParams == nil || status.BestObjective == nil {
		http.Error(w, "No evaluations yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, BestResponse{
		CampaignID:    status.CampaignID,
		Evaluations:   status.Evaluations,
		BestObjective: *status.BestObjective,
		Parameters:    status.BestParams.Map(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Campaign not found: "+id, http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
