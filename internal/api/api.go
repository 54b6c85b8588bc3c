// Package api exposes live coordinator statistics over HTTP.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/roundnews/MoneroWebCoordinator/internal/coord"
)

// Stats is the /api/stats response.
type Stats struct {
	ConnectedWorkers int       `json:"connected_workers"`
	Healthy          bool      `json:"healthy"`
	Generation       uint64    `json:"template_generation"`
	Height           uint64    `json:"template_height"`
	Difficulty       uint64    `json:"network_difficulty"`
	TemplateAge      float64   `json:"template_age_secs"`
	StartedAt        time.Time `json:"started_at"`
}

// Server serves the read-only stats API for dashboards.
type Server struct {
	coord     *coord.Coordinator
	mux       *http.ServeMux
	startedAt time.Time
}

// New creates the API server over a running coordinator.
func New(c *coord.Coordinator) *Server {
	s := &Server{
		coord:     c,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.mux.HandleFunc("/api/stats", s.corsMiddleware(s.handleStats))
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		ConnectedWorkers: s.coord.Sessions(),
		Healthy:          s.coord.Healthy(),
		StartedAt:        s.startedAt,
	}
	if tmpl := s.coord.Template(); tmpl != nil {
		stats.Generation = tmpl.Generation
		stats.Height = tmpl.Height
		stats.Difficulty = tmpl.Difficulty
		stats.TemplateAge = time.Since(tmpl.FetchedAt).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("encode stats response: %v", err)
	}
}
