// Package ops serves the process-health surface: /health and /metrics.
// It is not a query surface for racing data.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
)

// Server is the optional ops HTTP listener. It stays disabled unless a
// listen address is configured.
type Server struct {
	gateway *db.Gateway
	server  *http.Server
}

// NewServer builds the listener on addr, exposing the metrics handler at
// /metrics and store health at /health.
func NewServer(addr string, gateway *db.Gateway, metricsHandler http.Handler) *Server {
	s := &Server{gateway: gateway}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks, so callers run it in a goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Ops listener started")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  databaseHealth         `json:"database"`
	Pool      map[string]interface{} `json:"pool,omitempty"`
}

type databaseHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  databaseHealth{Status: "ok"},
	}
	code := http.StatusOK

	if s.gateway != nil {
		if err := db.Ping(r.Context(), s.gateway.DB(), 2*time.Second); err != nil {
			resp.Status = "degraded"
			resp.Database = databaseHealth{Status: "down", Error: err.Error()}
			code = http.StatusServiceUnavailable
		} else {
			resp.Pool = db.PoolStats(s.gateway.DB())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}
