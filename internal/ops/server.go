// Package ops exposes the sender daemon's operational HTTP surface.
package ops

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/erauner12/outbox/internal/outbox"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Pinger reports store connectivity. pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds dependencies for the ops handlers.
type Server struct {
	DB     Pinger
	Sender *outbox.Sender
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the ops router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Health)
	r.Get("/outbox/stats", s.Stats)

	log.Info().Msg("ops routes registered")
	return r
}

// Health reports liveness plus store connectivity.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ok"))
}

// Stats returns the sender's cumulative counters.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sender.StatsSnapshot())
}
