package export

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/models"
)

// Store is the read-only slice of the persistence layer the server needs.
type Store interface {
	GetRecentRounds(n int) ([]*models.Round, error)
	GetRound(id string) (*models.Round, error)
	GetTicks(roundID string) ([]models.Tick, error)
	GetSidebetWindows(roundID string) ([]models.SidebetWindow, error)
	Counts() (rounds, ticks, events, frames int64, err error)
	EventCountsBySource() (map[string]int64, error)
}

// Server exposes finalized rounds and raw ticks to downstream consumers.
type Server struct {
	store   Store
	recentN int
}

// NewServer creates the reporting server with a default page size.
func NewServer(store Store, recentN int) *Server {
	if recentN < 1 {
		recentN = 100
	}
	return &Server{store: store, recentN: recentN}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/rounds", s.handleRounds)
	r.Get("/rounds.csv", s.handleRoundsCSV)
	r.Get("/rounds/{id}", s.handleRound)
	r.Get("/rounds/{id}/ticks", s.handleTicks)
	r.Get("/rounds/{id}/ticks.csv", s.handleTicksCSV)

	return r
}

// Serve starts the HTTP listener in the background.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Export server stopped: %v", err)
		}
	}()
	return srv
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rounds, ticks, events, frames, err := s.store.Counts()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	bySource, err := s.store.EventCountsBySource()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":           "ok",
		"rounds":           rounds,
		"ticks":            ticks,
		"events":           events,
		"frames":           frames,
		"events_by_source": bySource,
	})
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.store.GetRecentRounds(s.limit(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, rounds)
}

func (s *Server) handleRoundsCSV(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.store.GetRecentRounds(s.limit(r))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := WriteRoundsCSV(w, rounds); err != nil {
		logger.Error("Failed to stream rounds CSV: %v", err)
	}
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	round, err := s.store.GetRound(id)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	windows, err := s.store.GetSidebetWindows(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	round.SidebetWindows = windows
	writeJSON(w, round)
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	ticks, err := s.store.GetTicks(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, ticks)
}

func (s *Server) handleTicksCSV(w http.ResponseWriter, r *http.Request) {
	ticks, err := s.store.GetTicks(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := WriteTicksCSV(w, ticks); err != nil {
		logger.Error("Failed to stream ticks CSV: %v", err)
	}
}

func (s *Server) limit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return s.recentN
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
