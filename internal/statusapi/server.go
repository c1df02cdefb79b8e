// Package statusapi exposes a small read-only HTTP surface over the
// control loop's last cycle summary and the store's current fleet state,
// for operator dashboards and liveness probes. Grounded on the teacher's
// internal/web.Server chi router and middleware stack — generalised from
// a job-submission API to a status/ops API, since the orchestrator
// itself never accepts externally-submitted work.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nimbusgpu/orchestrator/internal/store"
	"github.com/nimbusgpu/orchestrator/model"
)

// Server exposes /healthz, /cycles/latest and /workers.
type Server struct {
	router chi.Router
	store  store.Store

	mu     sync.RWMutex
	latest model.CycleSummary
}

func NewServer(st store.Store) *Server {
	s := &Server{router: chi.NewRouter(), store: st}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

// RecordCycle is called by the control loop after every cycle so
// /cycles/latest reflects current state without the API querying the
// loop directly.
func (s *Server) RecordCycle(summary model.CycleSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = summary
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/cycles/latest", s.handleLatestCycle)
	r.Get("/workers", s.handleListWorkers)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	summary := s.latest
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	workers, err := s.store.ListWorkers(ctx, nil)
	if err != nil {
		http.Error(w, "failed to list workers: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(workers)
}
