// Package dashboard serves a small status HTTP API over the shared
// store: the live rows, a health probe, and a manual close control.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tradeflow/internal/store"
)

// Server is the status HTTP server. It reads and writes through the
// store interface only; it never talks to the broker.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     store.Interface
	logger    *logrus.Logger
	addr      string
	authToken string
}

// Config holds the dashboard settings.
type Config struct {
	ListenAddr string
	AuthToken  string
}

// NewServer creates the dashboard server.
func NewServer(cfg Config, st store.Interface, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Post("/api/trades/{id}/close", s.handleCloseTrade)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("dashboard server started")
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.FetchActiveTrades(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("fetching trades for dashboard failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.logger.WithError(err).Error("encoding trades failed")
	}
}

// handleCloseTrade requests a force-close for one row; the dispatcher
// picks the flag up on its next tick.
func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing trade id", http.StatusBadRequest)
		return
	}

	if err := s.store.RequestForceClose(r.Context(), id, "manual_close"); err != nil {
		s.logger.WithError(err).WithField("trade_id", id).Error("requesting manual close failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.WithField("trade_id", id).Info("manual close requested")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "close_requested", "id": id})
}
