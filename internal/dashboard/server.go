// Package dashboard serves a read-only JSON view of positions, statistics,
// and reconciliation status. It never mutates anything.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/spreadkeeper/spreadkeeper/internal/models"
	"github.com/spreadkeeper/spreadkeeper/internal/reconcile"
	"github.com/spreadkeeper/spreadkeeper/internal/storage"
)

// Config holds dashboard server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the read-only status HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	store      storage.Interface
	reconciler *reconcile.Engine
	accounts   []string
	logger     *logrus.Logger
	authToken  string
}

// PositionView is the wire shape of one position row.
type PositionView struct {
	ID            string    `json:"id"`
	Account       string    `json:"account"`
	Symbol        string    `json:"symbol"`
	StrategyID    string    `json:"strategy_id"`
	State         string    `json:"state"`
	Quantity      int       `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	DTE           int       `json:"dte"`
	Expiration    time.Time `json:"expiration"`
	RetryCount    int       `json:"retry_count"`
	CloseOrderID  string    `json:"close_order_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// NewServer wires the dashboard routes.
func NewServer(cfg Config, store storage.Interface, reconciler *reconcile.Engine,
	accounts []string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:     chi.NewRouter(),
		store:      store,
		reconciler: reconciler,
		accounts:   accounts,
		logger:     logger,
		authToken:  cfg.AuthToken,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/healthz", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/api/positions", s.handlePositions)
		r.Get("/api/statistics", s.handleStatistics)
		r.Get("/api/reconciliation", s.handleReconciliation)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("dashboard listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions, err := s.store.GetOpenPositions()
	if err != nil {
		s.logger.WithError(err).Error("loading open positions")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, toView(&positions[i], now))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.GetStatistics()
	if err != nil {
		s.logger.WithError(err).Error("loading statistics")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

// handleReconciliation runs a read-only classification sweep per account.
func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	reports := make([]*reconcile.Report, 0, len(s.accounts))
	for _, account := range s.accounts {
		report, err := s.reconciler.ReconcileAccount(r.Context(), account, false)
		if err != nil {
			s.logger.WithError(err).WithField("account", account).
				Error("read-only reconciliation failed")
			http.Error(w, "reconciliation error", http.StatusBadGateway)
			return
		}
		reports = append(reports, report)
	}
	s.writeJSON(w, reports)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}

func toView(p *models.Position, now time.Time) PositionView {
	return PositionView{
		ID:            p.ID,
		Account:       p.Account,
		Symbol:        p.Symbol,
		StrategyID:    p.StrategyID,
		State:         string(p.State),
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		DTE:           p.CalculateDTE(now),
		Expiration:    p.Expiration,
		RetryCount:    p.Automation.RetryCount,
		CloseOrderID:  p.Automation.CurrentOrderID,
		LastError:     p.Automation.LastError,
	}
}
