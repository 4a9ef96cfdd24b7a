// Package api serves the local dashboard: REST endpoints for status,
// positions, trades, equity history and account management, plus a
// websocket stream pushing periodic snapshots.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-copytrader/internal/config"
)

const snapshotPushInterval = 2 * time.Second

// Server runs the dashboard HTTP/WebSocket API.
type Server struct {
	cfg      config.DashboardConfig
	eng      Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	stopCh chan struct{}
}

// NewServer wires the routes.
func NewServer(cfg config.DashboardConfig, eng Engine, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(eng, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/chart", handlers.HandleChart)
	mux.HandleFunc("/api/errors", handlers.HandleErrors)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/trades", handlers.HandleTrades)
	mux.HandleFunc("/api/accounts", handlers.HandleAccounts)
	mux.HandleFunc("/api/accounts/activate", handlers.HandleActivate)
	mux.HandleFunc("/api/accounts/deactivate", handlers.HandleDeactivate)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return &Server{
		cfg:      cfg,
		eng:      eng,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
		stopCh: make(chan struct{}),
	}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pushLoop()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pushLoop broadcasts a fresh snapshot to stream clients on an interval.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(snapshotPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.hub.Broadcast(StreamEvent{Type: "snapshot", Data: BuildSnapshot(s.eng)})
		}
	}
}
