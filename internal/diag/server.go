// Package diag serves the read-only diagnostics surface: a JSON status
// endpoint, connection and switch history, Prometheus metrics, and a live
// websocket feed of bus events. It never mutates guard state.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/conn"
	"rtcguard/internal/events"
	"rtcguard/internal/failover"
	"rtcguard/internal/journal"
	"rtcguard/internal/metrics"
	"rtcguard/internal/netmon"
	"rtcguard/internal/token"
)

const defaultHistoryLimit = 100

// Deps carries the subsystems the handlers read from. Journal and Metrics
// may be nil; history then falls back to the in-memory rings and /metrics
// serves an empty registry.
type Deps struct {
	Conn     *conn.Manager
	Tokens   *token.Scheduler
	Failover *failover.Orchestrator
	Network  *netmon.Monitor
	Journal  *journal.Journal
	Metrics  *metrics.Collector
	Bus      *events.Bus
}

// Server is the diagnostics HTTP server.
type Server struct {
	deps   Deps
	logger *zap.Logger
	hub    *wsHub

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server for the given listen address. Start actually binds.
func New(listen string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.Named("diag"),
		hub:    newWSHub(deps.Bus, logger.Named("diag.ws")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/history/connection", s.handleConnectionHistory)
	mux.HandleFunc("/api/v1/history/switches", s.handleSwitchHistory)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}
	mux.HandleFunc("/ws", s.hub.handleWS)

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: config.DiagReadHeaderTimeout,
		ReadTimeout:       config.DiagReadTimeout,
		WriteTimeout:      config.DiagWriteTimeout,
		IdleTimeout:       config.DiagIdleTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Diagnostics server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown stops the websocket hub and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Timestamp       time.Time                     `json:"timestamp"`
	Connection      conn.Stats                    `json:"connection"`
	Network         string                        `json:"network"`
	CurrentProvider string                        `json:"current_provider,omitempty"`
	Providers       map[string]failover.Health    `json:"providers"`
	Renewals        map[string]token.RenewalState `json:"renewals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{Timestamp: time.Now()}
	if s.deps.Conn != nil {
		resp.Connection = s.deps.Conn.Stats()
	}
	if s.deps.Network != nil {
		resp.Network = s.deps.Network.Status().String()
	}
	if s.deps.Failover != nil {
		resp.CurrentProvider = s.deps.Failover.Current()
		resp.Providers = s.deps.Failover.HealthSnapshot()
	}
	if s.deps.Tokens != nil {
		resp.Renewals = s.deps.Tokens.States()
	}

	writeJSON(w, s.logger, resp)
}

func (s *Server) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	// The journal survives restarts; the in-memory ring is the fallback
	// when journaling is disabled.
	if s.deps.Journal != nil {
		recs, err := s.deps.Journal.RecentConnectionEvents(limit)
		if err != nil {
			s.logger.Error("Failed to read connection history", zap.Error(err))
			http.Error(w, "journal read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, s.logger, recs)
		return
	}

	var history []conn.StateEvent
	if s.deps.Conn != nil {
		history = s.deps.Conn.History(limit)
	}
	writeJSON(w, s.logger, history)
}

func (s *Server) handleSwitchHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	if s.deps.Journal != nil {
		recs, err := s.deps.Journal.RecentSwitchRecords(limit)
		if err != nil {
			s.logger.Error("Failed to read switch history", zap.Error(err))
			http.Error(w, "journal read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, s.logger, recs)
		return
	}

	var history []failover.SwitchRecord
	if s.deps.Failover != nil {
		history = s.deps.Failover.SwitchHistory(limit)
	}
	writeJSON(w, s.logger, history)
}

// parseLimit reads the limit query parameter, defaulting when absent and
// rejecting garbage. The second return is false when a response was
// already written.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", zap.Error(err))
	}
}
