// Package server implements the outward HTTP/websocket surface to the
// host integration: a health/readiness check plus a periodic websocket
// status broadcast, adapted from scheduler/server.go's WebServer
// (broadcastStatus, wsHandler, handleBroadcasts) with the miner-specific
// fields replaced by the battery core's own status snapshot. It also
// exposes the outward interface's two mutating commands, request_manual_plan
// and deactivate_plan (§6), against whatever CommandHandler the caller wires in.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

// StatusSnapshot is the outward-facing system state, assembled fresh on
// every request/broadcast tick by the StatusProvider.
type StatusSnapshot struct {
	Timestamp       time.Time              `json:"timestamp"`
	TelemetryOK     bool                   `json:"telemetry_ok"`
	Telemetry       types.TelemetrySnapshot `json:"telemetry"`
	TelemetryStatus string                 `json:"telemetry_status"`
	ActivePlan      *types.Plan            `json:"active_plan,omitempty"`
	ShieldState     types.ShieldState      `json:"shield_state"`
	WeatherWarning  types.WeatherWarning   `json:"weather_warning"`
}

// StatusProvider supplies the current status snapshot. Implemented by the
// top-level application wiring (internal/core's caller), which has a view
// of every component's current state.
type StatusProvider interface {
	Status() StatusSnapshot
}

// CommandHandler executes the outward interface's two mutating commands
// (§6): requesting a manual hard-target plan and deactivating a plan.
type CommandHandler interface {
	RequestManualPlan(ctx context.Context, targetSoCPct float64, targetTime time.Time, holdingHours float64, holdingMode types.ModeKind) (types.Plan, error)
	DeactivatePlan(planID string) error
}

// Provider is the full outward-facing surface the server wraps: read-only
// status plus the two commands. The top-level application wiring
// implements both halves on one value.
type Provider interface {
	StatusProvider
	CommandHandler
}

// Server exposes /api/health, /api/ready, /api/manual-plan,
// /api/deactivate-plan, and a broadcasting /api/ws.
type Server struct {
	provider  Provider
	port      int
	startTime time.Time
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
	server    *http.Server
	period    time.Duration
}

// New builds a Server. period is the websocket broadcast cadence; a
// non-positive value defaults to 5s.
func New(provider Provider, port int, period time.Duration) *Server {
	if period <= 0 {
		period = 5 * time.Second
	}

	mux := http.NewServeMux()
	s := &Server{
		provider:  provider,
		port:      port,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		period:    period,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/ready", s.readinessHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)
	mux.HandleFunc("/api/manual-plan", s.manualPlanHandler)
	mux.HandleFunc("/api/deactivate-plan", s.deactivatePlanHandler)

	return s
}

// Start begins serving and broadcasting in background goroutines.
func (s *Server) Start() error {
	go s.handleBroadcasts()
	go s.broadcastLoop()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server: listen error: %v\n", err)
		}
	}()
	return nil
}

// Stop closes every websocket connection and gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	s.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.provider.Status()

	w.Header().Set("Content-Type", "application/json")
	if !snap.TelemetryOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    statusString(snap),
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": snap.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.provider.Status()

	w.Header().Set("Content-Type", "application/json")
	if !snap.TelemetryOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":     snap.TelemetryOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// manualPlanRequest is the wire shape of request_manual_plan (§6).
type manualPlanRequest struct {
	TargetSoCPct float64   `json:"target_soc_pct"`
	TargetTime   time.Time `json:"target_time"`
	HoldingHours float64   `json:"holding_hours"`
	HoldingMode  string    `json:"holding_mode"`
}

func (s *Server) manualPlanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req manualPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	mode, err := types.ParseModeKind(req.HoldingMode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := s.provider.RequestManualPlan(r.Context(), req.TargetSoCPct, req.TargetTime, req.HoldingHours, mode)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(plan)
}

// deactivatePlanRequest is the wire shape of deactivate_plan (§6).
type deactivatePlanRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) deactivatePlanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deactivatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.PlanID == "" {
		http.Error(w, fmt.Sprintf("%s: plan_id is required", errs.ErrValidation), http.StatusBadRequest)
		return
	}

	if err := s.provider.DeactivatePlan(req.PlanID); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCommandError maps a command error's sentinel kind (§7) to an HTTP
// status, falling back to 500 for anything unrecognized.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrInfeasible):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, errs.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func statusString(snap StatusSnapshot) string {
	if !snap.TelemetryOK {
		return "unhealthy"
	}
	if snap.TelemetryStatus == "degraded" {
		return "degraded"
	}
	return "healthy"
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("server: websocket upgrade error: %v\n", err)
		return
	}
	s.clients.Store(conn, true)

	if data, err := json.Marshal(s.provider.Status()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hasClients := false
			s.clients.Range(func(key, value any) bool {
				hasClients = true
				return false
			})
			if !hasClients {
				continue
			}
			data, err := json.Marshal(s.provider.Status())
			if err != nil {
				continue
			}
			select {
			case s.broadcast <- data:
			default:
			}
		case <-s.done:
			return
		}
	}
}
