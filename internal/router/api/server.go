// Package api exposes the administrative HTTP surface of the router:
// health, stats, live calls, call control, and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/core"
)

// CallController is the slice of the orchestrator the API needs.
// Implemented by core.Manager.
type CallController interface {
	PlaceCall(handle string, extras map[string]string, gateway *call.GatewayInfo) (string, error)
	AnnounceIncomingCall(desc backend.Descriptor, extras map[string]string) error
	AnswerCall(id string) error
	RejectCall(id string) error
	DisconnectCall(id string) error
	HoldCall(id string) error
	UnholdCall(id string) error
	PlayDTMF(id string, digit byte) error
	StopDTMF(id string) error
	Calls() ([]core.CallRecord, error)
	Stats() (core.Stats, error)
}

// Server provides the HTTP API for the router (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	controller CallController
	startTime  time.Time
}

// NewServer creates a new API server. registry may be nil to skip the
// /metrics endpoint.
func NewServer(addr string, controller CallController, registry *prometheus.Registry) *Server {
	s := &Server{
		addr:       addr,
		controller: controller,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Calls
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/dial", s.handleDial)
	mux.HandleFunc("/api/v1/calls/incoming", s.handleIncoming)
	mux.HandleFunc("/api/v1/calls/", s.handleCallAction)

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(uptime),
	}
	s.writeJSON(w, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, stats)
}

// --- Calls ---

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	calls, err := s.controller.Calls()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, calls)
}

type dialRequest struct {
	Handle string            `json:"handle"`
	Extras map[string]string `json:"extras,omitempty"`

	// Optional gateway rewrite.
	GatewayProvider string `json:"gateway_provider,omitempty"`
	GatewayHandle   string `json:"gateway_handle,omitempty"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Handle == "" {
		http.Error(w, "Handle required", http.StatusBadRequest)
		return
	}

	var gateway *call.GatewayInfo
	if req.GatewayHandle != "" {
		gateway = &call.GatewayInfo{
			Provider:       req.GatewayProvider,
			OriginalHandle: req.Handle,
			GatewayHandle:  req.GatewayHandle,
		}
	}

	id, err := s.controller.PlaceCall(req.Handle, req.Extras, gateway)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]interface{}{
		"call_id": id,
		"handle":  req.Handle,
	})
}

type incomingRequest struct {
	Backend string            `json:"backend"`
	Address string            `json:"address,omitempty"`
	Extras  map[string]string `json:"extras,omitempty"`
}

// handleIncoming simulates an incoming-call announcement. Used by test
// harnesses and the loopback backend.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req incomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Backend == "" {
		http.Error(w, "Backend required", http.StatusBadRequest)
		return
	}

	desc := backend.Descriptor{ID: req.Backend, Address: req.Address}
	if err := s.controller.AnnounceIncomingCall(desc, req.Extras); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]interface{}{
		"message": "Incoming call announced",
		"backend": req.Backend,
	})
}

// handleCallAction dispatches per-call control operations.
// POST /api/v1/calls/{id}/{answer|reject|disconnect|hold|unhold|dtmf}
func (s *Server) handleCallAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Invalid path. Expected /api/v1/calls/{id}/{action}", http.StatusNotFound)
		return
	}

	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "answer":
		err = s.controller.AnswerCall(id)
	case "reject":
		err = s.controller.RejectCall(id)
	case "disconnect":
		err = s.controller.DisconnectCall(id)
	case "hold":
		err = s.controller.HoldCall(id)
	case "unhold":
		err = s.controller.UnholdCall(id)
	case "dtmf":
		err = s.handleDTMF(r, id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, core.ErrUnknownCall) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"call_id": id,
		"action":  action,
	})
}

// handleDTMF plays a single digit; ?stop=true stops the current tone.
func (s *Server) handleDTMF(r *http.Request, id string) error {
	if r.URL.Query().Get("stop") == "true" {
		return s.controller.StopDTMF(id)
	}

	digit := r.URL.Query().Get("digit")
	if len(digit) != 1 || !strings.ContainsAny(digit, "0123456789*#ABCD") {
		return errors.New("digit must be one of 0-9, *, #, A-D")
	}
	return s.controller.PlayDTMF(id, digit[0])
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
