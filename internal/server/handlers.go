package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/fabricgw/internal/fabric"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Accepting       bool   `json:"accepting"`
	Connections     int    `json:"connections"`
	PendingCommands int    `json:"pending_commands"`
	Nodes           int    `json:"nodes"`
	EventsDelivered uint64 `json:"events_delivered"`
	EventsDropped   uint64 `json:"events_dropped"`
}

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	fabric.ServerInfo
	StartedAt time.Time `json:"started_at"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()
	resp := HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Accepting:       stats.Accepting,
		Connections:     stats.Connections,
		PendingCommands: stats.Pending,
		Nodes:           s.fabric.NodeCount(),
		EventsDelivered: stats.EventsDelivered,
		EventsDropped:   stats.EventsDropped,
	}
	status := http.StatusOK
	if !stats.Accepting {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, InfoResponse{
		ServerInfo: s.fabric.ServerInfo(),
		StartedAt:  s.startedAt.UTC(),
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
