package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"notesync/internal/middleware"
	"notesync/internal/services/collaboration"
)

const healthCheckTimeout = 2 * time.Second

// Handler handles the HTTP endpoints around the WebSocket gateway
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	rooms     RoomStats                       // Interface defined in this package!
	flushes   FlushQueue                      // Interface defined in this package!
	wsHandler *collaboration.WebSocketHandler // WebSocket for real-time collab
	checks    map[string]HealthCheck
}

func NewHandler(
	rooms RoomStats,
	flushes FlushQueue,
	wsHandler *collaboration.WebSocketHandler,
	checks map[string]HealthCheck,
) *Handler {
	return &Handler{
		rooms:     rooms,
		flushes:   flushes,
		wsHandler: wsHandler,
		checks:    checks,
	}
}

// Health pings every dependency. Any failure turns the response into a 503 so
// load balancers stop routing new sessions here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			log.Printf("⚠️  Health check %s failed: %v", name, err)
			middleware.AddSpanError(ctx, err)
			results[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

// Stats reports resident rooms, connected sessions and the flush backlog
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.rooms.Stats()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms":           stats.Rooms,
		"sessions":        stats.Sessions,
		"pending_flushes": h.flushes.Pending(),
		"details":         stats.Details,
	})
}

// WebSocket endpoints

func (h *Handler) HandleNoteWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleNoteConnection(w, r)
}

func (h *Handler) HandleViewWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleViewConnection(w, r)
}

func (h *Handler) HandlePublicViewWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandlePublicViewConnection(w, r)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
