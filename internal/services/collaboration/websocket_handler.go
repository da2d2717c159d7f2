package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"

	"notesync/internal/middleware"
	"notesync/internal/models"
	"notesync/internal/repository"
	"notesync/internal/telemetry"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Authentication happens upstream of this service
		return true
	},
}

// ViewLookup resolves a view's type before a connection is upgraded
type ViewLookup interface {
	FindView(ctx context.Context, id string) (*models.View, error)
}

// WebSocketHandler is the gateway: it upgrades connections, binds each to a
// room and runs its pumps
type WebSocketHandler struct {
	registry *Registry
	views    ViewLookup
	config   SessionConfig
}

func NewWebSocketHandler(registry *Registry, views ViewLookup, config SessionConfig) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		views:    views,
		config:   config,
	}
}

// HandleNoteConnection serves /ws/notes/{noteId}
func (h *WebSocketHandler) HandleNoteConnection(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["noteId"]
	h.serve(w, r, RoomKey{Kind: KindNote, ID: noteID}, false)
}

// HandleViewConnection serves /ws/views/{viewId}; the room kind follows the view type
func (h *WebSocketHandler) HandleViewConnection(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, false)
}

// HandlePublicViewConnection serves the read-only /ws/public/views/{viewId}
func (h *WebSocketHandler) HandlePublicViewConnection(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, true)
}

func (h *WebSocketHandler) serveView(w http.ResponseWriter, r *http.Request, readOnly bool) {
	viewID := mux.Vars(r)["viewId"]

	view, err := h.views.FindView(r.Context(), viewID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "view not found", http.StatusNotFound)
		return
	}
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, "failed to load view", http.StatusInternalServerError)
		return
	}

	var kind RoomKind
	switch view.Type {
	case models.ViewTypeWhiteboard:
		kind = KindWhiteboard
	case models.ViewTypeSpreadsheet:
		kind = KindSpreadsheet
	default:
		http.Error(w, "view type has no live collaboration", http.StatusBadRequest)
		return
	}

	h.serve(w, r, RoomKey{Kind: kind, ID: viewID}, readOnly)
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request, key RoomKey, readOnly bool) {
	if key.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	// Extract user info from query params (identity is asserted upstream)
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	// the session outlives this handler; keep the trace, drop the cancellation
	ctx := context.WithoutCancel(r.Context())
	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room.key", key.String()),
		attribute.String("user.id", userID),
		attribute.Bool("session.read_only", readOnly),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(models.NewSessionInfo(userID, userName, readOnly), conn, h.config)
	go session.WritePump()

	room, err := h.registry.Acquire(ctx, key)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		session.closeWithError("cannot open %s: %v", key, err)
		return
	}

	if err := room.Join(ctx, session); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Session %s could not join %s: %v", session.ID, key, err)
		session.closeWithError("cannot open %s: %v", key, err)
		h.registry.Release(room, nil)
		return
	}

	telemetry.ActiveSessions.Inc()
	go session.ReadPump(ctx, room, func() {
		telemetry.ActiveSessions.Dec()
		h.registry.Release(room, session)
	})

	log.Printf("✓ WebSocket connection established for %s (user: %s, session: %s, read-only: %t)",
		key, userName, session.ID, readOnly)
}
