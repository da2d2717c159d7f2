package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"notesync/internal/models"
	"notesync/internal/protocol"
)

// canvasObjectsKey is the View.data key holding strokes and shapes
const canvasObjectsKey = "canvas_objects"

// viewObject is a widget placed on a whiteboard (note card, file, embed)
type viewObject struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`

	editor string
}

// whiteboardState keeps the authoritative canvas. Last applied intent per id
// wins; every intent is relayed to the other sessions as the same raw frame.
type whiteboardState struct {
	room  *Room
	views ViewStore

	canvas  map[string]json.RawMessage
	objects map[string]*viewObject

	// changes the store has not seen yet
	upserts map[string]*viewObject
	removed map[string]struct{}
}

func newWhiteboardState(room *Room, views ViewStore) *whiteboardState {
	return &whiteboardState{
		room:    room,
		views:   views,
		canvas:  make(map[string]json.RawMessage),
		objects: make(map[string]*viewObject),
		upserts: make(map[string]*viewObject),
		removed: make(map[string]struct{}),
	}
}

func (st *whiteboardState) load(ctx context.Context) error {
	id := st.room.key.ID

	view, err := st.views.FindView(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load view: %w", err)
	}

	if len(view.Data) > 0 {
		var data map[string]json.RawMessage
		if err := json.Unmarshal(view.Data, &data); err != nil {
			return fmt.Errorf("view %s has malformed data: %w", id, err)
		}
		if raw, ok := data[canvasObjectsKey]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, &st.canvas); err != nil {
				return fmt.Errorf("view %s has malformed canvas objects: %w", id, err)
			}
			if st.canvas == nil {
				st.canvas = make(map[string]json.RawMessage)
			}
		}
	}

	objects, err := st.views.FindViewObjectsByViewID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load view objects: %w", err)
	}
	for _, o := range objects {
		st.objects[o.ID] = &viewObject{ID: o.ID, Type: o.Type, Name: o.Name, Data: o.Data, editor: o.UpdatedBy}
	}

	return nil
}

func (st *whiteboardState) join(s *Session) {
	canvas, err := json.Marshal(st.canvas)
	if err != nil {
		log.Printf("Whiteboard %s: failed to encode canvas: %v", st.room.key.ID, err)
		return
	}
	objects, err := json.Marshal(st.objects)
	if err != nil {
		log.Printf("Whiteboard %s: failed to encode view objects: %v", st.room.key.ID, err)
		return
	}

	st.room.send(s, &protocol.Message{
		Type:          protocol.TypeInit,
		CanvasObjects: canvas,
		ViewObjects:   objects,
	})
}

func (st *whiteboardState) leave(s *Session) {}

func (st *whiteboardState) expire(now time.Time) {}

func (st *whiteboardState) handle(ctx context.Context, s *Session, msg *protocol.Message, raw []byte) {
	r := st.room

	switch msg.Type {
	case protocol.TypeAddCanvasObject, protocol.TypeUpdateCanvasObject:
		id, err := objectID(msg.Object)
		if err != nil {
			r.reject(s, "malformed", msg, err.Error())
			return
		}
		st.canvas[id] = msg.Object

	case protocol.TypeDeleteCanvasObject:
		if msg.ID == "" {
			r.reject(s, "malformed", msg, "missing id")
			return
		}
		delete(st.canvas, msg.ID)

	case protocol.TypeAddViewObject, protocol.TypeUpdateViewObject:
		var object viewObject
		if err := json.Unmarshal(msg.Object, &object); err != nil || object.ID == "" {
			r.reject(s, "malformed", msg, "object needs an id")
			return
		}
		object.editor = s.UserID
		st.objects[object.ID] = &object
		st.upserts[object.ID] = &object
		delete(st.removed, object.ID)

	case protocol.TypeDeleteViewObject:
		if msg.ID == "" {
			r.reject(s, "malformed", msg, "missing id")
			return
		}
		st.removeObject(msg.ID)

	case protocol.TypeClearAll:
		for id := range st.objects {
			st.removeObject(id)
		}
		st.canvas = make(map[string]json.RawMessage)

	case protocol.TypeInit:
		r.reject(s, "unexpected_type", msg, "server-to-client message")
		return

	default:
		r.reject(s, "unknown_type", msg, "not a whiteboard message")
		return
	}

	r.broadcastRaw(raw, s)
	r.markDirty()
	r.applied(msg.Type)
}

func (st *whiteboardState) removeObject(id string) {
	delete(st.objects, id)
	delete(st.upserts, id)
	st.removed[id] = struct{}{}
}

func (st *whiteboardState) snapshot() *flushJob {
	id := st.room.key.ID

	canvas, err := json.Marshal(st.canvas)
	if err != nil {
		log.Printf("Whiteboard %s: failed to encode canvas: %v", id, err)
		return nil
	}

	captured := make(map[string]*viewObject, len(st.upserts))
	upserts := make([]*models.ViewObject, 0, len(st.upserts))
	for objectID, o := range st.upserts {
		captured[objectID] = o
		upserts = append(upserts, &models.ViewObject{
			ID:        o.ID,
			ViewID:    id,
			Name:      o.Name,
			Type:      o.Type,
			Data:      o.Data,
			CreatedBy: o.editor,
			UpdatedBy: o.editor,
		})
	}
	deletes := make([]string, 0, len(st.removed))
	for objectID := range st.removed {
		deletes = append(deletes, objectID)
	}

	return &flushJob{
		write: func(ctx context.Context) error {
			if err := st.views.UpdateViewData(ctx, id, canvasObjectsKey, canvas); err != nil {
				return err
			}
			return st.views.SyncViewObjects(ctx, id, upserts, deletes)
		},
		done: func() {
			for objectID, o := range captured {
				// only clear entries not replaced since the snapshot
				if st.upserts[objectID] == o {
					delete(st.upserts, objectID)
				}
			}
			for _, objectID := range deletes {
				if _, live := st.objects[objectID]; !live {
					delete(st.removed, objectID)
				}
			}
		},
	}
}

// objectID extracts the "id" field of a canvas object
func objectID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing object")
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("object is not a JSON object: %w", err)
	}
	if head.ID == "" {
		return "", fmt.Errorf("object needs an id")
	}
	return head.ID, nil
}
