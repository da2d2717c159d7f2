package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"notesync/internal/models"
)

/*
LEARNING: ONE ENVELOPE, MANY MESSAGES

Every frame on the wire is a JSON text frame with a "type" field. Instead of
one Go struct per message type we decode into a single Message envelope whose
optional fields are pointers or omitempty. The room that receives it switches
on Type and only reads the fields that type defines.

Optional booleans are *bool so `"lock_acquired": false` survives encoding
(a plain bool with omitempty would drop it).
*/

// Message types shared by every room kind
const (
	TypeInit  = "init"
	TypeError = "error"
)

// Note room message types
const (
	TypeSnapshot      = "snapshot"
	TypeSnapshotReady = "snapshot_ready"
	TypeYjsUpdate     = "yjs_update"
	TypeUpdateTitle   = "update_title"
	TypeUpdateContent = "update_content"
	TypeUserJoin      = "user_join"
	TypeUserLeave     = "user_leave"
	TypeActiveUsers   = "active_users"
)

// Whiteboard room message types
const (
	TypeAddCanvasObject    = "add_canvas_object"
	TypeUpdateCanvasObject = "update_canvas_object"
	TypeDeleteCanvasObject = "delete_canvas_object"
	TypeAddViewObject      = "add_view_object"
	TypeUpdateViewObject   = "update_view_object"
	TypeDeleteViewObject   = "delete_view_object"
	TypeClearAll           = "clear_all"
)

// Spreadsheet room message types
const (
	TypeAcquireLock    = "acquire_lock"
	TypeLockAcquired   = "lock_acquired"
	TypeInitializeData = "initialize_data"
	TypeOp             = "op"
	TypeSync           = "sync"
)

// ErrMalformed is returned by Decode for frames that are not a valid envelope
var ErrMalformed = errors.New("malformed message")

// Message is the envelope for every frame in both directions
type Message struct {
	Type string `json:"type"`

	// Note rooms
	Snapshot       Bytes         `json:"snapshot,omitempty"`
	YjsUpdate      Bytes         `json:"yjs_update,omitempty"`
	Title          *string       `json:"title,omitempty"`
	Content        *string       `json:"content,omitempty"`
	HasSnapshot    *bool         `json:"hasSnapshot,omitempty"`
	NeedInitialize *bool         `json:"need_initialize,omitempty"`
	User           *models.User  `json:"user,omitempty"`
	Users          []models.User `json:"users,omitempty"`

	// Whiteboard rooms
	ID            string          `json:"id,omitempty"`
	Object        json.RawMessage `json:"object,omitempty"`
	CanvasObjects json.RawMessage `json:"canvas_objects,omitempty"`
	ViewObjects   json.RawMessage `json:"view_objects,omitempty"`

	// Spreadsheet rooms
	LockAcquired *bool           `json:"lock_acquired,omitempty"`
	Initialized  *bool           `json:"initialized,omitempty"`
	Sheets       json.RawMessage `json:"sheets,omitempty"`
	Ops          json.RawMessage `json:"ops,omitempty"`

	Error string `json:"error,omitempty"`
}

// Sheet is one tab of a spreadsheet view. CellData is opaque to the server.
type Sheet struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	RowCount    int             `json:"rowCount"`
	ColumnCount int             `json:"columnCount"`
	CellData    json.RawMessage `json:"cellData,omitempty"`
}

// Decode parses one inbound frame
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// Encode serializes an outbound message
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeSheets validates a sheets payload and returns it parsed
func DecodeSheets(raw json.RawMessage) ([]Sheet, error) {
	if !Present(raw) {
		return nil, fmt.Errorf("%w: missing sheets", ErrMalformed)
	}
	var sheets []Sheet
	if err := json.Unmarshal(raw, &sheets); err != nil {
		return nil, fmt.Errorf("%w: sheets: %v", ErrMalformed, err)
	}
	for i, sheet := range sheets {
		if sheet.ID == "" {
			return nil, fmt.Errorf("%w: sheet %d has no id", ErrMalformed, i)
		}
	}
	return sheets, nil
}

// Present reports whether an optional JSON field carries a value
func Present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// IsMutation reports whether a message type changes room state. Read-only
// sessions may only send the remaining types.
func IsMutation(msgType string) bool {
	switch msgType {
	case TypeSnapshot, TypeYjsUpdate, TypeUpdateTitle, TypeUpdateContent,
		TypeAddCanvasObject, TypeUpdateCanvasObject, TypeDeleteCanvasObject,
		TypeAddViewObject, TypeUpdateViewObject, TypeDeleteViewObject, TypeClearAll,
		TypeAcquireLock, TypeInitializeData, TypeOp:
		return true
	default:
		return false
	}
}

// String and Bool build the optional fields of outbound messages

func String(s string) *string { return &s }

func Bool(b bool) *bool { return &b }

// NewError builds an error frame
func NewError(format string, args ...interface{}) *Message {
	return &Message{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}
