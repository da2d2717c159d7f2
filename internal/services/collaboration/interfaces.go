package collaboration

import (
	"context"
	"encoding/json"
	"time"

	"notesync/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The collaboration package only declares the store methods it calls. The gorm
repositories satisfy them without knowing this package exists, and tests swap
in fakes that fail on demand.
*/

// NoteStore reads note metadata on room start and writes materialized text on flush
type NoteStore interface {
	FindNote(ctx context.Context, id string) (*models.Note, error)
	UpdateNote(ctx context.Context, id string, update models.NoteUpdate) error
}

// SnapshotStore holds one CRDT snapshot per note
type SnapshotStore interface {
	GetYjsDocument(ctx context.Context, name string) (*models.YjsDocument, error)
	SaveYjsDocument(ctx context.Context, name string, data []byte) error
}

// ViewStore backs whiteboard and spreadsheet rooms
type ViewStore interface {
	FindView(ctx context.Context, id string) (*models.View, error)
	UpdateViewData(ctx context.Context, id, key string, value json.RawMessage) error
	FindViewObjectsByViewID(ctx context.Context, viewID string) ([]*models.ViewObject, error)
	SyncViewObjects(ctx context.Context, viewID string, upserts []*models.ViewObject, deletes []string) error
}

// LeaseStore grants time-bounded exclusive leases (in memory or Redis)
type LeaseStore interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// Stores groups the document store dependencies of every room kind
type Stores struct {
	Notes     NoteStore
	Snapshots SnapshotStore
	Views     ViewStore
}
