package models

import (
	"time"
)

/*
LEARNING: CRDT SNAPSHOTS

Instead of storing every incremental update, the sync engine keeps exactly one
row per note: the full serialized CRDT state. The presence of this row is what
decides how a note room boots:

  row exists    → load it, every joiner gets the snapshot
  row missing   → one joiner seeds the CRDT from notes.content and uploads it

Updates between flushes live only in the room's memory; the persistence
scheduler replaces the row with a fresh snapshot.
*/

// YjsDocument stores the binary CRDT state of a note, keyed by note ID.
// The table keeps its historical name so existing databases keep working.
type YjsDocument struct {
	Name      string    `json:"name" gorm:"type:varchar(64);primaryKey"`
	Data      []byte    `json:"-" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName override
func (YjsDocument) TableName() string {
	return "yjs_documents"
}
