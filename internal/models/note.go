package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Note is a rich-text note. Notes are created by the REST layer; while a note
// room is live, only the persistence scheduler writes Title/Content.
type Note struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Title     string    `json:"title" gorm:"type:text;not null;default:''"`
	Content   string    `json:"content" gorm:"type:text;not null;default:''"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
	UpdatedBy string    `json:"updated_by" gorm:"column:updated_by;type:varchar(64)"`
}

// BeforeCreate generates a KSUID when the caller did not supply an ID
func (n *Note) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = ksuid.New().String()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	return nil
}

func (Note) TableName() string {
	return "notes"
}

// NoteUpdate carries the fields a note flush writes back.
type NoteUpdate struct {
	Title     string
	Content   string
	UpdatedBy string
}
