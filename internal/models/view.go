package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type ViewType string

const (
	ViewTypeWhiteboard  ViewType = "whiteboard"
	ViewTypeSpreadsheet ViewType = "spreadsheet"
	ViewTypeCalendar    ViewType = "calendar"
	ViewTypeMap         ViewType = "map"
	ViewTypeKanban      ViewType = "kanban"
)

// View is a workspace view. Data is an opaque JSON blob owned by the view's
// widget; the sync engine only rewrites the keys it is responsible for
// ("canvas_objects" for whiteboards, "sheets" for spreadsheets).
type View struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Type      ViewType  `json:"type" gorm:"type:varchar(32);not null;default:'whiteboard'"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (v *View) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = ksuid.New().String()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	return nil
}

func (View) TableName() string {
	return "views"
}

// ViewObject is a named object placed on a view (for whiteboards: embedded
// notes, files, widgets).
type ViewObject struct {
	ID        string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	ViewID    string          `json:"view_id" gorm:"type:varchar(64);not null;index"`
	Name      string          `json:"name" gorm:"type:text;not null;default:''"`
	Type      string          `json:"type" gorm:"type:varchar(64);not null"`
	Data      json.RawMessage `json:"data" gorm:"type:text"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	CreatedBy string          `json:"created_by" gorm:"column:created_by;type:varchar(64)"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	UpdatedBy string          `json:"updated_by" gorm:"column:updated_by;type:varchar(64)"`
}

func (o *ViewObject) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

func (ViewObject) TableName() string {
	return "view_objects"
}
