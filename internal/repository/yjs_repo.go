package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notesync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: SNAPSHOT UPSERT

One row per note, keyed by the natural key `name` (= note ID). Saving is an
upsert so the persistence scheduler never has to know whether it is the first
flush of a note:

  INSERT ... ON CONFLICT(name) DO UPDATE SET data = excluded.data, ...

Works the same on SQLite and Postgres.
*/

// YjsRepositoryImpl handles CRDT snapshot storage
type YjsRepositoryImpl struct {
	db *gorm.DB
}

// NewYjsRepository creates a new snapshot repository
func NewYjsRepository(db *gorm.DB) *YjsRepositoryImpl {
	return &YjsRepositoryImpl{db: db}
}

// GetYjsDocument returns nil, nil when no snapshot exists for the note yet
func (r *YjsRepositoryImpl) GetYjsDocument(ctx context.Context, name string) (*models.YjsDocument, error) {
	var doc models.YjsDocument

	err := r.db.WithContext(ctx).First(&doc, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // Not seeded yet
		}
		return nil, fmt.Errorf("failed to get yjs document: %w", err)
	}

	return &doc, nil
}

// SaveYjsDocument upserts the snapshot for a note
func (r *YjsRepositoryImpl) SaveYjsDocument(ctx context.Context, name string, data []byte) error {
	doc := &models.YjsDocument{
		Name:      name,
		Data:      data,
		UpdatedAt: time.Now(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(doc).Error
	if err != nil {
		return fmt.Errorf("failed to save yjs document: %w", err)
	}

	return nil
}
