package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notesync/internal/models"

	"gorm.io/gorm"
)

// NoteRepositoryImpl reads and writes notes
// Returns concrete type - "Accept interfaces, return structs"
type NoteRepositoryImpl struct {
	db *gorm.DB
}

func NewNoteRepository(db *gorm.DB) *NoteRepositoryImpl {
	return &NoteRepositoryImpl{db: db}
}

// Create inserts a note (used by the REST layer and tests)
func (r *NoteRepositoryImpl) Create(ctx context.Context, note *models.Note) error {
	if err := r.db.WithContext(ctx).Create(note).Error; err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

// FindNote returns ErrNotFound when the note does not exist
func (r *NoteRepositoryImpl) FindNote(ctx context.Context, id string) (*models.Note, error) {
	var note models.Note

	err := r.db.WithContext(ctx).First(&note, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}

	return &note, nil
}

// UpdateNote writes the materialized title/content of a note
func (r *NoteRepositoryImpl) UpdateNote(ctx context.Context, id string, update models.NoteUpdate) error {
	result := r.db.WithContext(ctx).
		Model(&models.Note{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"title":      update.Title,
			"content":    update.Content,
			"updated_by": update.UpdatedBy,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update note: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}

	return nil
}
