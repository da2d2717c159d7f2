package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notesync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ViewRepositoryImpl handles views and the objects placed on them
type ViewRepositoryImpl struct {
	db *gorm.DB
}

func NewViewRepository(db *gorm.DB) *ViewRepositoryImpl {
	return &ViewRepositoryImpl{db: db}
}

// Create inserts a view (used by the REST layer and tests)
func (r *ViewRepositoryImpl) Create(ctx context.Context, view *models.View) error {
	if err := r.db.WithContext(ctx).Create(view).Error; err != nil {
		return fmt.Errorf("failed to create view: %w", err)
	}
	return nil
}

// FindView returns ErrNotFound when the view does not exist
func (r *ViewRepositoryImpl) FindView(ctx context.Context, id string) (*models.View, error) {
	var view models.View

	err := r.db.WithContext(ctx).First(&view, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("view %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get view: %w", err)
	}

	return &view, nil
}

// UpdateViewData replaces one top-level key of the view's JSON data blob and
// leaves every other key untouched. Read-modify-write runs in a transaction.
func (r *ViewRepositoryImpl) UpdateViewData(ctx context.Context, id, key string, value json.RawMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var view models.View
		if err := tx.First(&view, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("view %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("failed to load view: %w", err)
		}

		data := map[string]json.RawMessage{}
		if len(view.Data) > 0 {
			if err := json.Unmarshal(view.Data, &data); err != nil {
				return fmt.Errorf("view %s has malformed data: %w", id, err)
			}
		}
		data[key] = value

		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode view data: %w", err)
		}

		if err := tx.Model(&models.View{}).Where("id = ?", id).Updates(map[string]interface{}{
			"data":       encoded,
			"updated_at": time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("failed to update view data: %w", err)
		}
		return nil
	})
}

// View objects

func (r *ViewRepositoryImpl) FindViewObjectsByViewID(ctx context.Context, viewID string) ([]*models.ViewObject, error) {
	var objects []*models.ViewObject

	err := r.db.WithContext(ctx).
		Where("view_id = ?", viewID).
		Order("created_at ASC").
		Find(&objects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list view objects: %w", err)
	}

	return objects, nil
}

func (r *ViewRepositoryImpl) FindViewObject(ctx context.Context, id string) (*models.ViewObject, error) {
	var object models.ViewObject

	err := r.db.WithContext(ctx).First(&object, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("view object %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get view object: %w", err)
	}

	return &object, nil
}

func (r *ViewRepositoryImpl) CreateViewObject(ctx context.Context, object *models.ViewObject) error {
	if err := r.db.WithContext(ctx).Create(object).Error; err != nil {
		return fmt.Errorf("failed to create view object: %w", err)
	}
	return nil
}

func (r *ViewRepositoryImpl) UpdateViewObject(ctx context.Context, object *models.ViewObject) error {
	result := r.db.WithContext(ctx).
		Model(&models.ViewObject{}).
		Where("id = ?", object.ID).
		Updates(map[string]interface{}{
			"name":       object.Name,
			"type":       object.Type,
			"data":       object.Data,
			"updated_by": object.UpdatedBy,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update view object: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("view object %s: %w", object.ID, ErrNotFound)
	}
	return nil
}

// DeleteViewObject is idempotent: deleting a missing object is not an error
func (r *ViewRepositoryImpl) DeleteViewObject(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.ViewObject{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete view object: %w", err)
	}
	return nil
}

// SyncViewObjects upserts and deletes a batch of view objects atomically.
// Used by whiteboard flushes so a crash never leaves half a batch applied.
func (r *ViewRepositoryImpl) SyncViewObjects(ctx context.Context, viewID string, upserts []*models.ViewObject, deletes []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, object := range upserts {
			object.ViewID = viewID
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"view_id", "name", "type", "data", "updated_by", "updated_at"}),
			}).Create(object).Error
			if err != nil {
				return fmt.Errorf("failed to upsert view object %s: %w", object.ID, err)
			}
		}

		if len(deletes) > 0 {
			if err := tx.Where("view_id = ? AND id IN ?", viewID, deletes).Delete(&models.ViewObject{}).Error; err != nil {
				return fmt.Errorf("failed to delete view objects: %w", err)
			}
		}
		return nil
	})
}
