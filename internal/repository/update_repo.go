package repository

import (
	"context"
	"fmt"

	"projectlab/internal/models"

	"gorm.io/gorm"
)

// UpdateRepositoryImpl handles document update storage.
//
// Storing every update lets the server rebuild document state after a
// restart: replay all updates for a doc into a fresh instance and the
// merge is idempotent, so duplicates and reordering are harmless.
type UpdateRepositoryImpl struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new document update repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepositoryImpl {
	return &UpdateRepositoryImpl{db: db}
}

// Store persists one encoded document update
func (r *UpdateRepositoryImpl) Store(ctx context.Context, docName string, update []byte, clientID uint64) error {
	rec := &models.DocUpdate{
		DocName:  docName,
		Update:   update,
		ClientID: clientID,
	}

	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store doc update: %w", err)
	}

	return nil
}

// GetAllUpdates retrieves all updates for a document in insertion order
func (r *UpdateRepositoryImpl) GetAllUpdates(ctx context.Context, docName string) ([]*models.DocUpdate, error) {
	var updates []*models.DocUpdate

	err := r.db.WithContext(ctx).
		Where("doc_name = ?", docName).
		Order("id ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get doc updates: %w", err)
	}

	return updates, nil
}

// Compact replaces a document's update history with a single merged
// update. Delete and insert run in one transaction so a crash cannot
// drop the history without the replacement landing.
func (r *UpdateRepositoryImpl) Compact(ctx context.Context, docName string, merged []byte) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_name = ?", docName).Delete(&models.DocUpdate{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.DocUpdate{DocName: docName, Update: merged}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to compact doc updates: %w", err)
	}
	return nil
}
