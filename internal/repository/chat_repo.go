package repository

import (
	"context"
	"fmt"

	"projectlab/internal/models"

	"gorm.io/gorm"
)

// ChatRepositoryImpl handles chat message storage
type ChatRepositoryImpl struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat message repository
func NewChatRepository(db *gorm.DB) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

// Store persists a chat message
func (r *ChatRepositoryImpl) Store(ctx context.Context, msg *models.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to store chat message: %w", err)
	}
	return nil
}

// ListByRoom retrieves the most recent messages for a room, oldest first.
// KSUIDs are time-ordered so sorting by id matches insertion order even when
// CreatedAt timestamps collide.
func (r *ChatRepositoryImpl) ListByRoom(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage

	q := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	// Reverse into chronological order for the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// CountByRoom returns the number of stored messages for a room
func (r *ChatRepositoryImpl) CountByRoom(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("room_id = ?", roomID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count chat messages: %w", err)
	}
	return count, nil
}
