package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ChatMessage is the durable record of a chat broadcast. Persistence happens
// in the application layer before the relay fans the payload out; the relay
// itself never touches this table.
// KSUIDs keep records time-ordered without a separate created_at index.
type ChatMessage struct {
	ID        string          `json:"id" gorm:"type:char(27);primaryKey"`
	RoomID    string          `json:"room_id" gorm:"type:varchar(255);not null;index:idx_room_time"`
	AuthorID  string          `json:"author_id" gorm:"type:varchar(255);not null"`
	Payload   json.RawMessage `json:"payload" gorm:"type:jsonb;not null"`
	CreatedAt time.Time       `json:"created_at" gorm:"index:idx_room_time;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatMessageCreate is the REST request body for posting a message.
type ChatMessageCreate struct {
	AuthorID string          `json:"author_id"`
	Payload  json.RawMessage `json:"payload"`
}
