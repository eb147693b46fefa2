package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocUpdate stores one binary document update blob. The live session manager
// keeps all document state in memory; this table exists for application-level
// snapshotting and offline reconciliation, not for the broadcast hot path.
type DocUpdate struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocName   string    `json:"doc_name" gorm:"type:varchar(255);not null;index:idx_doc_time"`
	Update    []byte    `json:"-" gorm:"type:bytea;not null"`
	ClientID  uint64    `json:"client_id" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_doc_time;autoCreateTime"`
}

// BeforeCreate generates KSUID
func (u *DocUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocUpdate) TableName() string {
	return "doc_updates"
}
