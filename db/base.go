package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseUUIDModel is shared by documents addressed by opaque UUID. Scans and
// issues are hard-deleted with their own reference accounting, so there is no
// soft-delete column here.
type BaseUUIDModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (base *BaseUUIDModel) BeforeCreate(tx *gorm.DB) error {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	return nil
}
