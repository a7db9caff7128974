package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// Notification is an in-app message shown to a store owner, produced by
// the domain event consumer.
type Notification struct {
	ID        uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	StoreID   uuid.UUID              `gorm:"column:store_id;type:uuid;not null;index"`
	Type      enums.NotificationType `gorm:"column:type;type:text;not null"`
	Title     string                 `gorm:"column:title;type:text;not null"`
	Message   string                 `gorm:"column:message;type:text;not null"`
	Link      *string                `gorm:"column:link;type:text"`
	ReadAt    *time.Time             `gorm:"column:read_at"`
	CreatedAt time.Time              `gorm:"column:created_at;autoCreateTime"`
}
