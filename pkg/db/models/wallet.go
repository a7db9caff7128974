package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet holds a store's earnings in integer cents. Available funds can be
// withdrawn; retained funds back pending withdrawals. One row per store;
// all balance moves go through conditional updates so neither side can go
// negative.
type Wallet struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	StoreID        uuid.UUID `gorm:"column:store_id;type:uuid;not null;uniqueIndex"`
	AvailableCents int64     `gorm:"column:available_cents;not null;default:0"`
	RetainedCents  int64     `gorm:"column:retained_cents;not null;default:0"`
	TotalInCents   int64     `gorm:"column:total_in_cents;not null;default:0"`
	TotalOutCents  int64     `gorm:"column:total_out_cents;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
