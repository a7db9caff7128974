package models

import (
	"time"

	"github.com/google/uuid"
)

// ProductKey is one deliverable unit of inventory. A key is claimed by
// at most one order item: order_item_id is written once, guarded by the
// claim update's order_item_id IS NULL condition. An item of quantity N
// binds N key rows, so the column itself is not unique.
type ProductKey struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ProductID   uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	KeyValue    string     `gorm:"column:key_value;type:text;not null"`
	OrderItemID *uuid.UUID `gorm:"column:order_item_id;type:uuid;index"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
}
