package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderItem captures one product line with the unit price frozen at
// order time.
type OrderItem struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID      uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	ProductName    string    `gorm:"column:product_name;type:text;not null"`
	UnitPriceCents int       `gorm:"column:unit_price_cents;not null"`
	Quantity       int       `gorm:"column:quantity;not null"`
	LineTotalCents int       `gorm:"column:line_total_cents;not null"`
	// DeliveredKeys is filled in at delivery with the claimed key values.
	DeliveredKeys []string  `gorm:"column:delivered_keys;type:jsonb;serializer:json"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}
