package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer is a buyer record keyed by email within a store.
type Customer struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	StoreID  uuid.UUID `gorm:"column:store_id;type:uuid;not null;uniqueIndex:idx_customers_store_email"`
	Email    string    `gorm:"column:email;type:text;not null;uniqueIndex:idx_customers_store_email"`
	Name     *string   `gorm:"column:name;type:text"`
	Document *string   `gorm:"column:document;type:text"`
	// Lifetime totals are bumped when an order is delivered.
	LifetimeSpendCents int64     `gorm:"column:lifetime_spend_cents;not null;default:0"`
	LifetimeOrders     int64     `gorm:"column:lifetime_orders;not null;default:0"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
