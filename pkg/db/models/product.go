package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a digital good sold by a store. Stock is the count of
// unclaimed keys, maintained alongside the product_keys rows.
type Product struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	StoreID     uuid.UUID `gorm:"column:store_id;type:uuid;not null;index"`
	Name        string    `gorm:"column:name;type:text;not null"`
	Description *string   `gorm:"column:description;type:text"`
	PriceCents  int       `gorm:"column:price_cents;not null"`
	// PromoPriceCents, when set, wins over PriceCents at quote time.
	PromoPriceCents *int         `gorm:"column:promo_price_cents"`
	Active          bool         `gorm:"column:active;not null;default:true"`
	StockCount      int          `gorm:"column:stock_count;not null;default:0"`
	SalesCount      int64        `gorm:"column:sales_count;not null;default:0"`
	Keys            []ProductKey `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}
