package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// Coupon is a store-scoped discount code. Codes are unique per store,
// not globally.
type Coupon struct {
	ID               uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	StoreID          uuid.UUID        `gorm:"column:store_id;type:uuid;not null;uniqueIndex:idx_coupons_store_code"`
	Code             string           `gorm:"column:code;type:text;not null;uniqueIndex:idx_coupons_store_code"`
	Kind             enums.CouponKind `gorm:"column:kind;type:text;not null"`
	Value            int              `gorm:"column:value;not null"`
	MaxDiscountCents *int             `gorm:"column:max_discount_cents"`
	MinSubtotalCents int              `gorm:"column:min_subtotal_cents;not null;default:0"`
	MaxUses          *int             `gorm:"column:max_uses"`
	UsedCount        int              `gorm:"column:used_count;not null;default:0"`
	Active           bool             `gorm:"column:active;not null;default:true"`
	ValidFrom        *time.Time       `gorm:"column:valid_from"`
	ExpiresAt        *time.Time       `gorm:"column:expires_at"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
