package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
	"github.com/keylojahq/keyloja-backend/pkg/types"
)

// Order is a customer purchase inside one store. Money fields are
// integer cents and always satisfy total = subtotal - discount.
type Order struct {
	ID            uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	StoreID       uuid.UUID                `gorm:"column:store_id;type:uuid;not null;index"`
	CustomerID    uuid.UUID                `gorm:"column:customer_id;type:uuid;not null"`
	CouponID      *uuid.UUID               `gorm:"column:coupon_id;type:uuid"`
	Status        enums.OrderStatus        `gorm:"column:status;type:text;not null;default:'pending'"`
	PaymentStatus enums.OrderPaymentStatus `gorm:"column:payment_status;type:text;not null;default:'pending'"`
	SubtotalCents int                      `gorm:"column:subtotal_cents;not null"`
	DiscountCents int                      `gorm:"column:discount_cents;not null;default:0"`
	TotalCents    int                      `gorm:"column:total_cents;not null"`
	Provider      enums.PaymentProvider    `gorm:"column:provider;type:text;not null"`
	Metadata      *types.JSONMap           `gorm:"column:metadata;type:jsonb"`
	PaidAt        *time.Time               `gorm:"column:paid_at"`
	DeliveredAt   *time.Time               `gorm:"column:delivered_at"`
	CancelledAt   *time.Time               `gorm:"column:cancelled_at"`
	Items         []OrderItem              `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Payment       *Payment                 `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
