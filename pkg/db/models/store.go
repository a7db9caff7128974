package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
	"github.com/keylojahq/keyloja-backend/pkg/types"
)

// Store is a seller tenant. Every catalog row and order hangs off one.
type Store struct {
	ID                 uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Name               string                `gorm:"column:name;type:text;not null"`
	Slug               string                `gorm:"column:slug;type:text;not null;unique"`
	OwnerEmail         string                `gorm:"column:owner_email;type:text;not null"`
	DefaultProvider    enums.PaymentProvider `gorm:"column:default_provider;type:text;not null;default:'mercadopago'"`
	MercadoPagoEnabled bool                  `gorm:"column:mercadopago_enabled;not null;default:false"`
	PushinPayEnabled   bool                  `gorm:"column:pushinpay_enabled;not null;default:false"`
	PixAccountID       *string               `gorm:"column:pix_account_id;type:text"`
	KYCVerified        bool                  `gorm:"column:kyc_verified;not null;default:false"`
	SplitPlan          *types.SplitPlan      `gorm:"column:split_plan;type:jsonb;serializer:json"`
	LifetimeSalesCents int64                 `gorm:"column:lifetime_sales_cents;not null;default:0"`
	LifetimeOrders     int64                 `gorm:"column:lifetime_orders;not null;default:0"`
	CreatedAt          time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
