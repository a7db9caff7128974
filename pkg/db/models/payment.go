package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// Payment records the PIX charge created for an order. The unique index
// on provider + external_id is what makes webhook replays idempotent at
// the database level.
type Payment struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID             `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	StoreID       uuid.UUID             `gorm:"column:store_id;type:uuid;not null;index"`
	Provider      enums.PaymentProvider `gorm:"column:provider;type:text;not null;uniqueIndex:idx_payments_provider_external"`
	ExternalID    string                `gorm:"column:external_id;type:text;not null;uniqueIndex:idx_payments_provider_external"`
	Status        enums.PaymentStatus   `gorm:"column:status;type:text;not null;default:'pending'"`
	RawStatus     string                `gorm:"column:raw_status;type:text;not null;default:''"`
	AmountCents   int                   `gorm:"column:amount_cents;not null"`
	QRCode        *string               `gorm:"column:qr_code;type:text"`
	QRCodeBase64  *string               `gorm:"column:qr_code_base64;type:text"`
	CopyPasteCode *string               `gorm:"column:copy_paste_code;type:text"`
	SplitApplied  json.RawMessage       `gorm:"column:split_applied;type:jsonb"`
	FailureReason *string               `gorm:"column:failure_reason;type:text"`
	SettledAt     *time.Time            `gorm:"column:settled_at"`
	LastCheckedAt *time.Time            `gorm:"column:last_checked_at"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
