package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// Withdrawal is a payout request against a store wallet. Funds are
// debited when the request is created and returned if it is rejected.
type Withdrawal struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	StoreID      uuid.UUID              `gorm:"column:store_id;type:uuid;not null;index"`
	WalletID     uuid.UUID              `gorm:"column:wallet_id;type:uuid;not null"`
	AmountCents  int64                  `gorm:"column:amount_cents;not null"`
	Status       enums.WithdrawalStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	PixKey       string                 `gorm:"column:pix_key;type:text;not null"`
	RejectReason *string                `gorm:"column:reject_reason;type:text"`
	ResolvedAt   *time.Time             `gorm:"column:resolved_at"`
	CreatedAt    time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
