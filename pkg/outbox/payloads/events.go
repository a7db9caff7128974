package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// OrderCreatedEvent signals a new pending order awaiting payment.
type OrderCreatedEvent struct {
	OrderID    uuid.UUID             `json:"order_id"`
	StoreID    uuid.UUID             `json:"store_id"`
	CustomerID uuid.UUID             `json:"customer_id"`
	Provider   enums.PaymentProvider `json:"provider"`
	TotalCents int                   `json:"total_cents"`
}

// OrderPaidEvent is emitted once per order when payment settles.
type OrderPaidEvent struct {
	OrderID     uuid.UUID             `json:"order_id"`
	StoreID     uuid.UUID             `json:"store_id"`
	Provider    enums.PaymentProvider `json:"provider"`
	AmountCents int                   `json:"amount_cents"`
	PaidAt      time.Time             `json:"paid_at"`
}

// OrderDeliveredEvent reports keys handed to the customer.
type OrderDeliveredEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	StoreID     uuid.UUID `json:"store_id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	KeyCount    int       `json:"key_count"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// OrderCancelledEvent is emitted when a pending order is voided.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	StoreID     uuid.UUID `json:"store_id"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// OrderRefundedEvent is emitted when a provider reports a refund.
type OrderRefundedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	StoreID     uuid.UUID `json:"store_id"`
	AmountCents int       `json:"amount_cents"`
}

// StockDepletedEvent warns that a product ran out of unclaimed keys.
type StockDepletedEvent struct {
	ProductID uuid.UUID `json:"product_id"`
	StoreID   uuid.UUID `json:"store_id"`
	Name      string    `json:"name"`
}

// WithdrawalRequestedEvent is emitted when a store owner asks for a payout.
type WithdrawalRequestedEvent struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	StoreID      uuid.UUID `json:"store_id"`
	AmountCents  int64     `json:"amount_cents"`
}

// WithdrawalResolvedEvent carries the terminal decision on a payout.
type WithdrawalResolvedEvent struct {
	WithdrawalID uuid.UUID              `json:"withdrawal_id"`
	StoreID      uuid.UUID              `json:"store_id"`
	AmountCents  int64                  `json:"amount_cents"`
	Status       enums.WithdrawalStatus `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
}
