package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/internal/orders"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
	"github.com/keylojahq/keyloja-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type walletLedger interface {
	CreditOnSale(ctx context.Context, tx *gorm.DB, storeID uuid.UUID, amountCents int64) error
}

// Service converges provider status updates onto order and payment state.
// Webhook pushes and manual polls both funnel into Reconcile; the method is
// idempotent, so a webhook delivered five times and a redundant poll all
// land on the same final state with the wallet credited exactly once.
type Service interface {
	Reconcile(ctx context.Context, provider enums.PaymentProvider, externalID string, status enums.PaymentStatus, rawStatus string) error
}

type service struct {
	repo   *orders.Repository
	orders orders.Service
	wallet walletLedger
	tx     txRunner
	outbox outboxPublisher
	logg   *logger.Logger
	now    func() time.Time
}

// NewService builds the reconciliation service.
func NewService(repo *orders.Repository, orderSvc orders.Service, ledger walletLedger, tx txRunner, publisher outboxPublisher, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if orderSvc == nil {
		return nil, fmt.Errorf("order service required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("wallet ledger required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:   repo,
		orders: orderSvc,
		wallet: ledger,
		tx:     tx,
		outbox: publisher,
		logg:   logg,
		now:    time.Now,
	}, nil
}

// Reconcile applies one provider status update. Unknown external ids are
// accepted and discarded: providers retry webhooks for charges we never
// created, and answering with an error only makes them retry harder.
func (s *service) Reconcile(ctx context.Context, provider enums.PaymentProvider, externalID string, status enums.PaymentStatus, rawStatus string) error {
	if externalID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external id required")
	}
	if !status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown payment status %q", status))
	}

	payment, err := s.repo.FindPaymentByExternalID(ctx, provider, externalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logDiscard(ctx, provider, externalID)
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up payment")
	}

	var deliver bool
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		// Re-read inside the transaction; the check and the update must
		// see the same row or two concurrent deliveries of the same
		// webhook could both pass the terminal check.
		current, err := repo.FindPaymentByExternalID(ctx, provider, externalID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reloading payment")
		}
		if current.Status == status && current.Status.IsTerminal() {
			return nil
		}

		switch status {
		case enums.PaymentStatusPending:
			// Nothing to converge; providers report pending while the
			// buyer still has the QR code open.
			return nil
		case enums.PaymentStatusApproved:
			var err error
			deliver, err = s.applyApproval(ctx, tx, current, rawStatus)
			return err
		case enums.PaymentStatusRejected, enums.PaymentStatusCancelled:
			return s.applyCancellation(ctx, tx, current, status, rawStatus)
		case enums.PaymentStatusRefunded:
			return s.applyRefund(ctx, tx, current, rawStatus)
		default:
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unhandled payment status %q", status))
		}
	})
	if err != nil {
		return err
	}

	if deliver {
		// Delivery runs after the credit commits. A stock shortfall here
		// leaves the order paid and retryable; the merchant keeps the
		// credit either way.
		if err := s.orders.DeliverOrder(ctx, payment.OrderID); err != nil {
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"order_id":    payment.OrderID.String(),
					"external_id": externalID,
				})
				s.logg.Error(logCtx, "delivery after payment approval failed", err)
			}
		}
	}
	return nil
}

func (s *service) applyApproval(ctx context.Context, tx *gorm.DB, payment *models.Payment, rawStatus string) (bool, error) {
	repo := s.repo.WithTx(tx)
	now := s.now()

	moved, err := repo.TransitionPayment(ctx, payment.ID,
		[]enums.PaymentStatus{enums.PaymentStatusPending},
		map[string]any{
			"status":     enums.PaymentStatusApproved,
			"raw_status": rawStatus,
			"settled_at": now,
		})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "approving payment")
	}
	if !moved {
		// Someone else settled it first; the winning transaction already
		// credited the wallet.
		return false, nil
	}

	order, err := repo.FindByID(ctx, payment.OrderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	orderMoved, err := repo.Transition(ctx, order.ID,
		[]enums.OrderStatus{enums.OrderStatusPending},
		map[string]any{
			"status":         enums.OrderStatusPaid,
			"payment_status": enums.OrderPaymentStatusPaid,
			"paid_at":        now,
		})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking order paid")
	}
	if !orderMoved {
		// The payment transition above won the settle race, so the order
		// should still be pending here. A non-move means the order left
		// pending through some other path; crediting on top of it would
		// double-pay the merchant.
		if s.logg != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"order_id": order.ID.String(),
				"status":   string(order.Status),
			}), "approved payment found order outside pending")
		}
		return false, nil
	}

	if err := s.wallet.CreditOnSale(ctx, tx, order.StoreID, int64(order.TotalCents)); err != nil {
		return false, err
	}

	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.OrderPaidEvent{
			OrderID:     order.ID,
			StoreID:     order.StoreID,
			Provider:    payment.Provider,
			AmountCents: payment.AmountCents,
			PaidAt:      now,
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) applyCancellation(ctx context.Context, tx *gorm.DB, payment *models.Payment, status enums.PaymentStatus, rawStatus string) error {
	repo := s.repo.WithTx(tx)
	now := s.now()

	moved, err := repo.TransitionPayment(ctx, payment.ID,
		[]enums.PaymentStatus{enums.PaymentStatusPending},
		map[string]any{
			"status":     status,
			"raw_status": rawStatus,
		})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancelling payment")
	}
	if !moved {
		return nil
	}

	movedOrder, err := repo.Transition(ctx, payment.OrderID,
		[]enums.OrderStatus{enums.OrderStatusPending},
		map[string]any{
			"status":         enums.OrderStatusCancelled,
			"payment_status": enums.OrderPaymentStatusFailed,
			"cancelled_at":   now,
		})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancelling order")
	}
	if !movedOrder {
		return nil
	}

	order, err := repo.FindByID(ctx, payment.OrderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderCancelled,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.OrderCancelledEvent{
			OrderID:     order.ID,
			StoreID:     order.StoreID,
			Reason:      fmt.Sprintf("provider reported %s", rawStatus),
			CancelledAt: now,
		},
	})
}

func (s *service) applyRefund(ctx context.Context, tx *gorm.DB, payment *models.Payment, rawStatus string) error {
	repo := s.repo.WithTx(tx)

	moved, err := repo.TransitionPayment(ctx, payment.ID,
		[]enums.PaymentStatus{enums.PaymentStatusApproved},
		map[string]any{
			"status":     enums.PaymentStatusRefunded,
			"raw_status": rawStatus,
		})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "refunding payment")
	}
	if !moved {
		return nil
	}

	if _, err := repo.Transition(ctx, payment.OrderID,
		[]enums.OrderStatus{enums.OrderStatusPaid},
		map[string]any{
			"status":         enums.OrderStatusRefunded,
			"payment_status": enums.OrderPaymentStatusRefunded,
		}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "refunding order")
	}

	order, err := repo.FindByID(ctx, payment.OrderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderRefunded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.OrderRefundedEvent{
			OrderID:     order.ID,
			StoreID:     order.StoreID,
			AmountCents: payment.AmountCents,
		},
	})
}

func (s *service) logDiscard(ctx context.Context, provider enums.PaymentProvider, externalID string) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"provider":    provider,
		"external_id": externalID,
	})
	s.logg.Info(logCtx, "discarding status update for unknown charge")
}
