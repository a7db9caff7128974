package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/internal/coupons"
	"github.com/keylojahq/keyloja-backend/internal/customers"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/inventory"
	"github.com/keylojahq/keyloja-backend/internal/pricing"
	"github.com/keylojahq/keyloja-backend/internal/products"
	"github.com/keylojahq/keyloja-backend/internal/stores"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	dbpkg "github.com/keylojahq/keyloja-backend/pkg/db"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
	"github.com/keylojahq/keyloja-backend/pkg/outbox/payloads"
	"github.com/keylojahq/keyloja-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type gatewayRegistry interface {
	ForProvider(provider enums.PaymentProvider) (gateway.Gateway, error)
}

// OrderItemInput is one requested product line.
type OrderItemInput struct {
	ProductID uuid.UUID
	Quantity  int
}

// CreateOrderInput carries everything needed to open an order.
type CreateOrderInput struct {
	StoreID          uuid.UUID
	Items            []OrderItemInput
	CouponCode       string
	CustomerEmail    string
	CustomerName     *string
	CustomerDocument *string
	Provider         enums.PaymentProvider
	ClientIP         string
	UserAgent        string
}

// Service orchestrates the order lifecycle.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	ProcessPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	DeliverOrder(ctx context.Context, orderID uuid.UUID) error
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type service struct {
	split     config.SplitConfig
	repo      *Repository
	customers *customers.Repository
	coupons   *coupons.Repository
	products  *products.Repository
	storeRepo *stores.Repository
	stores    stores.Service
	pricing   pricing.Service
	gateways  gatewayRegistry
	tx        txRunner
	outbox    outboxPublisher
	now       func() time.Time
}

// NewService builds the order orchestrator with its collaborators.
func NewService(
	split config.SplitConfig,
	repo *Repository,
	customerRepo *customers.Repository,
	couponRepo *coupons.Repository,
	productRepo *products.Repository,
	storeRepo *stores.Repository,
	storeSvc stores.Service,
	pricingSvc pricing.Service,
	gateways gatewayRegistry,
	tx txRunner,
	publisher outboxPublisher,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if customerRepo == nil {
		return nil, fmt.Errorf("customers repository required")
	}
	if couponRepo == nil {
		return nil, fmt.Errorf("coupons repository required")
	}
	if productRepo == nil {
		return nil, fmt.Errorf("products repository required")
	}
	if storeRepo == nil {
		return nil, fmt.Errorf("stores repository required")
	}
	if storeSvc == nil {
		return nil, fmt.Errorf("store service required")
	}
	if pricingSvc == nil {
		return nil, fmt.Errorf("pricing service required")
	}
	if gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		split:     split,
		repo:      repo,
		customers: customerRepo,
		coupons:   couponRepo,
		products:  productRepo,
		storeRepo: storeRepo,
		stores:    storeSvc,
		pricing:   pricingSvc,
		gateways:  gateways,
		tx:        tx,
		outbox:    publisher,
		now:       time.Now,
	}, nil
}

// CreateOrder prices the cart, resolves the buyer, and persists the order
// with its lines and coupon usage in one transaction. The payment charge is
// a separate step so a gateway outage never leaves half an order behind.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if input.StoreID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "store id required")
	}
	if input.CustomerEmail == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer email required")
	}

	provider, err := s.stores.ResolveProvider(ctx, input.StoreID, input.Provider)
	if err != nil {
		return nil, err
	}

	quoteItems := make([]pricing.QuoteItem, len(input.Items))
	for i, item := range input.Items {
		quoteItems[i] = pricing.QuoteItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	quote, err := s.pricing.Quote(ctx, input.StoreID, quoteItems, input.CouponCode)
	if err != nil {
		return nil, err
	}

	// The split plan is validated up front so a misconfigured store fails
	// at order time instead of after a charge exists.
	store, err := s.stores.GetByID(ctx, input.StoreID)
	if err != nil {
		return nil, err
	}
	if _, err := gateway.ComputeSplit(s.split, store.SplitPlan, quote.TotalCents); err != nil {
		return nil, err
	}

	var order *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		customer, err := s.customers.WithTx(tx).FindOrCreate(ctx, input.StoreID, input.CustomerEmail, input.CustomerName, input.CustomerDocument)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve customer")
		}

		var couponID *uuid.UUID
		if quote.Coupon != nil {
			claimed, err := s.coupons.WithTx(tx).ClaimUsage(ctx, quote.Coupon.ID, s.now())
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim coupon usage")
			}
			if !claimed {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer usable")
			}
			couponID = &quote.Coupon.ID
		}

		metadata := types.JSONMap{}
		if input.ClientIP != "" {
			metadata["client_ip"] = input.ClientIP
		}
		if input.UserAgent != "" {
			metadata["user_agent"] = input.UserAgent
		}

		order = &models.Order{
			ID:            uuid.New(),
			StoreID:       input.StoreID,
			CustomerID:    customer.ID,
			CouponID:      couponID,
			Status:        enums.OrderStatusPending,
			PaymentStatus: enums.OrderPaymentStatusPending,
			SubtotalCents: quote.SubtotalCents,
			DiscountCents: quote.DiscountCents,
			TotalCents:    quote.TotalCents,
			Provider:      provider,
		}
		if len(metadata) > 0 {
			order.Metadata = &metadata
		}

		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist order")
		}

		items := make([]models.OrderItem, len(quote.Items))
		for i, line := range quote.Items {
			items[i] = models.OrderItem{
				ID:             uuid.New(),
				OrderID:        order.ID,
				ProductID:      line.Product.ID,
				ProductName:    line.Product.Name,
				UnitPriceCents: line.UnitPriceCents,
				Quantity:       line.Quantity,
				LineTotalCents: line.LineTotalCents,
			}
		}
		if err := repo.CreateItems(ctx, items); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist order items")
		}
		order.Items = items

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Data: payloads.OrderCreatedEvent{
				OrderID:    order.ID,
				StoreID:    order.StoreID,
				CustomerID: order.CustomerID,
				Provider:   order.Provider,
				TotalCents: order.TotalCents,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ProcessPayment creates the PIX charge for an order. Retrying on the same
// order is safe: an existing pending payment is returned as is, and the
// unique order binding catches creation races. The gateway call happens
// outside any database transaction.
func (s *service) ProcessPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order no longer accepts payment")
	}
	if order.Payment != nil {
		if order.Payment.Status == enums.PaymentStatusPending {
			return order.Payment, nil
		}
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment already resolved")
	}

	store, err := s.stores.GetByID(ctx, order.StoreID)
	if err != nil {
		return nil, err
	}
	shares, err := gateway.ComputeSplit(s.split, store.SplitPlan, order.TotalCents)
	if err != nil {
		return nil, err
	}
	gw, err := s.gateways.ForProvider(order.Provider)
	if err != nil {
		return nil, err
	}

	customer, err := s.customers.FindByID(ctx, order.CustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load customer")
	}

	charge, err := gw.CreateCharge(ctx, gateway.ChargeRequest{
		AmountCents:   order.TotalCents,
		Description:   fmt.Sprintf("order %s", order.ID),
		ReferenceID:   order.ID.String(),
		CustomerEmail: customer.Email,
		Split:         shares,
	})
	if err != nil {
		return nil, err
	}

	splitJSON, err := json.Marshal(shares)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode split plan")
	}

	payment := &models.Payment{
		ID:           uuid.New(),
		OrderID:      order.ID,
		StoreID:      order.StoreID,
		Provider:     charge.Provider,
		ExternalID:   charge.ExternalID,
		Status:       charge.Status,
		RawStatus:    charge.RawStatus,
		AmountCents:  order.TotalCents,
		SplitApplied: splitJSON,
	}
	if charge.CopyPasteCode != "" {
		payment.CopyPasteCode = &charge.CopyPasteCode
	}
	if charge.QRCodeBase64 != "" {
		payment.QRCodeBase64 = &charge.QRCodeBase64
	}
	if charge.TicketURL != "" {
		payment.QRCode = &charge.TicketURL
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).CreatePayment(ctx, payment)
	})
	if err != nil {
		// Lost a race against a concurrent ProcessPayment; the winner's
		// pending charge is the canonical one.
		if dbpkg.IsUniqueViolation(err, "idx_payments_order_id") || dbpkg.IsUniqueViolation(err, "") {
			return s.repo.FindPaymentByOrder(ctx, order.ID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist payment")
	}
	return payment, nil
}

// DeliverOrder claims keys for every line and hands them to the buyer.
// Precondition is a paid order; an already-delivered order is a no-op. On a
// stock shortfall the transaction rolls back, the order stays paid, and a
// depletion event is emitted for the product that ran out.
func (s *service) DeliverOrder(ctx context.Context, orderID uuid.UUID) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if order.Status == enums.OrderStatusDelivered {
			return nil
		}
		if order.Status != enums.OrderStatusPaid {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not paid")
		}

		requests := make([]inventory.KeyAllocationRequest, len(order.Items))
		for i, item := range order.Items {
			requests[i] = inventory.KeyAllocationRequest{
				OrderItemID: item.ID,
				ProductID:   item.ProductID,
				Qty:         item.Quantity,
			}
		}
		results, err := inventory.AllocateKeys(ctx, tx, requests)
		if err != nil {
			return err
		}

		now := s.now()
		moved, err := repo.Transition(ctx, order.ID,
			[]enums.OrderStatus{enums.OrderStatusPaid},
			map[string]any{"status": enums.OrderStatusDelivered, "delivered_at": now})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order delivered")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order state changed during delivery")
		}

		keyCount := 0
		for _, result := range results {
			values := make([]string, len(result.Keys))
			for i, key := range result.Keys {
				values[i] = key.KeyValue
			}
			keyCount += len(values)
			if err := repo.UpdateItemDelivery(ctx, result.OrderItemID, values); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write delivered keys")
			}
			if err := s.products.WithTx(tx).IncrementSales(ctx, result.ProductID, len(values)); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bump product sales")
			}
		}

		if err := s.storeRepo.WithTx(tx).IncrementLifetimeSales(ctx, order.StoreID, order.TotalCents); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bump store totals")
		}
		if err := s.customers.WithTx(tx).IncrementLifetime(ctx, order.CustomerID, order.TotalCents); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bump customer totals")
		}

		for _, result := range results {
			if !result.Depleted {
				continue
			}
			if err := s.emitDepletion(ctx, tx, order.StoreID, result.ProductID); err != nil {
				return err
			}
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderDelivered,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Data: payloads.OrderDeliveredEvent{
				OrderID:     order.ID,
				StoreID:     order.StoreID,
				CustomerID:  order.CustomerID,
				KeyCount:    keyCount,
				DeliveredAt: now,
			},
		})
	})
	if err == nil {
		return nil
	}

	// The delivery transaction rolled back, but a shortfall still needs to
	// surface so the merchant can restock. This runs in its own transaction.
	var shortfall *inventory.ShortfallError
	if errors.As(err, &shortfall) {
		order, loadErr := s.repo.FindByID(ctx, orderID)
		if loadErr == nil {
			_ = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
				return s.emitDepletion(ctx, tx, order.StoreID, shortfall.ProductID)
			})
		}
	}
	return err
}

func (s *service) emitDepletion(ctx context.Context, tx *gorm.DB, storeID, productID uuid.UUID) error {
	product, err := s.products.WithTx(tx).FindByID(ctx, productID)
	name := ""
	if err == nil {
		name = product.Name
	}
	return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventStockDepleted,
		AggregateType: enums.AggregateProduct,
		AggregateID:   productID,
		Version:       1,
		Data: payloads.StockDepletedEvent{
			ProductID: productID,
			StoreID:   storeID,
			Name:      name,
		},
	})
}

// CancelOrder voids a pending or paid order. Cancelling an already
// cancelled order is a no-op.
func (s *service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if order.Status == enums.OrderStatusCancelled {
			return nil
		}

		now := s.now()
		moved, err := repo.Transition(ctx, order.ID,
			[]enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusPaid},
			map[string]any{"status": enums.OrderStatusCancelled, "cancelled_at": now})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order cannot be cancelled in its current state")
		}

		if order.Payment != nil && order.Payment.Status == enums.PaymentStatusPending {
			if _, err := repo.TransitionPayment(ctx, order.Payment.ID,
				[]enums.PaymentStatus{enums.PaymentStatusPending},
				map[string]any{"status": enums.PaymentStatusCancelled}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel payment")
			}
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Data: payloads.OrderCancelledEvent{
				OrderID:     order.ID,
				StoreID:     order.StoreID,
				Reason:      reason,
				CancelledAt: now,
			},
		})
	})
}

// GetOrder loads an order with items and payment.
func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}
