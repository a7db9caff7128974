package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
	"github.com/keylojahq/keyloja-backend/pkg/outbox/payloads"
)

const storeNotificationConsumer = "store-notifications"

type repository interface {
	Create(ctx context.Context, notification *models.Notification) error
}

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// Consumer turns domain events into in-app notifications for store owners.
// Delivery failures are retried via nack; the idempotency guard keeps
// Pub/Sub redeliveries from duplicating rows.
type Consumer struct {
	repo         repository
	subscription *pubsub.Subscriber
	idempotency  idempotencyGuard
	logg         *logger.Logger
}

// NewConsumer builds the store notification consumer.
func NewConsumer(repo repository, subscription *pubsub.Subscriber, guard idempotencyGuard, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("domain subscription required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		subscription: subscription,
		idempotency:  guard,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		eventType := enums.OutboxEventType(msg.Attributes["event_type"])

		var envelope outbox.PayloadEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			logCtx := c.logg.WithField(ctx, "message_id", msg.ID)
			c.logg.Error(logCtx, "failed to decode envelope", err)
			msg.Ack()
			return
		}

		if err := c.Process(ctx, eventType, envelope); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Process handles one decoded domain event. Unhandled event types are
// skipped quietly; they belong to other consumers.
func (c *Consumer) Process(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":   envelope.EventID,
		"event_type": eventType,
	})

	if !handledEvent(eventType) {
		return nil
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, storeNotificationConsumer, envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return err
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return nil
	}

	notification, err := c.build(eventType, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to build notification", err)
		_ = c.idempotency.Delete(ctx, storeNotificationConsumer, envelope.EventID)
		return err
	}

	if err := c.repo.Create(ctx, notification); err != nil {
		c.logg.Error(logCtx, "failed to persist notification", err)
		_ = c.idempotency.Delete(ctx, storeNotificationConsumer, envelope.EventID)
		return err
	}
	c.logg.Info(logCtx, "store notified")
	return nil
}

func handledEvent(eventType enums.OutboxEventType) bool {
	switch eventType {
	case enums.EventOrderPaid, enums.EventOrderDelivered, enums.EventStockDepleted, enums.EventWithdrawalResolved:
		return true
	default:
		return false
	}
}

func (c *Consumer) build(eventType enums.OutboxEventType, data json.RawMessage) (*models.Notification, error) {
	switch eventType {
	case enums.EventOrderPaid:
		var payload payloads.OrderPaidEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		if payload.StoreID == uuid.Nil {
			return nil, fmt.Errorf("store id missing")
		}
		return &models.Notification{
			StoreID: payload.StoreID,
			Type:    enums.NotificationOrderPaid,
			Title:   "Payment received",
			Message: fmt.Sprintf("Order %s was paid: R$ %.2f.", payload.OrderID, float64(payload.AmountCents)/100),
			Link:    stringPtr(fmt.Sprintf("/orders/%s", payload.OrderID)),
		}, nil
	case enums.EventOrderDelivered:
		var payload payloads.OrderDeliveredEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		if payload.StoreID == uuid.Nil {
			return nil, fmt.Errorf("store id missing")
		}
		return &models.Notification{
			StoreID: payload.StoreID,
			Type:    enums.NotificationOrderDelivered,
			Title:   "Order delivered",
			Message: fmt.Sprintf("Order %s delivered %d keys to the customer.", payload.OrderID, payload.KeyCount),
			Link:    stringPtr(fmt.Sprintf("/orders/%s", payload.OrderID)),
		}, nil
	case enums.EventStockDepleted:
		var payload payloads.StockDepletedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		if payload.StoreID == uuid.Nil {
			return nil, fmt.Errorf("store id missing")
		}
		name := payload.Name
		if name == "" {
			name = payload.ProductID.String()
		}
		return &models.Notification{
			StoreID: payload.StoreID,
			Type:    enums.NotificationStockDepleted,
			Title:   "Product out of stock",
			Message: fmt.Sprintf("%s has no keys left. Paid orders are waiting on restock.", name),
			Link:    stringPtr(fmt.Sprintf("/products/%s/keys", payload.ProductID)),
		}, nil
	case enums.EventWithdrawalResolved:
		var payload payloads.WithdrawalResolvedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		if payload.StoreID == uuid.Nil {
			return nil, fmt.Errorf("store id missing")
		}
		title := "Withdrawal approved"
		message := fmt.Sprintf("Your withdrawal of R$ %.2f was approved.", float64(payload.AmountCents)/100)
		if payload.Status == enums.WithdrawalStatusRejected {
			title = "Withdrawal rejected"
			message = fmt.Sprintf("Your withdrawal of R$ %.2f was rejected. Reason: %s", float64(payload.AmountCents)/100, payload.Reason)
		}
		return &models.Notification{
			StoreID: payload.StoreID,
			Type:    enums.NotificationWithdrawalResolved,
			Title:   title,
			Message: message,
			Link:    stringPtr("/wallet"),
		}, nil
	default:
		return nil, fmt.Errorf("unhandled event type %s", eventType)
	}
}

func stringPtr(value string) *string {
	return &value
}
