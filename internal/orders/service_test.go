package orders

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/internal/coupons"
	"github.com/keylojahq/keyloja-backend/internal/customers"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/pricing"
	"github.com/keylojahq/keyloja-backend/internal/products"
	"github.com/keylojahq/keyloja-backend/internal/stores"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type fakeGateway struct {
	provider    enums.PaymentProvider
	charge      *gateway.Charge
	createErr   error
	createCalls int
}

func (f *fakeGateway) Provider() enums.PaymentProvider { return f.provider }

func (f *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.charge, nil
}

func (f *fakeGateway) GetCharge(ctx context.Context, externalID string) (*gateway.Charge, error) {
	return f.charge, nil
}

type testEnv struct {
	db      *gorm.DB
	svc     Service
	repo    *Repository
	gateway *fakeGateway
	store   *models.Store
	product *models.Product
}

func newTestEnv(t *testing.T, stock int) *testEnv {
	t.Helper()

	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Store{}, &models.Customer{}, &models.Product{}, &models.ProductKey{},
		&models.Coupon{}, &models.Order{}, &models.OrderItem{}, &models.Payment{},
		&models.OutboxEvent{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := &models.Store{
		ID:                 uuid.New(),
		Name:               "Acme Keys",
		Slug:               "acme",
		OwnerEmail:         "owner@acme.test",
		DefaultProvider:    enums.PaymentProviderMercadoPago,
		MercadoPagoEnabled: true,
	}
	if err := db.Create(store).Error; err != nil {
		t.Fatalf("seed store: %v", err)
	}

	product := &models.Product{
		ID:         uuid.New(),
		StoreID:    store.ID,
		Name:       "license pack",
		PriceCents: 1000,
		Active:     true,
		StockCount: stock,
	}
	if err := db.Create(product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	for i := 0; i < stock; i++ {
		key := &models.ProductKey{ID: uuid.New(), ProductID: product.ID, KeyValue: uuid.NewString()}
		if err := db.Create(key).Error; err != nil {
			t.Fatalf("seed key: %v", err)
		}
	}

	gw := &fakeGateway{
		provider: enums.PaymentProviderMercadoPago,
		charge: &gateway.Charge{
			Provider:      enums.PaymentProviderMercadoPago,
			ExternalID:    "mp-1001",
			Status:        enums.PaymentStatusPending,
			RawStatus:     "pending",
			CopyPasteCode: "000201pix",
		},
	}

	orderRepo := NewRepository(db)
	storeRepo := stores.NewRepository(db)
	storeSvc, err := stores.NewService(storeRepo)
	if err != nil {
		t.Fatalf("store service: %v", err)
	}
	productRepo := products.NewRepository(db)
	couponRepo := coupons.NewRepository(db)
	pricingSvc, err := pricing.NewService(productRepo, couponRepo)
	if err != nil {
		t.Fatalf("pricing service: %v", err)
	}

	split := config.SplitConfig{PlatformAccountID: "platform-acct", PlatformPercent: 5, MaxTotalPercent: 50}
	svc, err := NewService(
		split,
		orderRepo,
		customers.NewRepository(db),
		couponRepo,
		productRepo,
		storeRepo,
		storeSvc,
		pricingSvc,
		gateway.NewRegistry(gw),
		&testTxRunner{db: db},
		outbox.NewService(outbox.NewRepository(db), nil),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return &testEnv{db: db, svc: svc, repo: orderRepo, gateway: gw, store: store, product: product}
}

func (e *testEnv) createOrder(t *testing.T, qty int, couponCode string) *models.Order {
	t.Helper()
	order, err := e.svc.CreateOrder(context.Background(), CreateOrderInput{
		StoreID:       e.store.ID,
		Items:         []OrderItemInput{{ProductID: e.product.ID, Quantity: qty}},
		CouponCode:    couponCode,
		CustomerEmail: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func (e *testEnv) markPaid(t *testing.T, orderID uuid.UUID) {
	t.Helper()
	err := e.db.Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]any{
		"status":         enums.OrderStatusPaid,
		"payment_status": enums.OrderPaymentStatusPaid,
	}).Error
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
}

func (e *testEnv) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	err := e.db.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error
	if err != nil {
		t.Fatalf("count outbox rows: %v", err)
	}
	return count
}

func TestCreateOrderPersistsOrderItemsAndCoupon(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)

	coupon := &models.Coupon{
		ID: uuid.New(), StoreID: env.store.ID, Code: "ten",
		Kind: enums.CouponKindPercent, Value: 10, Active: true,
	}
	if err := env.db.Create(coupon).Error; err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	order, err := env.svc.CreateOrder(context.Background(), CreateOrderInput{
		StoreID:       env.store.ID,
		Items:         []OrderItemInput{{ProductID: env.product.ID, Quantity: 2}},
		CouponCode:    "ten",
		CustomerEmail: "Buyer@Example.com",
		ClientIP:      "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.SubtotalCents != 2000 || order.DiscountCents != 200 || order.TotalCents != 1800 {
		t.Fatalf("unexpected totals: %d %d %d", order.SubtotalCents, order.DiscountCents, order.TotalCents)
	}
	if order.Provider != enums.PaymentProviderMercadoPago {
		t.Fatalf("unexpected provider %q", order.Provider)
	}
	if len(order.Items) != 1 || order.Items[0].LineTotalCents != 2000 {
		t.Fatalf("unexpected items %+v", order.Items)
	}

	var reloaded models.Coupon
	if err := env.db.First(&reloaded, "id = ?", coupon.ID).Error; err != nil {
		t.Fatalf("reload coupon: %v", err)
	}
	if reloaded.UsedCount != 1 {
		t.Fatalf("coupon used_count = %d, want 1", reloaded.UsedCount)
	}

	var customer models.Customer
	if err := env.db.First(&customer, "store_id = ? AND email = ?", env.store.ID, "buyer@example.com").Error; err != nil {
		t.Fatalf("customer not normalized/created: %v", err)
	}

	if got := env.outboxCount(t, enums.EventOrderCreated); got != 1 {
		t.Fatalf("order_created events = %d, want 1", got)
	}
}

func TestCreateOrderRejectsExhaustedCouponAtomically(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)

	max := 1
	coupon := &models.Coupon{
		ID: uuid.New(), StoreID: env.store.ID, Code: "once",
		Kind: enums.CouponKindFixed, Value: 100, Active: true,
		MaxUses: &max, UsedCount: 1,
	}
	if err := env.db.Create(coupon).Error; err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	_, err := env.svc.CreateOrder(context.Background(), CreateOrderInput{
		StoreID:       env.store.ID,
		Items:         []OrderItemInput{{ProductID: env.product.ID, Quantity: 1}},
		CouponCode:    "once",
		CustomerEmail: "buyer@example.com",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	var count int64
	if err := env.db.Model(&models.Order{}).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d orders", count)
	}
}

func TestProcessPaymentCreatesChargeOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)
	order := env.createOrder(t, 2, "")

	payment, err := env.svc.ProcessPayment(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if payment.ExternalID != "mp-1001" || payment.Status != enums.PaymentStatusPending {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.AmountCents != order.TotalCents {
		t.Fatalf("amount = %d, want %d", payment.AmountCents, order.TotalCents)
	}
	if len(payment.SplitApplied) == 0 {
		t.Fatalf("split plan snapshot missing")
	}

	again, err := env.svc.ProcessPayment(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ProcessPayment retry: %v", err)
	}
	if again.ID != payment.ID {
		t.Fatalf("retry created a second payment")
	}
	if env.gateway.createCalls != 1 {
		t.Fatalf("gateway called %d times, want 1", env.gateway.createCalls)
	}
}

func TestProcessPaymentGatewayFailureLeavesOrderRetryable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)
	order := env.createOrder(t, 1, "")

	env.gateway.createErr = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "provider down")
	if _, err := env.svc.ProcessPayment(context.Background(), order.ID); !pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}

	var count int64
	if err := env.db.Model(&models.Payment{}).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no payment rows, found %d", count)
	}

	env.gateway.createErr = nil
	if _, err := env.svc.ProcessPayment(context.Background(), order.ID); err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
}

func TestDeliverOrderClaimsKeysAndBumpsCounters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)
	order := env.createOrder(t, 2, "")
	env.markPaid(t, order.ID)

	if err := env.svc.DeliverOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("DeliverOrder: %v", err)
	}

	delivered, err := env.repo.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if delivered.Status != enums.OrderStatusDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("order not delivered: %+v", delivered)
	}
	if len(delivered.Items[0].DeliveredKeys) != 2 {
		t.Fatalf("delivered keys = %v", delivered.Items[0].DeliveredKeys)
	}

	var product models.Product
	if err := env.db.First(&product, "id = ?", env.product.ID).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	if product.StockCount != 1 || product.SalesCount != 2 {
		t.Fatalf("stock = %d sales = %d", product.StockCount, product.SalesCount)
	}

	var store models.Store
	if err := env.db.First(&store, "id = ?", env.store.ID).Error; err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if store.LifetimeSalesCents != int64(order.TotalCents) || store.LifetimeOrders != 1 {
		t.Fatalf("store totals: %d / %d", store.LifetimeSalesCents, store.LifetimeOrders)
	}

	var customer models.Customer
	if err := env.db.First(&customer, "id = ?", order.CustomerID).Error; err != nil {
		t.Fatalf("reload customer: %v", err)
	}
	if customer.LifetimeSpendCents != int64(order.TotalCents) || customer.LifetimeOrders != 1 {
		t.Fatalf("customer totals: %d / %d", customer.LifetimeSpendCents, customer.LifetimeOrders)
	}

	if got := env.outboxCount(t, enums.EventOrderDelivered); got != 1 {
		t.Fatalf("order_delivered events = %d, want 1", got)
	}
}

func TestUpdateItemDeliveryRoundTripsKeys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 2, "")

	keys := []string{"alpha-key", "beta-key"}
	if err := env.repo.UpdateItemDelivery(context.Background(), order.Items[0].ID, keys); err != nil {
		t.Fatalf("UpdateItemDelivery: %v", err)
	}

	var raw string
	err := env.db.Raw("SELECT delivered_keys FROM order_items WHERE id = ?", order.Items[0].ID).Scan(&raw).Error
	if err != nil {
		t.Fatalf("read column: %v", err)
	}
	var decoded []string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("column does not hold JSON (%q): %v", raw, err)
	}

	reloaded, err := env.repo.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order after delivery write: %v", err)
	}
	got := reloaded.Items[0].DeliveredKeys
	if len(got) != 2 || got[0] != "alpha-key" || got[1] != "beta-key" {
		t.Fatalf("delivered keys = %v, want %v", got, keys)
	}
}

func TestDeliverOrderIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 2, "")
	env.markPaid(t, order.ID)

	if err := env.svc.DeliverOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := env.svc.DeliverOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("second delivery should be a no-op: %v", err)
	}

	var claimed int64
	err := env.db.Model(&models.ProductKey{}).Where("order_item_id IS NOT NULL").Count(&claimed).Error
	if err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if claimed != 2 {
		t.Fatalf("claimed keys = %d, want 2", claimed)
	}
	if got := env.outboxCount(t, enums.EventOrderDelivered); got != 1 {
		t.Fatalf("order_delivered events = %d, want 1", got)
	}
}

func TestDeliverOrderEmitsDepletionOnLastKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 2, "")
	env.markPaid(t, order.ID)

	if err := env.svc.DeliverOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("DeliverOrder: %v", err)
	}
	if got := env.outboxCount(t, enums.EventStockDepleted); got != 1 {
		t.Fatalf("stock_depleted events = %d, want 1", got)
	}
}

func TestDeliverOrderShortfallKeepsOrderPaid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	order := env.createOrder(t, 2, "")
	env.markPaid(t, order.ID)

	err := env.svc.DeliverOrder(context.Background(), order.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	reloaded, err := env.repo.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != enums.OrderStatusPaid {
		t.Fatalf("order status = %q, want paid", reloaded.Status)
	}

	var claimed int64
	if err := env.db.Model(&models.ProductKey{}).Where("order_item_id IS NOT NULL").Count(&claimed).Error; err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("claims should have rolled back, found %d", claimed)
	}

	if got := env.outboxCount(t, enums.EventStockDepleted); got != 1 {
		t.Fatalf("stock_depleted events = %d, want 1", got)
	}
}

func TestDeliverOrderRequiresPaidStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 1, "")

	if err := env.svc.DeliverOrder(context.Background(), order.ID); !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelOrderVoidsPendingPayment(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 1, "")
	if _, err := env.svc.ProcessPayment(context.Background(), order.ID); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	if err := env.svc.CancelOrder(context.Background(), order.ID, "customer gave up"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	reloaded, err := env.repo.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != enums.OrderStatusCancelled || reloaded.CancelledAt == nil {
		t.Fatalf("order not cancelled: %+v", reloaded)
	}
	if reloaded.Payment.Status != enums.PaymentStatusCancelled {
		t.Fatalf("payment status = %q, want cancelled", reloaded.Payment.Status)
	}

	// Re-cancelling is a quiet no-op.
	if err := env.svc.CancelOrder(context.Background(), order.ID, ""); err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if got := env.outboxCount(t, enums.EventOrderCancelled); got != 1 {
		t.Fatalf("order_cancelled events = %d, want 1", got)
	}
}

func TestCancelOrderRejectsDeliveredOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	order := env.createOrder(t, 1, "")
	env.markPaid(t, order.ID)
	if err := env.svc.DeliverOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("DeliverOrder: %v", err)
	}

	if err := env.svc.CancelOrder(context.Background(), order.ID, ""); !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
