package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

type fakeCatalog struct {
	products []models.Product
}

func (f *fakeCatalog) FindActiveForStore(ctx context.Context, storeID uuid.UUID, ids []uuid.UUID) ([]models.Product, error) {
	var out []models.Product
	for _, p := range f.products {
		if p.StoreID != storeID || !p.Active {
			continue
		}
		for _, id := range ids {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type fakeCoupons struct {
	coupon *models.Coupon
}

func (f *fakeCoupons) FindByCode(ctx context.Context, storeID uuid.UUID, code string) (*models.Coupon, error) {
	if f.coupon == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return f.coupon, nil
}

func intPtr(v int) *int { return &v }

func newPricing(t *testing.T, catalog *fakeCatalog, coupons *fakeCoupons) *service {
	t.Helper()
	svc, err := NewService(catalog, coupons)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc.(*service)
}

func TestQuote_PercentCouponWithMinimum(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID:               uuid.New(),
		StoreID:          storeID,
		Code:             "TEN",
		Kind:             enums.CouponKindPercent,
		Value:            10,
		MinSubtotalCents: 1500,
		Active:           true,
	}}
	svc := newPricing(t, catalog, coupons)

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 2}}, "TEN")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.SubtotalCents != 2000 {
		t.Fatalf("subtotal = %d, want 2000", quote.SubtotalCents)
	}
	if quote.DiscountCents != 200 {
		t.Fatalf("discount = %d, want 200", quote.DiscountCents)
	}
	if quote.TotalCents != 1800 {
		t.Fatalf("total = %d, want 1800", quote.TotalCents)
	}
}

func TestQuote_PercentCouponRoundsDown(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 333},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindPercent, Value: 10, Active: true,
	}}
	svc := newPricing(t, catalog, coupons)

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "TEN")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	// 10% of 333 is 33.3; the customer keeps the fraction.
	if quote.DiscountCents != 33 {
		t.Fatalf("discount = %d, want 33", quote.DiscountCents)
	}
	if quote.TotalCents != 300 {
		t.Fatalf("total = %d, want 300", quote.TotalCents)
	}
}

func TestQuote_FixedCouponClampsToSubtotal(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 500},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindFixed, Value: 800, Active: true,
	}}
	svc := newPricing(t, catalog, coupons)

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "BIG")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.DiscountCents != 500 {
		t.Fatalf("discount = %d, want 500", quote.DiscountCents)
	}
	if quote.TotalCents != 0 {
		t.Fatalf("total = %d, want 0", quote.TotalCents)
	}
}

func TestQuote_CouponBelowMinimumRejected(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindPercent, Value: 10,
		MinSubtotalCents: 1500, Active: true,
	}}
	svc := newPricing(t, catalog, coupons)

	_, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "TEN")
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestQuote_ExpiredCouponRejected(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	expired := time.Now().Add(-time.Hour)
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindPercent, Value: 10,
		Active: true, ExpiresAt: &expired,
	}}
	svc := newPricing(t, catalog, coupons)

	_, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "TEN")
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestQuote_UsageCapRejected(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindFixed, Value: 100,
		Active: true, MaxUses: intPtr(5), UsedCount: 5,
	}}
	svc := newPricing(t, catalog, coupons)

	_, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "CAP")
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestQuote_UnknownProductRejected(t *testing.T) {
	storeID := uuid.New()
	catalog := &fakeCatalog{}
	svc := newPricing(t, catalog, &fakeCoupons{})

	_, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: uuid.New(), Quantity: 1}}, "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQuote_MergesDuplicateLines(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 250},
	}}
	svc := newPricing(t, catalog, &fakeCoupons{})

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{
		{ProductID: productID, Quantity: 1},
		{ProductID: productID, Quantity: 2},
	}, "")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if len(quote.Items) != 1 {
		t.Fatalf("expected one merged line, got %d", len(quote.Items))
	}
	if quote.Items[0].Quantity != 3 || quote.SubtotalCents != 750 {
		t.Fatalf("unexpected merge result: %+v", quote.Items[0])
	}
}

func TestQuote_InvalidItems(t *testing.T) {
	svc := newPricing(t, &fakeCatalog{}, &fakeCoupons{})

	if _, err := svc.Quote(context.Background(), uuid.New(), nil, ""); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for empty items, got %v", err)
	}
	if _, err := svc.Quote(context.Background(), uuid.New(), []QuoteItem{{ProductID: uuid.New(), Quantity: 0}}, ""); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}
}

func TestQuote_PromoPriceWins(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000, PromoPriceCents: intPtr(750)},
	}}
	svc := newPricing(t, catalog, &fakeCoupons{})

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 2}}, "")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Items[0].UnitPriceCents != 750 {
		t.Fatalf("unit price = %d, want promo 750", quote.Items[0].UnitPriceCents)
	}
	if quote.SubtotalCents != 1500 {
		t.Fatalf("subtotal = %d, want 1500", quote.SubtotalCents)
	}
}

func TestQuote_PercentCouponHonorsMaxDiscount(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 10000},
	}}
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindPercent, Value: 20, Active: true,
		MaxDiscountCents: intPtr(1500),
	}}
	svc := newPricing(t, catalog, coupons)

	quote, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "TWENTY")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	// 20% of 10000 is 2000, capped at 1500.
	if quote.DiscountCents != 1500 {
		t.Fatalf("discount = %d, want 1500", quote.DiscountCents)
	}
	if quote.TotalCents != 8500 {
		t.Fatalf("total = %d, want 8500", quote.TotalCents)
	}
}

func TestQuote_CouponNotYetValid(t *testing.T) {
	storeID := uuid.New()
	productID := uuid.New()
	catalog := &fakeCatalog{products: []models.Product{
		{ID: productID, StoreID: storeID, Active: true, PriceCents: 1000},
	}}
	from := time.Now().Add(24 * time.Hour)
	coupons := &fakeCoupons{coupon: &models.Coupon{
		ID: uuid.New(), StoreID: storeID, Kind: enums.CouponKindPercent, Value: 10, Active: true,
		ValidFrom: &from,
	}}
	svc := newPricing(t, catalog, coupons)

	_, err := svc.Quote(context.Background(), storeID, []QuoteItem{{ProductID: productID, Quantity: 1}}, "SOON")
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
