package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

type productCatalog interface {
	FindActiveForStore(ctx context.Context, storeID uuid.UUID, ids []uuid.UUID) ([]models.Product, error)
}

type couponFinder interface {
	FindByCode(ctx context.Context, storeID uuid.UUID, code string) (*models.Coupon, error)
}

// QuoteItem is one requested product line.
type QuoteItem struct {
	ProductID uuid.UUID
	Quantity  int
}

// PricedItem carries the unit price frozen at quote time.
type PricedItem struct {
	Product        models.Product
	UnitPriceCents int
	Quantity       int
	LineTotalCents int
}

// Quote is the priced order before persistence. The arithmetic invariant
// total = subtotal - discount holds for every quote this package returns.
type Quote struct {
	Items         []PricedItem
	SubtotalCents int
	DiscountCents int
	TotalCents    int
	Coupon        *models.Coupon
}

// Service computes order totals.
type Service interface {
	Quote(ctx context.Context, storeID uuid.UUID, items []QuoteItem, couponCode string) (*Quote, error)
}

type service struct {
	products productCatalog
	coupons  couponFinder
	now      func() time.Time
}

// NewService builds the pricing engine.
func NewService(products productCatalog, coupons couponFinder) (Service, error) {
	if products == nil {
		return nil, fmt.Errorf("product catalog required")
	}
	if coupons == nil {
		return nil, fmt.Errorf("coupon finder required")
	}
	return &service{products: products, coupons: coupons, now: time.Now}, nil
}

func (s *service) Quote(ctx context.Context, storeID uuid.UUID, items []QuoteItem, couponCode string) (*Quote, error) {
	if storeID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "store id required")
	}
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	catalog, err := s.products.FindActiveForStore(ctx, storeID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.Product, len(catalog))
	for _, p := range catalog {
		byID[p.ID] = p
	}

	quote := &Quote{}
	for id, qty := range merged {
		product, ok := byID[id]
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %s not available", id))
		}
		unit := product.PriceCents
		if product.PromoPriceCents != nil && *product.PromoPriceCents < unit {
			unit = *product.PromoPriceCents
		}
		line := PricedItem{
			Product:        product,
			UnitPriceCents: unit,
			Quantity:       qty,
			LineTotalCents: unit * qty,
		}
		quote.Items = append(quote.Items, line)
		quote.SubtotalCents += line.LineTotalCents
	}

	if couponCode != "" {
		coupon, err := s.resolveCoupon(ctx, storeID, couponCode, quote.SubtotalCents)
		if err != nil {
			return nil, err
		}
		quote.Coupon = coupon
		quote.DiscountCents = discountFor(coupon, quote.SubtotalCents)
	}

	quote.TotalCents = quote.SubtotalCents - quote.DiscountCents
	return quote, nil
}

func (s *service) resolveCoupon(ctx context.Context, storeID uuid.UUID, code string, subtotalCents int) (*models.Coupon, error) {
	coupon, err := s.coupons.FindByCode(ctx, storeID, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
		}
		return nil, err
	}
	if !coupon.Active {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer active")
	}
	if coupon.ValidFrom != nil && s.now().Before(*coupon.ValidFrom) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is not valid yet")
	}
	if coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon has expired")
	}
	if coupon.MaxUses != nil && coupon.UsedCount >= *coupon.MaxUses {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon usage limit reached")
	}
	if subtotalCents < coupon.MinSubtotalCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("order subtotal below coupon minimum of %d cents", coupon.MinSubtotalCents))
	}
	if coupon.Kind == enums.CouponKindPercent && (coupon.Value < 1 || coupon.Value > 100) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon percent out of range")
	}
	return coupon, nil
}

// discountFor computes the coupon discount in cents. Percent discounts
// round down and honor the coupon's max-discount cap when one is set.
// Fixed discounts clamp to the subtotal so totals stay non-negative;
// see DESIGN.md for the policy note on that clamp.
func discountFor(coupon *models.Coupon, subtotalCents int) int {
	switch coupon.Kind {
	case enums.CouponKindPercent:
		discount := decimal.NewFromInt(int64(subtotalCents)).
			Mul(decimal.NewFromInt(int64(coupon.Value))).
			Div(decimal.NewFromInt(100)).
			Floor()
		cents := int(discount.IntPart())
		if coupon.MaxDiscountCents != nil && cents > *coupon.MaxDiscountCents {
			cents = *coupon.MaxDiscountCents
		}
		return cents
	case enums.CouponKindFixed:
		if coupon.Value > subtotalCents {
			return subtotalCents
		}
		return coupon.Value
	default:
		return 0
	}
}

func mergeItems(items []QuoteItem) (map[uuid.UUID]int, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one item")
	}
	merged := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item product id required")
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item quantity must be positive")
		}
		merged[item.ProductID] += item.Quantity
	}
	return merged, nil
}
