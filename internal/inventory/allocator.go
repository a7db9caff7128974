package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

// KeyAllocationRequest asks for qty unclaimed keys of a product to be
// bound to an order item.
type KeyAllocationRequest struct {
	OrderItemID uuid.UUID
	ProductID   uuid.UUID
	Qty         int
}

// KeyAllocationResult reports the keys claimed for one request and
// whether the claim emptied the product's stock.
type KeyAllocationResult struct {
	OrderItemID uuid.UUID
	ProductID   uuid.UUID
	Keys        []models.ProductKey
	Depleted    bool
}

// ShortfallError identifies the product that could not cover a claim. It
// travels as the cause of the insufficient-stock error so callers can emit
// a low-stock signal for the right product after the rollback.
type ShortfallError struct {
	ProductID uuid.UUID
	Available int
	Requested int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("product %s has %d of %d keys available", e.ProductID, e.Available, e.Requested)
}

// AllocateKeys claims exactly the requested number of unclaimed keys per
// product inside the caller's transaction. Candidate rows are locked so
// two deliveries cannot claim the same key; any shortfall fails the whole
// allocation and the caller's transaction rolls back.
func AllocateKeys(ctx context.Context, tx *gorm.DB, requests []KeyAllocationRequest) ([]KeyAllocationResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if len(requests) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no allocation requests")
	}
	for _, req := range requests {
		if req.OrderItemID == uuid.Nil || req.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "allocation request missing ids")
		}
		if req.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "allocation quantity must be positive")
		}
	}

	now := time.Now().UTC()
	results := make([]KeyAllocationResult, 0, len(requests))

	for _, req := range requests {
		query := tx.WithContext(ctx).
			Where("product_id = ? AND order_item_id IS NULL", req.ProductID).
			Order("created_at ASC").
			Limit(req.Qty)
		// sqlite (tests) has no row locks; its writes serialize anyway.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var keys []models.ProductKey
		if err := query.Find(&keys).Error; err != nil {
			return nil, err
		}
		if len(keys) < req.Qty {
			shortfall := &ShortfallError{ProductID: req.ProductID, Available: len(keys), Requested: req.Qty}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInsufficientStock, shortfall, shortfall.Error())
		}

		ids := make([]uuid.UUID, len(keys))
		for i := range keys {
			ids[i] = keys[i].ID
			keys[i].OrderItemID = &req.OrderItemID
			keys[i].ClaimedAt = &now
		}
		claim := tx.WithContext(ctx).
			Model(&models.ProductKey{}).
			Where("id IN ? AND order_item_id IS NULL", ids).
			Updates(map[string]any{
				"order_item_id": req.OrderItemID,
				"claimed_at":    now,
			})
		if claim.Error != nil {
			return nil, claim.Error
		}
		if claim.RowsAffected != int64(len(ids)) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict,
				fmt.Sprintf("product %s keys claimed concurrently", req.ProductID))
		}

		// The conditional guard keeps the counter from going negative if
		// it ever drifts from the key rows.
		decrement := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ? AND stock_count >= ?", req.ProductID, req.Qty).
			Update("stock_count", gorm.Expr("stock_count - ?", req.Qty))
		if decrement.Error != nil {
			return nil, decrement.Error
		}
		if decrement.RowsAffected == 0 {
			return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock,
				fmt.Sprintf("product %s stock counter out of sync", req.ProductID))
		}

		var remaining int64
		if err := tx.WithContext(ctx).
			Model(&models.Product{}).
			Select("stock_count").
			Where("id = ?", req.ProductID).
			Scan(&remaining).Error; err != nil {
			return nil, err
		}

		results = append(results, KeyAllocationResult{
			OrderItemID: req.OrderItemID,
			ProductID:   req.ProductID,
			Keys:        keys,
			Depleted:    remaining == 0,
		})
	}

	return results, nil
}
