package coupons

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
)

// Repository handles coupon persistence.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds a GORM DB to coupon operations.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByCode loads a coupon by store and code. Codes are matched case
// insensitively; uniqueness is per store.
func (r *Repository) FindByCode(ctx context.Context, storeID uuid.UUID, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := r.db.WithContext(ctx).
		Where("store_id = ? AND lower(code) = ?", storeID, strings.ToLower(strings.TrimSpace(code))).
		First(&coupon).Error; err != nil {
		return nil, err
	}
	return &coupon, nil
}

// ClaimUsage increments used_count only while the coupon is still active,
// unexpired, and under its usage cap. Returns false when the claim lost to
// a concurrent order or the coupon no longer qualifies.
func (r *Repository) ClaimUsage(ctx context.Context, couponID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND active = true", couponID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("max_uses IS NULL OR used_count < max_uses").
		Update("used_count", gorm.Expr("used_count + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseUsage hands a claimed use back, used when order creation fails
// after the claim.
func (r *Repository) ReleaseUsage(ctx context.Context, couponID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND used_count > 0", couponID).
		Update("used_count", gorm.Expr("used_count - 1")).Error
}

// DeactivateExpired flips active coupons whose expiry has passed. Returns
// the number of rows changed.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("active = true AND expires_at IS NOT NULL AND expires_at <= ?", now).
		Update("active", false)
	return result.RowsAffected, result.Error
}
