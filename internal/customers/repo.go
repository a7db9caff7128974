package customers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
)

// Repository handles buyer persistence scoped to a store.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds a GORM DB to customer operations.
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

// FindByID loads a customer by its UUID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).First(&customer, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindOrCreate resolves the customer for a store/email pair, creating the
// row on first purchase. Email is normalized to lower case so repeat buyers
// collapse onto one record.
func (r *Repository) FindOrCreate(ctx context.Context, storeID uuid.UUID, email string, name, document *string) (*models.Customer, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return nil, fmt.Errorf("customer email required")
	}

	var customer models.Customer
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND email = ?", storeID, normalized).
		First(&customer).Error
	if err == nil {
		return &customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	customer = models.Customer{
		ID:       uuid.New(),
		StoreID:  storeID,
		Email:    normalized,
		Name:     name,
		Document: document,
	}
	if err := r.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// IncrementLifetime bumps the buyer's lifetime totals after a delivery.
func (r *Repository) IncrementLifetime(ctx context.Context, customerID uuid.UUID, amountCents int) error {
	return r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", customerID).
		Updates(map[string]any{
			"lifetime_spend_cents": gorm.Expr("lifetime_spend_cents + ?", amountCents),
			"lifetime_orders":      gorm.Expr("lifetime_orders + ?", 1),
		}).Error
}
