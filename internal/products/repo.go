package products

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
)

// Repository wires together product and key persistence helpers.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a repository tied to the provided GORM DB.
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

// FindByID loads the product without associations.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// FindActiveForStore loads active products by id, scoped to the store so a
// tenant cannot sell another tenant's catalog.
func (r *Repository) FindActiveForStore(ctx context.Context, storeID uuid.UUID, ids []uuid.UUID) ([]models.Product, error) {
	var rows []models.Product
	if err := r.db.WithContext(ctx).
		Where("store_id = ? AND active = true AND id IN ?", storeID, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListByStore returns the store catalog ordered by creation time.
func (r *Repository) ListByStore(ctx context.Context, storeID uuid.UUID) ([]models.Product, error) {
	var rows []models.Product
	if err := r.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Create persists a new product.
func (r *Repository) Create(ctx context.Context, product *models.Product) error {
	if product == nil {
		return fmt.Errorf("product is required")
	}
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(product).Error
}

// AddKeys appends deliverable units to the product and bumps the stock
// counter in the same statement batch.
func (r *Repository) AddKeys(ctx context.Context, productID uuid.UUID, values []string) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]models.ProductKey, len(values))
	for i, v := range values {
		keys[i] = models.ProductKey{ID: uuid.New(), ProductID: productID, KeyValue: v}
	}
	if err := r.db.WithContext(ctx).Create(&keys).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Update("stock_count", gorm.Expr("stock_count + ?", len(values))).Error
}

// IncrementSales bumps the denormalized per-product sales counter.
func (r *Repository) IncrementSales(ctx context.Context, productID uuid.UUID, qty int) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Update("sales_count", gorm.Expr("sales_count + ?", qty)).Error
}
