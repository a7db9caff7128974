package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

// Repository handles wallet and withdrawal persistence. Every balance move
// is a conditional UPDATE so neither side of the ledger can go negative,
// even under concurrent callers.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds a GORM DB to wallet operations.
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

// FindOrCreate returns the store's wallet, creating an empty one on first
// touch. Concurrent creates converge on the store_id unique index.
func (r *Repository) FindOrCreate(ctx context.Context, storeID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).Where("store_id = ?", storeID).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	wallet = models.Wallet{ID: uuid.New(), StoreID: storeID}
	if err := r.db.WithContext(ctx).Create(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// FindByStore loads a store's wallet.
func (r *Repository) FindByStore(ctx context.Context, storeID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).Where("store_id = ?", storeID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Credit adds funds to the available side and bumps the lifetime inflow.
func (r *Repository) Credit(ctx context.Context, walletID uuid.UUID, amountCents int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ?", walletID).
		Updates(map[string]any{
			"available_cents": gorm.Expr("available_cents + ?", amountCents),
			"total_in_cents":  gorm.Expr("total_in_cents + ?", amountCents),
		}).Error
}

// Reserve moves funds from available to retained. Returns false when the
// available balance cannot cover the amount; it never drives either side
// negative.
func (r *Repository) Reserve(ctx context.Context, walletID uuid.UUID, amountCents int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ? AND available_cents >= ?", walletID, amountCents).
		Updates(map[string]any{
			"available_cents": gorm.Expr("available_cents - ?", amountCents),
			"retained_cents":  gorm.Expr("retained_cents + ?", amountCents),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Settle burns retained funds after an approved payout and records the
// outflow. Returns false when the retained balance does not cover it.
func (r *Repository) Settle(ctx context.Context, walletID uuid.UUID, amountCents int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ? AND retained_cents >= ?", walletID, amountCents).
		Updates(map[string]any{
			"retained_cents":  gorm.Expr("retained_cents - ?", amountCents),
			"total_out_cents": gorm.Expr("total_out_cents + ?", amountCents),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Release hands retained funds back to available after a rejected payout.
func (r *Repository) Release(ctx context.Context, walletID uuid.UUID, amountCents int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ? AND retained_cents >= ?", walletID, amountCents).
		Updates(map[string]any{
			"retained_cents":  gorm.Expr("retained_cents - ?", amountCents),
			"available_cents": gorm.Expr("available_cents + ?", amountCents),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreateWithdrawal persists a new payout request.
func (r *Repository) CreateWithdrawal(ctx context.Context, withdrawal *models.Withdrawal) error {
	if withdrawal.ID == uuid.Nil {
		withdrawal.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(withdrawal).Error
}

// FindWithdrawal loads one withdrawal by id.
func (r *Repository) FindWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	if err := r.db.WithContext(ctx).First(&withdrawal, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

// ListWithdrawals returns a store's payout requests, newest first.
func (r *Repository) ListWithdrawals(ctx context.Context, storeID uuid.UUID, limit int) ([]models.Withdrawal, error) {
	if limit <= 0 {
		limit = 20
	}
	var withdrawals []models.Withdrawal
	err := r.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Order("created_at DESC").
		Limit(limit).
		Find(&withdrawals).Error
	return withdrawals, err
}

// CountWithdrawalsSince counts a store's requests created at or after the
// cutoff, used for the daily request limit.
func (r *Repository) CountWithdrawalsSince(ctx context.Context, storeID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Withdrawal{}).
		Where("store_id = ? AND created_at >= ?", storeID, since).
		Count(&count).Error
	return count, err
}

// ResolveWithdrawal moves a pending withdrawal to a terminal status.
// Returns false when the row was already resolved by someone else.
func (r *Repository) ResolveWithdrawal(ctx context.Context, id uuid.UUID, status enums.WithdrawalStatus, reason *string, resolvedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Withdrawal{}).
		Where("id = ? AND status IN ?", id, []enums.WithdrawalStatus{
			enums.WithdrawalStatusPending,
			enums.WithdrawalStatusProcessing,
		}).
		Updates(map[string]any{
			"status":        status,
			"reject_reason": reason,
			"resolved_at":   resolvedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
