package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/internal/stores"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/outbox"
	"github.com/keylojahq/keyloja-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// WithdrawalInput is a merchant payout request.
type WithdrawalInput struct {
	StoreID     uuid.UUID
	AmountCents int64
	PixKey      string
}

// Summary is the merchant-facing view of a wallet.
type Summary struct {
	Wallet      *models.Wallet
	Withdrawals []models.Withdrawal
}

// Service is the ledger for merchant earnings. Credits come only from the
// payment reconciliation path; debits only through the withdrawal state
// machine.
type Service interface {
	CreditOnSale(ctx context.Context, tx *gorm.DB, storeID uuid.UUID, amountCents int64) error
	CreateWithdrawal(ctx context.Context, input WithdrawalInput) (*models.Withdrawal, error)
	ApproveWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error)
	GetSummary(ctx context.Context, storeID uuid.UUID) (*Summary, error)
}

type service struct {
	cfg       config.WithdrawalConfig
	repo      *Repository
	storeRepo *stores.Repository
	tx        txRunner
	outbox    outboxPublisher
	now       func() time.Time
}

// NewService builds the wallet ledger.
func NewService(cfg config.WithdrawalConfig, repo *Repository, storeRepo *stores.Repository, tx txRunner, publisher outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("wallet repository required")
	}
	if storeRepo == nil {
		return nil, fmt.Errorf("stores repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		cfg:       cfg,
		repo:      repo,
		storeRepo: storeRepo,
		tx:        tx,
		outbox:    publisher,
		now:       time.Now,
	}, nil
}

// CreditOnSale adds settled sale proceeds to the store's available balance.
// It runs inside the caller's payment-transition transaction; the payment
// status change is what guards against double credit, so this method itself
// stays unconditional.
func (s *service) CreditOnSale(ctx context.Context, tx *gorm.DB, storeID uuid.UUID, amountCents int64) error {
	if amountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "credit amount must be positive")
	}
	repo := s.repo.WithTx(tx)
	wallet, err := repo.FindOrCreate(ctx, storeID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading wallet")
	}
	if err := repo.Credit(ctx, wallet.ID, amountCents); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "crediting wallet")
	}
	return nil
}

// CreateWithdrawal opens a payout request. The available balance check and
// the move to retained are one conditional update, so two concurrent
// requests can never both spend the same funds.
func (s *service) CreateWithdrawal(ctx context.Context, input WithdrawalInput) (*models.Withdrawal, error) {
	if input.PixKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "pix key required")
	}
	if input.AmountCents < int64(s.cfg.MinAmountCents) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("withdrawal amount below minimum of %d cents", s.cfg.MinAmountCents))
	}
	if input.AmountCents > int64(s.cfg.MaxAmountCents) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("withdrawal amount above maximum of %d cents", s.cfg.MaxAmountCents))
	}

	store, err := s.storeRepo.FindByID(ctx, input.StoreID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading store")
	}
	if !store.KYCVerified {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "store has not completed identity verification")
	}

	dayStart := s.now().Truncate(24 * time.Hour)
	count, err := s.repo.CountWithdrawalsSince(ctx, input.StoreID, dayStart)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "counting withdrawals")
	}
	if count >= int64(s.cfg.DailyLimit) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "daily withdrawal limit reached")
	}

	var withdrawal *models.Withdrawal
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		wallet, err := repo.FindOrCreate(ctx, input.StoreID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading wallet")
		}
		reserved, err := repo.Reserve(ctx, wallet.ID, input.AmountCents)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reserving funds")
		}
		if !reserved {
			return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "available balance does not cover the withdrawal")
		}
		withdrawal = &models.Withdrawal{
			ID:          uuid.New(),
			StoreID:     input.StoreID,
			WalletID:    wallet.ID,
			AmountCents: input.AmountCents,
			Status:      enums.WithdrawalStatusPending,
			PixKey:      input.PixKey,
		}
		if err := repo.CreateWithdrawal(ctx, withdrawal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating withdrawal")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventWithdrawalRequested,
			AggregateType: enums.AggregateWithdrawal,
			AggregateID:   withdrawal.ID,
			Data: payloads.WithdrawalRequestedEvent{
				WithdrawalID: withdrawal.ID,
				StoreID:      input.StoreID,
				AmountCents:  input.AmountCents,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// ApproveWithdrawal settles a pending payout: the retained funds leave the
// platform. Re-approving a resolved withdrawal fails rather than moving
// money twice.
func (s *service) ApproveWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	return s.resolve(ctx, withdrawalID, enums.WithdrawalStatusApproved, nil)
}

// RejectWithdrawal returns retained funds to the available balance. The
// reason is mandatory and stored on the withdrawal.
func (s *service) RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error) {
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rejection reason required")
	}
	return s.resolve(ctx, withdrawalID, enums.WithdrawalStatusRejected, &reason)
}

func (s *service) resolve(ctx context.Context, withdrawalID uuid.UUID, status enums.WithdrawalStatus, reason *string) (*models.Withdrawal, error) {
	var resolved *models.Withdrawal
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		withdrawal, err := repo.FindWithdrawal(ctx, withdrawalID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "withdrawal not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading withdrawal")
		}
		if withdrawal.Status.IsResolved() {
			return pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "withdrawal already resolved")
		}

		now := s.now()
		moved, err := repo.ResolveWithdrawal(ctx, withdrawalID, status, reason, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolving withdrawal")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "withdrawal already resolved")
		}

		var ok bool
		switch status {
		case enums.WithdrawalStatusApproved:
			ok, err = repo.Settle(ctx, withdrawal.WalletID, withdrawal.AmountCents)
		case enums.WithdrawalStatusRejected:
			ok, err = repo.Release(ctx, withdrawal.WalletID, withdrawal.AmountCents)
		default:
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("status %q is not a resolution", status))
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "moving retained funds")
		}
		if !ok {
			// Retained funds should always cover a pending withdrawal;
			// anything else means the ledger drifted.
			return pkgerrors.New(pkgerrors.CodeInternal, "retained balance does not cover the withdrawal")
		}

		withdrawal.Status = status
		withdrawal.RejectReason = reason
		withdrawal.ResolvedAt = &now
		resolved = withdrawal

		event := payloads.WithdrawalResolvedEvent{
			WithdrawalID: withdrawal.ID,
			StoreID:      withdrawal.StoreID,
			AmountCents:  withdrawal.AmountCents,
			Status:       status,
		}
		if reason != nil {
			event.Reason = *reason
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventWithdrawalResolved,
			AggregateType: enums.AggregateWithdrawal,
			AggregateID:   withdrawal.ID,
			Data:          event,
		})
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// GetSummary returns the wallet balances plus recent withdrawals.
func (s *service) GetSummary(ctx context.Context, storeID uuid.UUID) (*Summary, error) {
	wallet, err := s.repo.FindOrCreate(ctx, storeID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading wallet")
	}
	withdrawals, err := s.repo.ListWithdrawals(ctx, storeID, 20)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing withdrawals")
	}
	return &Summary{Wallet: wallet, Withdrawals: withdrawals}, nil
}
