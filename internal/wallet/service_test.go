package wallet

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

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

type testEnv struct {
	db    *gorm.DB
	svc   Service
	repo  *Repository
	store *models.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := "file:wallet_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Store{}, &models.Wallet{}, &models.Withdrawal{}, &models.OutboxEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := &models.Store{
		ID:          uuid.New(),
		Name:        "Acme Keys",
		Slug:        "acme",
		OwnerEmail:  "owner@acme.test",
		KYCVerified: true,
	}
	if err := db.Create(store).Error; err != nil {
		t.Fatalf("seed store: %v", err)
	}

	repo := NewRepository(db)
	cfg := config.WithdrawalConfig{MinAmountCents: 1000, MaxAmountCents: 500000, DailyLimit: 3}
	svc, err := NewService(cfg, repo, stores.NewRepository(db), &testTxRunner{db: db}, outbox.NewService(outbox.NewRepository(db), nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &testEnv{db: db, svc: svc, repo: repo, store: store}
}

func (e *testEnv) credit(t *testing.T, amount int64) {
	t.Helper()
	err := e.db.Transaction(func(tx *gorm.DB) error {
		return e.svc.CreditOnSale(context.Background(), tx, e.store.ID, amount)
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (e *testEnv) wallet(t *testing.T) *models.Wallet {
	t.Helper()
	wallet, err := e.repo.FindByStore(context.Background(), e.store.ID)
	if err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	return wallet
}

func TestCreditOnSaleAccumulates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.credit(t, 5000)
	env.credit(t, 2500)

	wallet := env.wallet(t)
	if wallet.AvailableCents != 7500 || wallet.TotalInCents != 7500 {
		t.Fatalf("wallet after credits: %+v", wallet)
	}
	if wallet.RetainedCents != 0 {
		t.Fatalf("retained = %d, want 0", wallet.RetainedCents)
	}
}

func TestCreditOnSaleRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	err := env.db.Transaction(func(tx *gorm.DB) error {
		return env.svc.CreditOnSale(context.Background(), tx, env.store.ID, 0)
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateWithdrawalMovesFundsToRetained(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)

	withdrawal, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID:     env.store.ID,
		AmountCents: 10000,
		PixKey:      "owner@acme.test",
	})
	if err != nil {
		t.Fatalf("CreateWithdrawal: %v", err)
	}
	if withdrawal.Status != enums.WithdrawalStatusPending {
		t.Fatalf("status = %q, want pending", withdrawal.Status)
	}

	wallet := env.wallet(t)
	if wallet.AvailableCents != 0 || wallet.RetainedCents != 10000 {
		t.Fatalf("wallet after reserve: %+v", wallet)
	}

	var events int64
	err = env.db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", enums.EventWithdrawalRequested).Count(&events).Error
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("withdrawal_requested events = %d, want 1", events)
	}
}

func TestCreateWithdrawalRejectsInsufficientFunds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 5000)

	_, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID:     env.store.ID,
		AmountCents: 6000,
		PixKey:      "owner@acme.test",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	wallet := env.wallet(t)
	if wallet.AvailableCents != 5000 || wallet.RetainedCents != 0 {
		t.Fatalf("failed request must not move funds: %+v", wallet)
	}

	var count int64
	if err := env.db.Model(&models.Withdrawal{}).Count(&count).Error; err != nil {
		t.Fatalf("count withdrawals: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d withdrawals", count)
	}
}

func TestCreateWithdrawalSecondRequestSeesCommittedBalance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)

	first, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 10000, PixKey: "owner@acme.test",
	})
	if err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	if first.AmountCents != 10000 {
		t.Fatalf("first amount = %d", first.AmountCents)
	}

	_, err = env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 5000, PixKey: "owner@acme.test",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds) {
		t.Fatalf("second withdrawal must see the drained balance, got %v", err)
	}
}

func TestCreateWithdrawalEnforcesBoundsAndLimits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 1000000)

	cases := []struct {
		name   string
		amount int64
		code   pkgerrors.Code
	}{
		{"below minimum", 500, pkgerrors.CodeValidation},
		{"above maximum", 600000, pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
				StoreID: env.store.ID, AmountCents: tc.amount, PixKey: "owner@acme.test",
			})
			if !pkgerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	for i := 0; i < 3; i++ {
		_, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
			StoreID: env.store.ID, AmountCents: 1000, PixKey: "owner@acme.test",
		})
		if err != nil {
			t.Fatalf("withdrawal %d: %v", i+1, err)
		}
	}
	_, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 1000, PixKey: "owner@acme.test",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected daily limit conflict, got %v", err)
	}
}

func TestCreateWithdrawalRequiresVerifiedStore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)
	if err := env.db.Model(&models.Store{}).Where("id = ?", env.store.ID).Update("kyc_verified", false).Error; err != nil {
		t.Fatalf("unset kyc: %v", err)
	}

	_, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 5000, PixKey: "owner@acme.test",
	})
	if !pkgerrors.IsCode(err, pkgerrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestApproveWithdrawalBurnsRetainedFunds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)
	withdrawal, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 8000, PixKey: "owner@acme.test",
	})
	if err != nil {
		t.Fatalf("CreateWithdrawal: %v", err)
	}

	approved, err := env.svc.ApproveWithdrawal(context.Background(), withdrawal.ID)
	if err != nil {
		t.Fatalf("ApproveWithdrawal: %v", err)
	}
	if approved.Status != enums.WithdrawalStatusApproved || approved.ResolvedAt == nil {
		t.Fatalf("unexpected resolution: %+v", approved)
	}

	wallet := env.wallet(t)
	if wallet.AvailableCents != 2000 || wallet.RetainedCents != 0 || wallet.TotalOutCents != 8000 {
		t.Fatalf("wallet after approval: %+v", wallet)
	}

	if _, err := env.svc.ApproveWithdrawal(context.Background(), withdrawal.ID); !pkgerrors.IsCode(err, pkgerrors.CodeAlreadyProcessed) {
		t.Fatalf("re-approval must fail, got %v", err)
	}
}

func TestRejectWithdrawalReturnsFunds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)
	withdrawal, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
		StoreID: env.store.ID, AmountCents: 8000, PixKey: "owner@acme.test",
	})
	if err != nil {
		t.Fatalf("CreateWithdrawal: %v", err)
	}

	if _, err := env.svc.RejectWithdrawal(context.Background(), withdrawal.ID, ""); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("blank reason must be rejected, got %v", err)
	}

	rejected, err := env.svc.RejectWithdrawal(context.Background(), withdrawal.ID, "pix key does not match owner")
	if err != nil {
		t.Fatalf("RejectWithdrawal: %v", err)
	}
	if rejected.Status != enums.WithdrawalStatusRejected {
		t.Fatalf("status = %q, want rejected", rejected.Status)
	}
	if rejected.RejectReason == nil || *rejected.RejectReason == "" {
		t.Fatalf("reason not stored: %+v", rejected)
	}

	wallet := env.wallet(t)
	if wallet.AvailableCents != 10000 || wallet.RetainedCents != 0 {
		t.Fatalf("wallet after rejection: %+v", wallet)
	}
	if wallet.TotalOutCents != 0 {
		t.Fatalf("rejection must not record an outflow: %+v", wallet)
	}

	if _, err := env.svc.RejectWithdrawal(context.Background(), withdrawal.ID, "again"); !pkgerrors.IsCode(err, pkgerrors.CodeAlreadyProcessed) {
		t.Fatalf("re-rejection must fail, got %v", err)
	}
}

func TestGetSummaryListsRecentWithdrawals(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.credit(t, 10000)
	for i := 0; i < 2; i++ {
		if _, err := env.svc.CreateWithdrawal(context.Background(), WithdrawalInput{
			StoreID: env.store.ID, AmountCents: 2000, PixKey: "owner@acme.test",
		}); err != nil {
			t.Fatalf("withdrawal %d: %v", i+1, err)
		}
	}

	summary, err := env.svc.GetSummary(context.Background(), env.store.ID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.Wallet.AvailableCents != 6000 || summary.Wallet.RetainedCents != 4000 {
		t.Fatalf("summary wallet: %+v", summary.Wallet)
	}
	if len(summary.Withdrawals) != 2 {
		t.Fatalf("withdrawals listed = %d, want 2", len(summary.Withdrawals))
	}
}
