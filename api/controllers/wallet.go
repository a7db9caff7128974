package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keylojahq/keyloja-backend/api/middleware"
	"github.com/keylojahq/keyloja-backend/api/responses"
	"github.com/keylojahq/keyloja-backend/api/validators"
	"github.com/keylojahq/keyloja-backend/internal/wallet"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

type createWithdrawalRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	PixKey      string `json:"pix_key" validate:"required"`
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type withdrawalResponse struct {
	ID           string     `json:"id"`
	StoreID      string     `json:"store_id"`
	AmountCents  int64      `json:"amount_cents"`
	Status       string     `json:"status"`
	PixKey       string     `json:"pix_key"`
	RejectReason *string    `json:"reject_reason,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type walletSummaryResponse struct {
	AvailableCents int64                `json:"available_cents"`
	RetainedCents  int64                `json:"retained_cents"`
	TotalInCents   int64                `json:"total_in_cents"`
	TotalOutCents  int64                `json:"total_out_cents"`
	Withdrawals    []withdrawalResponse `json:"withdrawals"`
}

func toWithdrawalResponse(w *models.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:           w.ID.String(),
		StoreID:      w.StoreID.String(),
		AmountCents:  w.AmountCents,
		Status:       w.Status.String(),
		PixKey:       w.PixKey,
		RejectReason: w.RejectReason,
		ResolvedAt:   w.ResolvedAt,
		CreatedAt:    w.CreatedAt,
	}
}

func storeIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := middleware.StoreIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "store context missing")
	}
	storeID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid store id")
	}
	return storeID, nil
}

// WalletSummary returns the store's balances and recent withdrawals.
func WalletSummary(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}

		storeID, err := storeIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		summary, err := svc.GetSummary(r.Context(), storeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := walletSummaryResponse{
			Withdrawals: make([]withdrawalResponse, 0, len(summary.Withdrawals)),
		}
		if summary.Wallet != nil {
			resp.AvailableCents = summary.Wallet.AvailableCents
			resp.RetainedCents = summary.Wallet.RetainedCents
			resp.TotalInCents = summary.Wallet.TotalInCents
			resp.TotalOutCents = summary.Wallet.TotalOutCents
		}
		for i := range summary.Withdrawals {
			resp.Withdrawals = append(resp.Withdrawals, toWithdrawalResponse(&summary.Withdrawals[i]))
		}
		responses.WriteSuccess(w, resp)
	}
}

// CreateWithdrawal opens a payout request against the store wallet.
func CreateWithdrawal(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}

		storeID, err := storeIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req createWithdrawalRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		withdrawal, err := svc.CreateWithdrawal(r.Context(), wallet.WithdrawalInput{
			StoreID:     storeID,
			AmountCents: req.AmountCents,
			PixKey:      req.PixKey,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toWithdrawalResponse(withdrawal))
	}
}

// ApproveWithdrawal settles a pending withdrawal. Platform operations only.
func ApproveWithdrawal(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}

		withdrawalID, err := parseWithdrawalID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		withdrawal, err := svc.ApproveWithdrawal(r.Context(), withdrawalID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toWithdrawalResponse(withdrawal))
	}
}

// RejectWithdrawal refuses a pending withdrawal and returns the retained
// funds. Platform operations only.
func RejectWithdrawal(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}

		withdrawalID, err := parseWithdrawalID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req rejectWithdrawalRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		withdrawal, err := svc.RejectWithdrawal(r.Context(), withdrawalID, req.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toWithdrawalResponse(withdrawal))
	}
}

func parseWithdrawalID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "withdrawalId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid withdrawal id")
	}
	return id, nil
}
