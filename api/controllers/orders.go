package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/api/responses"
	"github.com/keylojahq/keyloja-backend/api/validators"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	internalorders "github.com/keylojahq/keyloja-backend/internal/orders"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

type createOrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type createOrderRequest struct {
	StoreID          string                   `json:"store_id" validate:"required,uuid"`
	Items            []createOrderItemRequest `json:"items" validate:"required,min=1,dive"`
	CouponCode       string                   `json:"coupon_code"`
	CustomerEmail    string                   `json:"customer_email" validate:"required,email"`
	CustomerName     *string                  `json:"customer_name"`
	CustomerDocument *string                  `json:"customer_document"`
	Provider         string                   `json:"provider"`
}

type orderItemResponse struct {
	ProductID      string   `json:"product_id"`
	ProductName    string   `json:"product_name"`
	UnitPriceCents int      `json:"unit_price_cents"`
	Quantity       int      `json:"quantity"`
	LineTotalCents int      `json:"line_total_cents"`
	DeliveredKeys  []string `json:"delivered_keys,omitempty"`
}

type paymentResponse struct {
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	AmountCents   int        `json:"amount_cents"`
	QRCodeBase64  *string    `json:"qr_code_base64,omitempty"`
	CopyPasteCode *string    `json:"copy_paste_code,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

type orderResponse struct {
	ID            string              `json:"id"`
	StoreID       string              `json:"store_id"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"payment_status"`
	SubtotalCents int                 `json:"subtotal_cents"`
	DiscountCents int                 `json:"discount_cents"`
	TotalCents    int                 `json:"total_cents"`
	Provider      string              `json:"provider"`
	Items         []orderItemResponse `json:"items"`
	Payment       *paymentResponse    `json:"payment,omitempty"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	DeliveredAt   *time.Time          `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func toPaymentResponse(payment *models.Payment) *paymentResponse {
	if payment == nil {
		return nil
	}
	return &paymentResponse{
		Provider:      payment.Provider.String(),
		Status:        payment.Status.String(),
		AmountCents:   payment.AmountCents,
		QRCodeBase64:  payment.QRCodeBase64,
		CopyPasteCode: payment.CopyPasteCode,
		SettledAt:     payment.SettledAt,
	}
}

func toOrderResponse(order *models.Order, payment *models.Payment) *orderResponse {
	resp := &orderResponse{
		ID:            order.ID.String(),
		StoreID:       order.StoreID.String(),
		Status:        order.Status.String(),
		PaymentStatus: order.PaymentStatus.String(),
		SubtotalCents: order.SubtotalCents,
		DiscountCents: order.DiscountCents,
		TotalCents:    order.TotalCents,
		Provider:      order.Provider.String(),
		Payment:       toPaymentResponse(payment),
		PaidAt:        order.PaidAt,
		DeliveredAt:   order.DeliveredAt,
		CancelledAt:   order.CancelledAt,
		CreatedAt:     order.CreatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:      item.ProductID.String(),
			ProductName:    item.ProductName,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
			DeliveredKeys:  item.DeliveredKeys,
		})
	}
	return resp
}

// CreateOrder opens the order and immediately creates the PIX charge so the
// response carries the QR payload the storefront renders.
func CreateOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		storeID, err := uuid.Parse(req.StoreID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid store id"))
			return
		}

		input := internalorders.CreateOrderInput{
			StoreID:          storeID,
			CouponCode:       req.CouponCode,
			CustomerEmail:    req.CustomerEmail,
			CustomerName:     req.CustomerName,
			CustomerDocument: req.CustomerDocument,
			ClientIP:         clientIP(r),
			UserAgent:        r.UserAgent(),
		}
		if req.Provider != "" {
			provider, err := enums.ParsePaymentProvider(req.Provider)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment provider"))
				return
			}
			input.Provider = provider
		}
		for _, item := range req.Items {
			productID, err := uuid.Parse(item.ProductID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid product id"))
				return
			}
			input.Items = append(input.Items, internalorders.OrderItemInput{
				ProductID: productID,
				Quantity:  item.Quantity,
			})
		}

		order, err := svc.CreateOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.ProcessPayment(r.Context(), order.ID)
		if err != nil {
			// The order survives a gateway failure; surface its id so the
			// client can resume via check-payment once the charge exists.
			typed := pkgerrors.As(err)
			if typed != nil {
				err = typed.WithDetails(map[string]any{"order_id": order.ID.String()})
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, toOrderResponse(order, payment))
	}
}

// OrderDetail returns the order with its items and charge state.
func OrderDetail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order, order.Payment))
	}
}

// DeliverOrder retries key delivery for a paid order that previously hit a
// stock shortfall.
func DeliverOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.DeliverOrder(r.Context(), orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order, order.Payment))
	}
}

// CheckPayment polls the provider for the order's charge and feeds the result
// through reconciliation. It is the storefront's "I already paid" button.
func CheckPayment(repo *internalorders.Repository, gateways *gateway.Registry, recon reconcile.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || gateways == nil || recon == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment check unavailable"))
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := repo.FindPaymentByOrder(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order has no payment"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment"))
			return
		}

		gw, err := gateways.ForProvider(payment.Provider)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		charge, err := gw.GetCharge(r.Context(), payment.ExternalID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := recon.Reconcile(r.Context(), payment.Provider, payment.ExternalID, charge.Status, charge.RawStatus); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		refreshed, err := repo.FindPaymentByOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment"))
			return
		}
		responses.WriteSuccess(w, toPaymentResponse(refreshed))
	}
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return orderID, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}
