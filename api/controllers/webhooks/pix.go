package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keylojahq/keyloja-backend/api/responses"
	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/gateway/pushinpay"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

const pixWebhookConsumer = "pix-webhook"

type pixWebhookGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// mercadoPagoNotification is the slim view of Mercado Pago's webhook body.
// The notification carries no payment status; the charge is fetched back
// from the API after the signature checks out.
type mercadoPagoNotification struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// pushinPayNotification is PushinPay's webhook body, which carries the full
// charge state inline.
type pushinPayNotification struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PixWebhook receives provider payment notifications and funnels them into
// reconciliation. Unknown charges are acknowledged with 2xx so providers do
// not retry forever; reconciliation discards them.
func PixWebhook(cfg config.GatewayConfig, gateways *gateway.Registry, recon reconcile.Service, guard pixWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if gateways == nil || recon == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook pipeline unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		provider, err := enums.ParsePaymentProvider(strings.TrimSpace(chi.URLParam(r, "provider")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown provider"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		switch provider {
		case enums.PaymentProviderMercadoPago:
			handleMercadoPago(ctx, w, r, cfg, gateways, recon, guard, logg, payload)
		case enums.PaymentProviderPushinPay:
			handlePushinPay(ctx, w, r, cfg, recon, guard, logg, payload)
		default:
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unknown provider"))
		}
	}
}

func handleMercadoPago(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg config.GatewayConfig, gateways *gateway.Registry, recon reconcile.Service, guard pixWebhookGuard, logg *logger.Logger, payload []byte) {
	var note mercadoPagoNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook body"))
		return
	}
	if note.Type != "payment" || note.Data.ID.String() == "" {
		// Mercado Pago also notifies merchant_order and chargeback topics.
		responses.WriteSuccess(w, nil)
		return
	}

	if err := verifyMercadoPagoSignature(r, cfg.MercadoPagoWebhookSecret, note.Data.ID.String()); err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}

	// The delivery id is unique per notification attempt, so replays of the
	// same attempt are collapsed while later status changes still flow.
	eventID := fmt.Sprintf("%s:%s", enums.PaymentProviderMercadoPago, r.Header.Get("X-Request-Id"))

	alreadyProcessed, err := guard.CheckAndMarkProcessed(ctx, pixWebhookConsumer, eventID)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	if alreadyProcessed {
		responses.WriteSuccess(w, nil)
		return
	}

	gw, err := gateways.ForProvider(enums.PaymentProviderMercadoPago)
	if err != nil {
		_ = guard.Delete(ctx, pixWebhookConsumer, eventID)
		responses.WriteError(ctx, logg, w, err)
		return
	}
	charge, err := gw.GetCharge(ctx, note.Data.ID.String())
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			// Charge unknown to us or to the provider sandbox; acknowledge.
			responses.WriteSuccess(w, nil)
			return
		}
		_ = guard.Delete(ctx, pixWebhookConsumer, eventID)
		responses.WriteError(ctx, logg, w, err)
		return
	}

	if err := recon.Reconcile(ctx, enums.PaymentProviderMercadoPago, charge.ExternalID, charge.Status, charge.RawStatus); err != nil {
		_ = guard.Delete(ctx, pixWebhookConsumer, eventID)
		responses.WriteError(ctx, logg, w, err)
		return
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("mercadopago webhook for charge %s processed", charge.ExternalID))
	}
	responses.WriteSuccess(w, nil)
}

func handlePushinPay(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg config.GatewayConfig, recon reconcile.Service, guard pixWebhookGuard, logg *logger.Logger, payload []byte) {
	if err := verifyBodySignature(r.Header.Get("X-Webhook-Signature"), payload, cfg.PushinPayWebhookSecret); err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}

	var note pushinPayNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook body"))
		return
	}
	if note.ID == "" {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "charge id missing"))
		return
	}

	status := pushinpay.NormalizeStatus(note.Status)
	eventID := fmt.Sprintf("%s:%s:%s", enums.PaymentProviderPushinPay, note.ID, status)

	alreadyProcessed, err := guard.CheckAndMarkProcessed(ctx, pixWebhookConsumer, eventID)
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	if alreadyProcessed {
		responses.WriteSuccess(w, nil)
		return
	}

	if err := recon.Reconcile(ctx, enums.PaymentProviderPushinPay, note.ID, status, note.Status); err != nil {
		_ = guard.Delete(ctx, pixWebhookConsumer, eventID)
		responses.WriteError(ctx, logg, w, err)
		return
	}

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("pushinpay webhook for charge %s processed", note.ID))
	}
	responses.WriteSuccess(w, nil)
}

// verifyMercadoPagoSignature checks the x-signature header, which carries a
// timestamp and an HMAC over "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func verifyMercadoPagoSignature(r *http.Request, secret, dataID string) error {
	if secret == "" {
		return pkgerrors.New(pkgerrors.CodeDependency, "mercadopago webhook secret not configured")
	}

	header := r.Header.Get("x-signature")
	if header == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "signature missing")
	}

	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "signature malformed")
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", strings.ToLower(dataID), r.Header.Get("X-Request-Id"), ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return pkgerrors.New(pkgerrors.CodeForbidden, "signature mismatch")
	}
	return nil
}

// verifyBodySignature checks a hex HMAC-SHA256 of the raw request body.
func verifyBodySignature(signature string, payload []byte, secret string) error {
	if secret == "" {
		return pkgerrors.New(pkgerrors.CodeDependency, "pushinpay webhook secret not configured")
	}
	if signature == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "signature missing")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return pkgerrors.New(pkgerrors.CodeForbidden, "signature mismatch")
	}
	return nil
}
