package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
)

type reconcileCall struct {
	provider   enums.PaymentProvider
	externalID string
	status     enums.PaymentStatus
	rawStatus  string
}

type fakeReconciler struct {
	calls []reconcileCall
	err   error
}

var _ reconcile.Service = (*fakeReconciler)(nil)

func (f *fakeReconciler) Reconcile(_ context.Context, provider enums.PaymentProvider, externalID string, status enums.PaymentStatus, rawStatus string) error {
	f.calls = append(f.calls, reconcileCall{provider: provider, externalID: externalID, status: status, rawStatus: rawStatus})
	return f.err
}

type fakeWebhookGuard struct {
	seen    map[string]bool
	deleted []string
}

func newFakeWebhookGuard() *fakeWebhookGuard {
	return &fakeWebhookGuard{seen: map[string]bool{}}
}

func (f *fakeWebhookGuard) CheckAndMarkProcessed(_ context.Context, consumer, eventID string) (bool, error) {
	key := consumer + ":" + eventID
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

func (f *fakeWebhookGuard) Delete(_ context.Context, consumer, eventID string) error {
	key := consumer + ":" + eventID
	delete(f.seen, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeMercadoPagoGateway struct {
	charge *gateway.Charge
	err    error
}

func (f *fakeMercadoPagoGateway) Provider() enums.PaymentProvider {
	return enums.PaymentProviderMercadoPago
}

func (f *fakeMercadoPagoGateway) CreateCharge(context.Context, gateway.ChargeRequest) (*gateway.Charge, error) {
	panic("not implemented")
}

func (f *fakeMercadoPagoGateway) GetCharge(context.Context, string) (*gateway.Charge, error) {
	return f.charge, f.err
}

func newPixRouter(cfg config.GatewayConfig, gateways *gateway.Registry, recon *fakeReconciler, guard *fakeWebhookGuard) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/webhooks/pix/{provider}", PixWebhook(cfg, gateways, recon, guard, nil))
	return r
}

func signBody(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPushinPayWebhookFeedsReconcile(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{PushinPayWebhookSecret: "whsec-pp"}
	router := newPixRouter(cfg, gateway.NewRegistry(), recon, guard)

	payload := []byte(`{"id":"pp-123","status":"paid"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", signBody("whsec-pp", payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(recon.calls) != 1 {
		t.Fatalf("expected one reconcile call, got %d", len(recon.calls))
	}
	call := recon.calls[0]
	if call.provider != enums.PaymentProviderPushinPay || call.externalID != "pp-123" {
		t.Fatalf("unexpected reconcile call %+v", call)
	}
	if call.status != enums.PaymentStatusApproved || call.rawStatus != "paid" {
		t.Fatalf("expected normalized approved/paid, got %+v", call)
	}
}

func TestPushinPayWebhookReplayIsCollapsed(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{PushinPayWebhookSecret: "whsec-pp"}
	router := newPixRouter(cfg, gateway.NewRegistry(), recon, guard)

	payload := []byte(`{"id":"pp-123","status":"paid"}`)
	signature := signBody("whsec-pp", payload)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
		req.Header.Set("X-Webhook-Signature", signature)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("replay %d: expected 200, got %d", i, rec.Code)
		}
	}

	if len(recon.calls) != 1 {
		t.Fatalf("expected replays collapsed to one reconcile call, got %d", len(recon.calls))
	}
}

func TestPushinPayWebhookStatusChangeStillFlows(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{PushinPayWebhookSecret: "whsec-pp"}
	router := newPixRouter(cfg, gateway.NewRegistry(), recon, guard)

	for _, raw := range []string{"created", "paid"} {
		payload := []byte(fmt.Sprintf(`{"id":"pp-123","status":%q}`, raw))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
		req.Header.Set("X-Webhook-Signature", signBody("whsec-pp", payload))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %s: expected 200, got %d", raw, rec.Code)
		}
	}

	if len(recon.calls) != 2 {
		t.Fatalf("expected distinct statuses to reconcile separately, got %d calls", len(recon.calls))
	}
}

func TestPushinPayWebhookRejectsBadSignature(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{PushinPayWebhookSecret: "whsec-pp"}
	router := newPixRouter(cfg, gateway.NewRegistry(), recon, guard)

	payload := []byte(`{"id":"pp-123","status":"paid"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rec.Code)
	}
	if len(recon.calls) != 0 {
		t.Fatalf("reconcile should not run on bad signature")
	}
}

func TestPushinPayWebhookReleasesGuardOnReconcileFailure(t *testing.T) {
	recon := &fakeReconciler{err: fmt.Errorf("db down")}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{PushinPayWebhookSecret: "whsec-pp"}
	router := newPixRouter(cfg, gateway.NewRegistry(), recon, guard)

	payload := []byte(`{"id":"pp-123","status":"paid"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", signBody("whsec-pp", payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected error status, got 200")
	}
	if len(guard.deleted) != 1 {
		t.Fatalf("expected guard marker released, deleted=%v", guard.deleted)
	}

	// The provider retries and this time reconciliation succeeds.
	recon.err = nil
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/pushinpay", bytes.NewReader(payload))
	req2.Header.Set("X-Webhook-Signature", signBody("whsec-pp", payload))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rec2.Code)
	}
	if len(recon.calls) != 2 {
		t.Fatalf("expected reconcile retried, got %d calls", len(recon.calls))
	}
}

func TestMercadoPagoWebhookFetchesChargeAndReconciles(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{MercadoPagoWebhookSecret: "whsec-mp"}
	gw := &fakeMercadoPagoGateway{charge: &gateway.Charge{
		Provider:   enums.PaymentProviderMercadoPago,
		ExternalID: "9001",
		Status:     enums.PaymentStatusApproved,
		RawStatus:  "approved",
	}}
	router := newPixRouter(cfg, gateway.NewRegistry(gw), recon, guard)

	payload := []byte(`{"action":"payment.updated","type":"payment","data":{"id":9001}}`)
	requestID := "delivery-1"
	ts := "1704908010"

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", "9001", requestID, ts)
	mac := hmac.New(sha256.New, []byte("whsec-mp"))
	mac.Write([]byte(manifest))
	signature := fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/mercadopago", bytes.NewReader(payload))
	req.Header.Set("x-signature", signature)
	req.Header.Set("X-Request-Id", requestID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(recon.calls) != 1 {
		t.Fatalf("expected one reconcile call, got %d", len(recon.calls))
	}
	if recon.calls[0].externalID != "9001" || recon.calls[0].status != enums.PaymentStatusApproved {
		t.Fatalf("unexpected reconcile call %+v", recon.calls[0])
	}
}

func TestMercadoPagoWebhookRejectsBadSignature(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{MercadoPagoWebhookSecret: "whsec-mp"}
	router := newPixRouter(cfg, gateway.NewRegistry(&fakeMercadoPagoGateway{}), recon, guard)

	payload := []byte(`{"action":"payment.updated","type":"payment","data":{"id":9001}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/mercadopago", bytes.NewReader(payload))
	req.Header.Set("x-signature", "ts=1,v1=bogus")
	req.Header.Set("X-Request-Id", "delivery-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(recon.calls) != 0 {
		t.Fatalf("reconcile should not run on bad signature")
	}
}

func TestMercadoPagoWebhookIgnoresNonPaymentTopics(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	cfg := config.GatewayConfig{MercadoPagoWebhookSecret: "whsec-mp"}
	router := newPixRouter(cfg, gateway.NewRegistry(&fakeMercadoPagoGateway{}), recon, guard)

	payload := []byte(`{"action":"merchant_order.updated","type":"merchant_order","data":{"id":"55"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/mercadopago", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", rec.Code)
	}
	if len(recon.calls) != 0 {
		t.Fatalf("reconcile should not run for non-payment topics")
	}
}

func TestPixWebhookRejectsUnknownProvider(t *testing.T) {
	recon := &fakeReconciler{}
	guard := newFakeWebhookGuard()
	router := newPixRouter(config.GatewayConfig{}, gateway.NewRegistry(), recon, guard)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/pix/paypal", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
