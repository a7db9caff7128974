// Package mercadopago implements the gateway surface on top of the Mercado
// Pago payments API, using PIX as the payment method.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

const (
	defaultBaseURL              = "https://api.mercadopago.com"
	responseBodyReadLimit int64 = 2048
)

var errTokenRequired = errors.New("mercado pago access token is required")

// Client talks to the Mercado Pago payments API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient builds the Mercado Pago client given an access token.
func NewClient(token string, opts ...Option) (*Client, error) {
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, errTokenRequired
	}

	client := &Client{
		token:      trimmedToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Provider identifies this client to the gateway registry.
func (c *Client) Provider() enums.PaymentProvider {
	return enums.PaymentProviderMercadoPago
}

type paymentResponse struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// CreateCharge creates a PIX payment. Mercado Pago takes the split as a
// single collector-side fee, so the computed shares are aggregated into
// application_fee; per-payee settlement happens on the provider side from
// the collector account.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "mercado pago client not configured")
	}
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}

	feeCents := 0
	for _, share := range req.Split {
		feeCents += share.AmountCents
	}

	body := map[string]any{
		"transaction_amount": centsToAmount(req.AmountCents),
		"description":        req.Description,
		"payment_method_id":  "pix",
		"external_reference": req.ReferenceID,
		"payer":              map[string]any{"email": req.CustomerEmail},
	}
	if feeCents > 0 {
		body["application_fee"] = centsToAmount(feeCents)
	}
	if req.NotificationURL != "" {
		body["notification_url"] = req.NotificationURL
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "marshal payment request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("v1/payments"), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "build payment request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if req.ReferenceID != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.ReferenceID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "execute payment request")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp, "create payment"); err != nil {
		return nil, err
	}

	var apiResp paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "decode payment response")
	}
	return c.toCharge(apiResp), nil
}

// GetCharge fetches the current state of a payment.
func (c *Client) GetCharge(ctx context.Context, externalID string) (*gateway.Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "mercado pago client not configured")
	}
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("v1/payments/"+trimmed), nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "build payment lookup")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "execute payment lookup")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found at provider")
	}
	if err := c.checkStatus(resp, "payment lookup"); err != nil {
		return nil, err
	}

	var apiResp paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "decode payment response")
	}
	return c.toCharge(apiResp), nil
}

func (c *Client) toCharge(resp paymentResponse) *gateway.Charge {
	return &gateway.Charge{
		Provider:      enums.PaymentProviderMercadoPago,
		ExternalID:    resp.ID.String(),
		Status:        NormalizeStatus(resp.Status),
		RawStatus:     resp.Status,
		QRCodeBase64:  resp.PointOfInteraction.TransactionData.QRCodeBase64,
		CopyPasteCode: resp.PointOfInteraction.TransactionData.QRCode,
		TicketURL:     resp.PointOfInteraction.TransactionData.TicketURL,
	}
}

// checkStatus maps HTTP failures onto the retryable/terminal divide. Auth
// and validation rejections are terminal; everything else is retryable.
func (c *Client) checkStatus(resp *http.Response, action string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return pkgerrors.Wrap(pkgerrors.CodeGatewayRejected, cause, action+" rejected")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, cause, action+" failed")
	}
}

func (c *Client) buildURL(path string) string {
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// NormalizeStatus maps Mercado Pago's status vocabulary onto the internal
// enum. Unknown values stay pending so a new provider status never flips an
// order on its own.
func NormalizeStatus(raw string) enums.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return enums.PaymentStatusApproved
	case "rejected":
		return enums.PaymentStatusRejected
	case "cancelled":
		return enums.PaymentStatusCancelled
	case "refunded", "charged_back":
		return enums.PaymentStatusRefunded
	default:
		return enums.PaymentStatusPending
	}
}

func centsToAmount(cents int) float64 {
	amount, _ := decimal.NewFromInt(int64(cents)).Div(decimal.NewFromInt(100)).Float64()
	return amount
}
