// Package pushinpay implements the gateway surface on top of the PushinPay
// PIX cash-in API.
package pushinpay

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

	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

const (
	defaultBaseURL              = "https://api.pushinpay.com.br"
	responseBodyReadLimit int64 = 2048
)

var errTokenRequired = errors.New("pushinpay access token is required")

// Client talks to the PushinPay API. Amounts are sent as integer cents,
// which is PushinPay's native unit.
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

// NewClient builds the PushinPay client given an access token.
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
	return enums.PaymentProviderPushinPay
}

type cashInResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
}

// CreateCharge creates a PIX cash-in with the computed split rules attached.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "pushinpay client not configured")
	}
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}

	body := map[string]any{
		"value": req.AmountCents,
	}
	if req.NotificationURL != "" {
		body["webhook_url"] = req.NotificationURL
	}
	if len(req.Split) > 0 {
		rules := make([]map[string]any, 0, len(req.Split))
		for _, share := range req.Split {
			rules = append(rules, map[string]any{
				"account_id": share.AccountID,
				"value":      share.AmountCents,
			})
		}
		body["split_rules"] = rules
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "marshal cash-in request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("api/pix/cashIn"), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "build cash-in request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "execute cash-in request")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp, "cash-in"); err != nil {
		return nil, err
	}

	var apiResp cashInResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "decode cash-in response")
	}
	return c.toCharge(apiResp), nil
}

// GetCharge fetches the current state of a transaction.
func (c *Client) GetCharge(ctx context.Context, externalID string) (*gateway.Charge, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "pushinpay client not configured")
	}
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("api/transactions/"+trimmed), nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "build transaction lookup")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "execute transaction lookup")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found at provider")
	}
	if err := c.checkStatus(resp, "transaction lookup"); err != nil {
		return nil, err
	}

	var apiResp cashInResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, "decode transaction response")
	}
	return c.toCharge(apiResp), nil
}

func (c *Client) toCharge(resp cashInResponse) *gateway.Charge {
	return &gateway.Charge{
		Provider:      enums.PaymentProviderPushinPay,
		ExternalID:    resp.ID,
		Status:        NormalizeStatus(resp.Status),
		RawStatus:     resp.Status,
		QRCodeBase64:  resp.QRCodeBase64,
		CopyPasteCode: resp.QRCode,
	}
}

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

// NormalizeStatus maps PushinPay's status vocabulary onto the internal enum.
// PushinPay says "paid" where Mercado Pago says "approved"; both land on the
// same internal value here and nowhere else.
func NormalizeStatus(raw string) enums.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid":
		return enums.PaymentStatusApproved
	case "canceled", "cancelled":
		return enums.PaymentStatusCancelled
	case "expired":
		return enums.PaymentStatusCancelled
	case "refunded":
		return enums.PaymentStatusRefunded
	default:
		return enums.PaymentStatusPending
	}
}
