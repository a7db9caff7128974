package gateway

import (
	"context"
	"fmt"
	"sort"

	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

// SplitShare is one payee's absolute cut of a charge, already resolved from
// percentages to cents so providers receive unambiguous amounts.
type SplitShare struct {
	AccountID   string `json:"account_id"`
	AmountCents int    `json:"amount_cents"`
}

// ChargeRequest describes the PIX charge to create. Amounts are integer
// cents; conversion to a provider's unit happens inside each client.
type ChargeRequest struct {
	AmountCents     int
	Description     string
	ReferenceID     string
	CustomerEmail   string
	NotificationURL string
	Split           []SplitShare
}

// Charge is the normalized view of a provider charge. RawStatus keeps the
// provider's own vocabulary for audit; Status is what the rest of the system
// branches on.
type Charge struct {
	Provider      enums.PaymentProvider
	ExternalID    string
	Status        enums.PaymentStatus
	RawStatus     string
	QRCodeBase64  string
	CopyPasteCode string
	TicketURL     string
}

// Gateway is the uniform surface over the PIX providers. Adding a provider
// means writing a client that satisfies this interface and normalizes its
// status vocabulary; nothing upstream changes.
type Gateway interface {
	Provider() enums.PaymentProvider
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetCharge(ctx context.Context, externalID string) (*Charge, error)
}

// Registry holds the gateways whose credentials are configured on this
// deployment. Per-store enablement is checked separately against the store
// record.
type Registry struct {
	gateways map[enums.PaymentProvider]Gateway
}

// NewRegistry indexes the provided gateways by provider.
func NewRegistry(gateways ...Gateway) *Registry {
	index := make(map[enums.PaymentProvider]Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		index[gw.Provider()] = gw
	}
	return &Registry{gateways: index}
}

// ForProvider returns the gateway for the provider, or a dependency error
// when its credentials are not configured on this deployment.
func (r *Registry) ForProvider(provider enums.PaymentProvider) (Gateway, error) {
	if r == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway registry not configured")
	}
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("payment provider %s is not configured", provider))
	}
	return gw, nil
}

// Enabled lists the configured providers in lexical order, which is also the
// deterministic tie-break order used when a store has no preference.
func (r *Registry) Enabled() []enums.PaymentProvider {
	if r == nil {
		return nil
	}
	providers := make([]enums.PaymentProvider, 0, len(r.gateways))
	for provider := range r.gateways {
		providers = append(providers, provider)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}
