package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
)

type storeRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Store, error)
	FindBySlug(ctx context.Context, slug string) (*models.Store, error)
}

// Service exposes store read operations used across the order path.
type Service interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Store, error)
	GetBySlug(ctx context.Context, slug string) (*models.Store, error)
	ResolveProvider(ctx context.Context, storeID uuid.UUID, requested enums.PaymentProvider) (enums.PaymentProvider, error)
}

type service struct {
	repo storeRepository
}

// NewService builds a store service with the provided repository.
func NewService(repo storeRepository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("store repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.Store, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "store id required")
	}
	store, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
		}
		return nil, err
	}
	return store, nil
}

func (s *service) GetBySlug(ctx context.Context, slug string) (*models.Store, error) {
	if slug == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "store slug required")
	}
	store, err := s.repo.FindBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
		}
		return nil, err
	}
	return store, nil
}

// ResolveProvider picks the provider for a new charge. An explicit request
// must be enabled for the store; otherwise the store default wins, and when
// both providers are enabled and no default is set the tie breaks to the
// lexically smaller provider name so retries land on the same one.
func (s *service) ResolveProvider(ctx context.Context, storeID uuid.UUID, requested enums.PaymentProvider) (enums.PaymentProvider, error) {
	store, err := s.GetByID(ctx, storeID)
	if err != nil {
		return "", err
	}

	enabled := enabledProviders(store)
	if len(enabled) == 0 {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "store has no payment provider enabled")
	}

	if requested != "" {
		if !requested.IsValid() {
			return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown payment provider %q", requested))
		}
		for _, p := range enabled {
			if p == requested {
				return requested, nil
			}
		}
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("provider %s is not enabled for this store", requested))
	}

	for _, p := range enabled {
		if p == store.DefaultProvider {
			return p, nil
		}
	}
	return enabled[0], nil
}

func enabledProviders(store *models.Store) []enums.PaymentProvider {
	// Lexical order keeps the fallback deterministic.
	var out []enums.PaymentProvider
	if store.MercadoPagoEnabled {
		out = append(out, enums.PaymentProviderMercadoPago)
	}
	if store.PushinPayEnabled {
		out = append(out, enums.PaymentProviderPushinPay)
	}
	return out
}
