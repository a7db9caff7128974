package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/keylojahq/keyloja-backend/internal/gateway"
	"github.com/keylojahq/keyloja-backend/internal/reconcile"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/db/models"
	"github.com/keylojahq/keyloja-backend/pkg/enums"
	pkgerrors "github.com/keylojahq/keyloja-backend/pkg/errors"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

type pendingPaymentsReader interface {
	FindPendingPaymentsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
	MarkPaymentChecked(ctx context.Context, paymentID uuid.UUID, at time.Time) error
}

type gatewayResolver interface {
	ForProvider(provider enums.PaymentProvider) (gateway.Gateway, error)
}

// PaymentPollJobParams configure the pull-side reconciliation job.
type PaymentPollJobParams struct {
	Logger    *logger.Logger
	Payments  pendingPaymentsReader
	Gateways  gatewayResolver
	Reconcile reconcile.Service
	Config    config.PollerConfig
}

// NewPaymentPollJob builds the job that polls stale pending charges and
// feeds their provider status into reconciliation. It is the safety net
// for webhooks the provider never delivered.
func NewPaymentPollJob(params PaymentPollJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments reader required")
	}
	if params.Gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
	}
	if params.Reconcile == nil {
		return nil, fmt.Errorf("reconcile service required")
	}
	return &paymentPollJob{
		logg:      params.Logger,
		payments:  params.Payments,
		gateways:  params.Gateways,
		reconcile: params.Reconcile,
		cfg:       params.Config,
		now:       time.Now,
	}, nil
}

type paymentPollJob struct {
	logg      *logger.Logger
	payments  pendingPaymentsReader
	gateways  gatewayResolver
	reconcile reconcile.Service
	cfg       config.PollerConfig
	now       func() time.Time
}

func (j *paymentPollJob) Name() string { return "payment-poll" }

func (j *paymentPollJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.cfg.PendingOlderThan)
	payments, err := j.payments.FindPendingPaymentsBefore(ctx, cutoff, j.cfg.PendingBatchSize)
	if err != nil {
		return fmt.Errorf("listing pending payments: %w", err)
	}
	if len(payments) == 0 {
		return nil
	}

	var errs error
	for _, payment := range payments {
		if err := j.poll(ctx, payment); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
		}
	}
	return errs
}

func (j *paymentPollJob) poll(ctx context.Context, payment models.Payment) error {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"payment_id":  payment.ID.String(),
		"provider":    payment.Provider,
		"external_id": payment.ExternalID,
	})

	gw, err := j.gateways.ForProvider(payment.Provider)
	if err != nil {
		return err
	}
	charge, err := gw.GetCharge(ctx, payment.ExternalID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			// The provider no longer knows the charge; stamp the check so
			// the row stops dominating every batch.
			j.logg.Warn(logCtx, "provider does not know this charge")
			return j.payments.MarkPaymentChecked(ctx, payment.ID, j.now())
		}
		return err
	}

	if err := j.reconcile.Reconcile(ctx, payment.Provider, payment.ExternalID, charge.Status, charge.RawStatus); err != nil {
		return err
	}
	return j.payments.MarkPaymentChecked(ctx, payment.ID, j.now())
}
