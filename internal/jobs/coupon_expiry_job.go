package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

type couponDeactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// NewCouponExpiryJob builds the sweep that deactivates coupons whose
// window has closed. ClaimUsage already refuses expired coupons; the sweep
// just keeps merchant dashboards honest.
func NewCouponExpiryJob(logg *logger.Logger, coupons couponDeactivator) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if coupons == nil {
		return nil, fmt.Errorf("coupons repository required")
	}
	return &couponExpiryJob{logg: logg, coupons: coupons, now: time.Now}, nil
}

type couponExpiryJob struct {
	logg    *logger.Logger
	coupons couponDeactivator
	now     func() time.Time
}

func (j *couponExpiryJob) Name() string { return "coupon-expiry" }

func (j *couponExpiryJob) Run(ctx context.Context) error {
	count, err := j.coupons.DeactivateExpired(ctx, j.now())
	if err != nil {
		return fmt.Errorf("deactivating expired coupons: %w", err)
	}
	if count > 0 {
		logCtx := j.logg.WithField(ctx, "deactivated", count)
		j.logg.Info(logCtx, "expired coupons deactivated")
	}
	return nil
}
