package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

const notificationRetention = 90 * 24 * time.Hour

type notificationPruner interface {
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewNotificationCleanupJob builds the job that prunes read notifications
// older than the retention window.
func NewNotificationCleanupJob(logg *logger.Logger, notifications notificationPruner) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	return &notificationCleanupJob{logg: logg, notifications: notifications, now: time.Now}, nil
}

type notificationCleanupJob struct {
	logg          *logger.Logger
	notifications notificationPruner
	now           func() time.Time
}

func (j *notificationCleanupJob) Name() string { return "notification-cleanup" }

func (j *notificationCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-notificationRetention)
	count, err := j.notifications.DeleteReadBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning notifications: %w", err)
	}
	if count > 0 {
		logCtx := j.logg.WithField(ctx, "pruned", count)
		j.logg.Info(logCtx, "old notifications pruned")
	}
	return nil
}
