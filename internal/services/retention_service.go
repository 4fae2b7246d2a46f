package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
)

// DefaultRetention is how long request records are kept.
const DefaultRetention = 7 * 24 * time.Hour

// SweepResult reports what one retention sweep removed.
type SweepResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Requests int64     `json:"requests"`
	Attempts int64     `json:"blocked_attempts"`
}

// RetentionService purges request records older than the retention window.
type RetentionService struct {
	Stats         *StatsService
	Notifications *NotificationService
	Window        time.Duration
	now           func() time.Time
}

// NewRetentionService creates a RetentionService. notifications may be nil.
func NewRetentionService(stats *StatsService, notifications *NotificationService, window time.Duration) *RetentionService {
	if window <= 0 {
		window = DefaultRetention
	}
	return &RetentionService{Stats: stats, Notifications: notifications, Window: window, now: time.Now}
}

// Sweep deletes every request and blocked attempt older than the window.
func (s *RetentionService) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Cutoff: s.now().Add(-s.Window)}

	var err error
	res.Requests, res.Attempts, err = s.Stats.Purge(ctx, res.Cutoff)
	metrics.AddPurged("requests", res.Requests)
	metrics.AddPurged("blocked_attempts", res.Attempts)
	if err != nil {
		return res, fmt.Errorf("retention sweep: %w", err)
	}
	return res, nil
}

// Run performs a sweep for the scheduler. Failures are logged and reported;
// the next scheduled run retries.
func (s *RetentionService) Run() {
	log := logger.Component("retention")
	res, err := s.Sweep(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to clean up old data")
		if s.Notifications != nil {
			s.Notifications.Report(models.NotificationTypeError, "retention", "Retention sweep failed", err.Error())
		}
		return
	}
	log.WithFields(logrus.Fields{
		"cutoff":           res.Cutoff.Format(time.RFC3339),
		"requests":         res.Requests,
		"blocked_attempts": res.Attempts,
	}).Info("cleaned up old data")
}
