package workers

import (
	"context"
	"fmt"
	"time"

	logpkg "github.com/benvon/sessiongate/internal/logger"
	"go.uber.org/zap"
)

const sweepTimeout = 2 * time.Minute

// EventPurger deletes old login events.
type EventPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper periodically deletes login events older than retention.
type RetentionSweeper struct {
	purger    EventPurger
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRetentionSweeper creates a new retention sweeper
func NewRetentionSweeper(purger EventPurger, interval, retention time.Duration, logger *zap.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		purger:    purger,
		interval:  interval,
		retention: retention,
		logger:    logpkg.OrNop(logger),
		now:       time.Now,
	}
}

// Start sweeps once immediately and then every interval until ctx is cancelled.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	if s.interval <= 0 || s.retention <= 0 {
		return nil
	}
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

// Sweep deletes events older than the retention window.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	cutoff := s.now().Add(-s.retention)
	n, err := s.purger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("login event sweep: %w", err)
	}
	return n, nil
}

func (s *RetentionSweeper) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("login_event_sweep_failed", zap.String("error", logpkg.SanitizeError(err)))
		return
	}
	if n > 0 {
		s.logger.Info("login_events_purged",
			zap.Int64("count", n),
			zap.Duration("retention", s.retention),
		)
	}
}
