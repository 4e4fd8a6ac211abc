package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/metrics"
)

// Purger deletes notifications created before a cutoff
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper enforces the retention period on the notifications table
type Sweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper that deletes rows older than retention every interval
func NewSweeper(store Purger, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start sweeps once immediately, then every interval until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

// Sweep deletes expired rows once and returns how many went
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.RecordSwept(deleted)
	return deleted, nil
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	deleted, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep removed notifications",
			zap.Int64("deleted", deleted),
			zap.Duration("retention", s.retention),
		)
	}
}
