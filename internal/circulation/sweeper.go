// internal/circulation/sweeper.go
package circulation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PickupExpirer is the part of the engine the sweeper drives.
type PickupExpirer interface {
	ExpirePendingPickups(ctx context.Context, now time.Time) (int, error)
}

// Sweeper expires overdue pickups on a fixed interval. Pickup windows are
// only enforced here; nothing else looks at the clock for them.
type Sweeper struct {
	expirer  PickupExpirer
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewSweeper(expirer PickupExpirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("pickup sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pickup sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.expirer.ExpirePendingPickups(ctx, s.now())
	if err != nil {
		s.logger.Warn("pickup sweep interrupted", zap.Int("expired", n), zap.Error(err))
		return n
	}
	if n > 0 {
		s.logger.Info("pickup sweep finished", zap.Int("expired", n))
	}
	return n
}
