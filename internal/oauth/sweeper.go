package oauth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepStore deletes rows that can no longer be redeemed.
type SweepStore interface {
	DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// EventPruner removes audit events past retention.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically deletes expired codes and refresh tokens and prunes
// old security events.
type Sweeper struct {
	store     SweepStore
	events    EventPruner
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(store SweepStore, events EventPruner, interval, retention time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		events:    events,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	Codes         int64
	RefreshTokens int64
	Events        int64
}

// RunOnce performs a single pass. Failures are logged and the remaining
// steps still run.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var result SweepResult
	now := s.now().UTC()

	var err error
	if result.Codes, err = s.store.DeleteExpiredAuthorizationCodes(ctx, now); err != nil {
		s.logger.Error("Failed to delete expired authorization codes", zap.Error(err))
	}
	if result.RefreshTokens, err = s.store.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		s.logger.Error("Failed to delete expired refresh tokens", zap.Error(err))
	}
	if s.retention > 0 {
		if result.Events, err = s.events.Prune(ctx, now.Add(-s.retention)); err != nil {
			s.logger.Error("Failed to prune security events", zap.Error(err))
		}
	}

	s.logger.Info("Sweep completed",
		zap.Int64("authorization_codes", result.Codes),
		zap.Int64("refresh_tokens", result.RefreshTokens),
		zap.Int64("security_events", result.Events),
	)
	return result
}
