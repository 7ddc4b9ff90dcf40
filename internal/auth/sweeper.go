package auth

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes finished rate-limit windows and stale
// OAuth state values.
type Sweeper struct {
	ledger    RateLimitLedger
	states    StateStore
	retention time.Duration
	stateTTL  time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. Counters are kept for retention after
// their window opened and states for stateTTL after issue.
func NewSweeper(ledger RateLimitLedger, states StateStore, retention, stateTTL, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		states:    states,
		retention: retention,
		stateTTL:  stateTTL,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs one pass. Failures are logged and retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()

	windows, err := s.ledger.ReapWindows(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Warn("sweeping rate limit windows failed", slog.String("error", err.Error()))
	}

	states, err := s.states.ReapStates(ctx, now.Add(-s.stateTTL))
	if err != nil {
		s.logger.Warn("sweeping oauth states failed", slog.String("error", err.Error()))
	}

	if windows > 0 || states > 0 {
		s.logger.Debug("sweep complete",
			slog.Int("windows", windows),
			slog.Int("states", states),
		)
	}
}
