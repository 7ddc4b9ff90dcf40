package auth

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

// Window names.
const (
	WindowSecond = "second"
	WindowHour   = "hour"
)

// LimiterConfig sets the two per-user quotas.
type LimiterConfig struct {
	PerSecond    int
	PerHour      int
	SecondWindow time.Duration
	HourWindow   time.Duration
}

// WindowStatus is the state of one window after an admission.
type WindowStatus struct {
	Name      string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allowance describes the quota left after an admitted request.
type Allowance struct {
	Windows []WindowStatus
}

// Window returns the status for the named window.
func (a Allowance) Window(name string) (WindowStatus, bool) {
	for _, w := range a.Windows {
		if w.Name == name {
			return w, true
		}
	}

	return WindowStatus{}, false
}

// Limiter enforces fixed-window request quotas per user. A request is
// admitted only when it fits every window, and a rejected request
// consumes nothing.
type Limiter struct {
	ledger  RateLimitLedger
	windows []models.Window
}

// NewLimiter builds a limiter with a short and a long window. The short
// window is checked first so its rejection is the one reported when both
// are exhausted.
func NewLimiter(ledger RateLimitLedger, cfg LimiterConfig) *Limiter {
	return &Limiter{
		ledger: ledger,
		windows: []models.Window{
			{Name: WindowSecond, Size: cfg.SecondWindow, Limit: cfg.PerSecond},
			{Name: WindowHour, Size: cfg.HourWindow, Limit: cfg.PerHour},
		},
	}
}

// Windows returns the configured windows in check order.
func (l *Limiter) Windows() []models.Window {
	return append([]models.Window(nil), l.windows...)
}

// Retention is how long a counter can matter after its window opened.
func (l *Limiter) Retention() time.Duration {
	var longest time.Duration
	for _, w := range l.windows {
		longest = max(longest, w.Size)
	}

	return longest
}

// Admit charges one request to userID at now. A rejection returns a
// *RateLimitError naming the exhausted window.
func (l *Limiter) Admit(ctx context.Context, userID string, now time.Time) (Allowance, error) {
	counts, admitted, err := l.ledger.Increment(ctx, userID, now, l.windows)
	if err != nil {
		return Allowance{}, fmt.Errorf("rate limit ledger: %w", err)
	}

	if !admitted {
		for i, w := range l.windows {
			if counts[i] >= w.Limit {
				return Allowance{}, &apperrors.RateLimitError{
					Window:     w.Name,
					Limit:      w.Limit,
					RetryAfter: w.End(now).Sub(now),
				}
			}
		}

		return Allowance{}, fmt.Errorf("rate limit ledger rejected without an exhausted window")
	}

	a := Allowance{Windows: make([]WindowStatus, len(l.windows))}
	for i, w := range l.windows {
		a.Windows[i] = WindowStatus{
			Name:      w.Name,
			Limit:     w.Limit,
			Remaining: max(w.Limit-counts[i], 0),
			ResetAt:   w.End(now),
		}
	}

	return a, nil
}
