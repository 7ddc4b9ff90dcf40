package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alexjbarnes/info-rss/internal/models"
)

// reapBatchSize bounds how many counter rows one DELETE removes so the
// sweeper never holds long locks on a busy table.
const reapBatchSize = 5000

// Increment admits one request against every window or none of them.
// Rows are locked in the order windows is given, so callers that always
// pass the same window order cannot deadlock each other.
func (s *Store) Increment(ctx context.Context, userID string, now time.Time, windows []models.Window) ([]int, bool, error) {
	counts := make([]int, len(windows))
	admitted := true

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, w := range windows {
			start := w.Start(now)

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rate_limit_windows (user_id, window_size_ns, window_start, count)
				VALUES ($1, $2, $3, 0)
				ON CONFLICT (user_id, window_size_ns, window_start) DO NOTHING
			`, userID, w.Size.Nanoseconds(), start); err != nil {
				return fmt.Errorf("ensure %s window: %w", w.Name, err)
			}

			if err := tx.QueryRowContext(ctx, `
				SELECT count
				FROM rate_limit_windows
				WHERE user_id = $1 AND window_size_ns = $2 AND window_start = $3
				FOR UPDATE
			`, userID, w.Size.Nanoseconds(), start).Scan(&counts[i]); err != nil {
				return fmt.Errorf("lock %s window: %w", w.Name, err)
			}

			if counts[i] >= w.Limit {
				admitted = false
			}
		}

		if !admitted {
			return nil
		}

		for i, w := range windows {
			if err := tx.QueryRowContext(ctx, `
				UPDATE rate_limit_windows
				SET count = count + 1
				WHERE user_id = $1 AND window_size_ns = $2 AND window_start = $3
				RETURNING count
			`, userID, w.Size.Nanoseconds(), w.Start(now)).Scan(&counts[i]); err != nil {
				return fmt.Errorf("increment %s window: %w", w.Name, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return counts, admitted, nil
}

// ReapWindows deletes counters whose window started before the cutoff,
// in batches.
func (s *Store) ReapWindows(ctx context.Context, before time.Time) (int, error) {
	total := 0

	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM rate_limit_windows
			WHERE ctid IN (
				SELECT ctid FROM rate_limit_windows
				WHERE window_start < $1
				LIMIT $2
			)
		`, before.UTC(), reapBatchSize)
		if err != nil {
			return total, fmt.Errorf("reap rate limit windows: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("reap rate limit windows: %w", err)
		}

		total += int(n)

		if n < reapBatchSize {
			return total, nil
		}
	}
}
