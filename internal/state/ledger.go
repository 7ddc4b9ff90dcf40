package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/info-rss/internal/models"
)

// counterKey identifies one window's counter:
// userID 0x00 size(8 bytes ns) start(8 bytes unix ns).
func counterKey(userID string, size time.Duration, start time.Time) []byte {
	k := make([]byte, 0, len(userID)+17)
	k = append(k, userID...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, uint64(size))

	return binary.BigEndian.AppendUint64(k, uint64(start.UnixNano()))
}

// counterStart decodes the window start from the tail of a counter key.
func counterStart(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[len(key)-8:]))).UTC()
}

func decodeCount(v []byte) int {
	if len(v) != 8 {
		return 0
	}

	return int(binary.BigEndian.Uint64(v))
}

// Increment admits one request against every window or none of them.
func (s *State) Increment(ctx context.Context, userID string, now time.Time, windows []models.Window) ([]int, bool, error) {
	counts := make([]int, len(windows))
	admitted := true

	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(rateLimitBucket)
		keys := make([][]byte, len(windows))

		for i, w := range windows {
			keys[i] = counterKey(userID, w.Size, w.Start(now))
			counts[i] = decodeCount(b.Get(keys[i]))

			if counts[i] >= w.Limit {
				admitted = false
			}
		}

		if !admitted {
			return nil
		}

		for i := range windows {
			counts[i]++

			if err := b.Put(keys[i], binary.BigEndian.AppendUint64(nil, uint64(counts[i]))); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return counts, admitted, nil
}

// ReapWindows deletes counters whose window started before the cutoff.
func (s *State) ReapWindows(ctx context.Context, before time.Time) (int, error) {
	var n int

	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(rateLimitBucket)

		var stale [][]byte

		err := b.ForEach(func(k, _ []byte) error {
			if len(k) >= 17 && counterStart(k).Before(before) {
				stale = append(stale, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(stale)

		return nil
	})

	return n, err
}

// Windows returns the stored counters for a user ordered by window size
// then start.
func (s *State) Windows(ctx context.Context, userID string) ([]models.RateLimitWindow, error) {
	var out []models.RateLimitWindow

	err := s.view(ctx, func(tx *bolt.Tx) error {
		prefix := userPrefix(userID)
		c := tx.Bucket(rateLimitBucket).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, models.RateLimitWindow{
				UserID: userID,
				Size:   time.Duration(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8])),
				Start:  counterStart(k),
				Count:  decodeCount(v),
			})
		}

		return nil
	})

	return out, err
}
