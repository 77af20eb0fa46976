package calls

import (
	"context"
	"fmt"
	"time"
)

// MinuteBucket formats t as the key of its global dial-rate window.
func MinuteBucket(t time.Time) string {
	return "dial:" + t.UTC().Format("2006-01-02T15:04")
}

// IncrementWindow bumps the bucket's counter and returns the post-image,
// so the caller learns its own position in the window. The upsert keeps
// concurrent dialers on different containers honest about the shared rate.
func (s *Store) IncrementWindow(ctx context.Context, bucket string) (int, error) {
	var count int
	query := `
		INSERT INTO dial_rate_windows (bucket, calls)
		VALUES ($1, 1)
		ON CONFLICT (bucket) DO UPDATE SET calls = dial_rate_windows.calls + 1
		RETURNING calls
	`
	if err := s.pool.QueryRow(ctx, query, bucket).Scan(&count); err != nil {
		return 0, fmt.Errorf("calls: increment rate window: %w", err)
	}
	return count, nil
}

// PruneWindows drops buckets older than before. Bucket keys sort
// lexicographically in time order.
func (s *Store) PruneWindows(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM dial_rate_windows WHERE bucket < $1`, MinuteBucket(before))
	if err != nil {
		return 0, fmt.Errorf("calls: prune rate windows: %w", err)
	}
	return ct.RowsAffected(), nil
}
