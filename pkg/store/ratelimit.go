package store

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedStore decorates a TableStore with a write-rate ceiling.
// The external spreadsheet backend allows only a small number of
// writes per minute per caller; each batch call counts as one write,
// which is why the engine batches instead of writing per union.
type RateLimitedStore struct {
	TableStore
	limiter *rate.Limiter
}

// NewRateLimited wraps inner, allowing writesPerMinute write calls
// with the given burst. Reads are not limited.
func NewRateLimited(inner TableStore, writesPerMinute int, burst int) *RateLimitedStore {
	if writesPerMinute <= 0 {
		writesPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedStore{
		TableStore: inner,
		limiter:    rate.NewLimiter(rate.Limit(float64(writesPerMinute)/60.0), burst),
	}
}

func (s *RateLimitedStore) WriteRow(ctx context.Context, table, key string, fields Row, expectedVersion int64) (int64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return s.TableStore.WriteRow(ctx, table, key, fields, expectedVersion)
}

func (s *RateLimitedStore) WriteRows(ctx context.Context, table string, writes []Write) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.TableStore.WriteRows(ctx, table, writes)
}

func (s *RateLimitedStore) AppendRows(ctx context.Context, table string, rows []Row) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.TableStore.AppendRows(ctx, table, rows)
}
