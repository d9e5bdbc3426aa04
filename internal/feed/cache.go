package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"straddle-engine/internal/models"
)

// CandleCache stores fetched candles for reuse across runs.
type CandleCache interface {
	SaveCandles(ctx context.Context, token uint32, interval string, candles []models.Candle) error
	GetCandles(ctx context.Context, token uint32, interval string, from, to time.Time) ([]models.Candle, error)
}

// CachingSource serves candles from a cache and falls back to the wrapped
// source on a miss, writing fetched data back. Cache write failures are
// logged and otherwise ignored.
type CachingSource struct {
	source CandleSource
	cache  CandleCache
	logger zerolog.Logger
}

// NewCachingSource wraps a candle source with a cache.
func NewCachingSource(source CandleSource, cache CandleCache, logger zerolog.Logger) *CachingSource {
	return &CachingSource{source: source, cache: cache, logger: logger}
}

// Fetch returns one trading day of candles, preferring cached data.
func (c *CachingSource) Fetch(ctx context.Context, token uint32, date time.Time, interval string) ([]models.Candle, int, error) {
	from := date.Truncate(24 * time.Hour)
	to := from.Add(24*time.Hour - time.Nanosecond)

	cached, err := c.cache.GetCandles(ctx, token, interval, from, to)
	if err == nil && len(cached) > 0 {
		return cached, 0, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Uint32("token", token).Msg("Candle cache read failed")
	}

	candles, skipped, err := c.source.Fetch(ctx, token, date, interval)
	if err != nil {
		return nil, skipped, err
	}

	if err := c.cache.SaveCandles(ctx, token, interval, candles); err != nil {
		c.logger.Warn().Err(err).Uint32("token", token).Msg("Candle cache write failed")
	}
	return candles, skipped, nil
}
