// Package feed supplies market data to the engine: historical candles, the
// per-second tick series synthesized from them, and the live websocket feed.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"straddle-engine/internal/errors"
	"straddle-engine/internal/models"
	"straddle-engine/internal/ratelimit"
)

// CandleSource supplies OHLCV candles for an instrument, date and interval.
// Implementations must return candles ordered by timestamp ascending. The
// int result is the number of malformed candles skipped during parsing.
type CandleSource interface {
	Fetch(ctx context.Context, token uint32, date time.Time, interval string) ([]models.Candle, int, error)
}

// HTTPCandleSource fetches candles from an HTTP vendor endpoint. Every call
// is gated by the admission controller and preceded by a fixed compliance
// delay; rate-limit pushback from the controller surfaces as a retryable
// error, not a retry loop.
type HTTPCandleSource struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	delay   time.Duration
	logger  zerolog.Logger
}

// HTTPCandleSourceConfig holds configuration for the HTTP source.
type HTTPCandleSourceConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	PrefetchDelay time.Duration
	Limiter       *ratelimit.Limiter
	Logger        zerolog.Logger
}

// NewHTTPCandleSource creates a candle source over the configured vendor API.
func NewHTTPCandleSource(cfg HTTPCandleSourceConfig) *HTTPCandleSource {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-Api-Key", cfg.APIKey).
		SetHeader("Accept", "application/json")

	return &HTTPCandleSource{
		client:  client,
		limiter: cfg.Limiter,
		delay:   cfg.PrefetchDelay,
		logger:  cfg.Logger,
	}
}

type candleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
}

// Fetch retrieves one day of candles for an instrument token. Malformed
// candles are skipped individually and counted; an empty result is reported
// as data-unavailable.
func (s *HTTPCandleSource) Fetch(ctx context.Context, token uint32, date time.Time, interval string) ([]models.Candle, int, error) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, "historical"); err != nil {
			return nil, 0, err
		}
	}

	// Fixed pre-call delay for vendor rate-limit compliance.
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, ctx.Err()
		case <-timer.C:
		}
	}

	var out candleResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetQueryParams(map[string]string{
			"date":     date.Format("2006-01-02"),
			"interval": interval,
		}).
		Get(fmt.Sprintf("/instruments/%d/candles", token))
	if err != nil {
		return nil, 0, errors.NewDataError("candles", fmt.Sprintf("token:%d", token), "fetch failed", err)
	}
	if resp.IsError() {
		return nil, 0, errors.NewDataError("candles", fmt.Sprintf("token:%d", token),
			fmt.Sprintf("vendor returned %s", resp.Status()), nil)
	}

	candles, skipped := parseCandles(out.Data.Candles)
	if skipped > 0 {
		s.logger.Warn().
			Uint32("token", token).
			Int("skipped", skipped).
			Msg("Skipped malformed candles")
	}
	if len(candles) == 0 {
		return nil, skipped, errors.Wrap(errors.ErrDataUnavailable,
			fmt.Sprintf("no candles for token %d on %s", token, date.Format("2006-01-02")))
	}
	return candles, skipped, nil
}

// parseCandles converts vendor rows [ts, o, h, l, c, v] into candles,
// skipping malformed rows individually.
func parseCandles(rows [][]interface{}) ([]models.Candle, int) {
	candles := make([]models.Candle, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		c, ok := parseCandle(row)
		if !ok {
			skipped++
			continue
		}
		candles = append(candles, c)
	}
	return candles, skipped
}

func parseCandle(row []interface{}) (models.Candle, bool) {
	if len(row) < 6 {
		return models.Candle{}, false
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return models.Candle{}, false
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return models.Candle{}, false
	}
	vals := make([]float64, 0, 5)
	for _, v := range row[1:6] {
		f, ok := v.(float64)
		if !ok {
			return models.Candle{}, false
		}
		vals = append(vals, f)
	}
	if vals[0] <= 0 || vals[3] <= 0 {
		return models.Candle{}, false
	}
	return models.Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    int64(vals[4]),
	}, true
}
