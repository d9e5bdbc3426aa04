package feed

import (
	"time"

	"straddle-engine/internal/models"
)

// SynthesizeTicks converts OHLC candles into a per-second price series.
// Within each candle the price moves linearly from open to close across the
// candle's span: the first tick carries the open, the last second before the
// next candle carries the close.
func SynthesizeTicks(inst models.Instrument, candles []models.Candle, span time.Duration) []models.Tick {
	if span < time.Second {
		span = time.Minute
	}
	steps := int(span / time.Second)
	ticks := make([]models.Tick, 0, len(candles)*steps)

	for _, c := range candles {
		for i := 0; i < steps; i++ {
			price := c.Open
			if steps > 1 {
				price = c.Open + (c.Close-c.Open)*float64(i)/float64(steps-1)
			}
			ticks = append(ticks, models.Tick{
				InstrumentToken: inst.Token,
				Symbol:          inst.Symbol,
				LTP:             price,
				Timestamp:       c.Timestamp.Add(time.Duration(i) * time.Second),
			})
		}
	}
	return ticks
}

// MergeTicks merges two timestamp-ordered tick series into one ordered feed.
// On equal timestamps ticks from a precede ticks from b, keeping the merge
// stable and replays deterministic.
func MergeTicks(a, b []models.Tick) []models.Tick {
	merged := make([]models.Tick, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Timestamp.After(b[j].Timestamp) {
			merged = append(merged, b[j])
			j++
		} else {
			merged = append(merged, a[i])
			i++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}

// Batch is one dispatch of prices observed at the same instant.
type Batch struct {
	Timestamp time.Time
	Prices    map[uint32]float64
}

// BatchTicks groups an ordered tick feed into per-timestamp batches, the unit
// the position monitor consumes. Later ticks for the same token within one
// batch overwrite earlier ones.
func BatchTicks(ticks []models.Tick) []Batch {
	var batches []Batch
	for _, t := range ticks {
		n := len(batches)
		if n == 0 || !batches[n-1].Timestamp.Equal(t.Timestamp) {
			batches = append(batches, Batch{
				Timestamp: t.Timestamp,
				Prices:    map[uint32]float64{},
			})
			n++
		}
		batches[n-1].Prices[t.InstrumentToken] = t.LTP
	}
	return batches
}
