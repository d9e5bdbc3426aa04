package utils

import (
	"sort"
	"time"

	"straddle-engine/internal/models"
)

// FloorClose returns the close of the most recent candle at or before t.
// The candle slice must be ordered by timestamp ascending. The second return
// is false when no candle lies at or before t.
func FloorClose(candles []models.Candle, t time.Time) (float64, bool) {
	idx := sort.Search(len(candles), func(i int) bool {
		return candles[i].Timestamp.After(t)
	})
	if idx == 0 {
		return 0, false
	}
	return candles[idx-1].Close, true
}

// FirstAtOrAfter returns the index of the first candle whose timestamp is at
// or after t, or -1 when no such candle exists.
func FirstAtOrAfter(candles []models.Candle, t time.Time) int {
	idx := sort.Search(len(candles), func(i int) bool {
		return !candles[i].Timestamp.Before(t)
	})
	if idx == len(candles) {
		return -1
	}
	return idx
}
