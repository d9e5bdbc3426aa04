package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-engine/internal/models"
	"straddle-engine/pkg/utils"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(runID, underlying string, date time.Time) *models.BacktestResult {
	entry := utils.ClockOn(date, 9, 20)
	exit1 := utils.ClockOn(date, 10, 2)
	entry2 := utils.ClockOn(date, 10, 5)
	exit2 := utils.ClockOn(date, 11, 30)
	return &models.BacktestResult{
		RunID:      runID,
		Underlying: underlying,
		Date:       date,
		Status:     models.BacktestStatusCompleted,
		Trades: []models.BacktestTrade{
			{
				TradeNumber:  1,
				Symbols:      []string{"NIFTY24AUG24500CE", "NIFTY24AUG24500PE"},
				Strike:       24500,
				EntryTime:    entry,
				ExitTime:     exit1,
				EntryPremium: 95,
				ExitPremium:  47.5,
				Quantity:     50,
				PnlPoints:    47.5,
				PnlAmount:    2375,
				Charges:      106.42,
				ExitReason:   models.ExitReasonPremiumTarget,
			},
			{
				TradeNumber:    2,
				Symbols:        []string{"NIFTY24AUG24550CE", "NIFTY24AUG24550PE"},
				Strike:         24550,
				EntryTime:      entry2,
				ExitTime:       exit2,
				EntryPremium:   88,
				ExitPremium:    110,
				Quantity:       50,
				PnlPoints:      -22,
				PnlAmount:      -1100,
				Charges:        104.17,
				ExitReason:     models.ExitReasonPremiumStopLoss,
				WasAutoRestart: true,
			},
		},
		Events: []models.TradeEvent{
			{Type: models.TradeEventEntry, Timestamp: entry, CombinedPremium: 95,
				LegPrices: map[string]float64{"NIFTY24AUG24500CE": 50, "NIFTY24AUG24500PE": 45}},
			{Type: models.TradeEventPriceUpdate, Timestamp: entry.Add(time.Minute), CombinedPremium: 90, UnrealizedPnl: 250},
			{Type: models.TradeEventExit, Timestamp: exit1, CombinedPremium: 47.5, UnrealizedPnl: 2375,
				Reason: models.ExitReasonPremiumTarget},
		},
		Metrics: models.PerformanceMetrics{
			NumberOfTrades: 2,
			GrossPnl:       1275,
			Charges:        210.59,
			NetPnl:         1064.41,
			WinRate:        50,
		},
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}
}

func TestSaveAndGetRunRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2024, 8, 1, 0, 0, 0, 0, utils.IndiaLocation)

	saved := sampleResult("run-1", "NIFTY", date)
	require.NoError(t, s.SaveRun(ctx, saved))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "NIFTY", got.Underlying)
	assert.Equal(t, models.BacktestStatusCompleted, got.Status)
	assert.Equal(t, saved.Metrics, got.Metrics)

	require.Len(t, got.Trades, 2)
	first, second := got.Trades[0], got.Trades[1]
	assert.Equal(t, 1, first.TradeNumber)
	assert.Equal(t, []string{"NIFTY24AUG24500CE", "NIFTY24AUG24500PE"}, first.Symbols)
	assert.Equal(t, 47.5, first.PnlPoints)
	assert.Equal(t, models.ExitReasonPremiumTarget, first.ExitReason)
	assert.False(t, first.WasAutoRestart)
	assert.True(t, first.EntryTime.Equal(saved.Trades[0].EntryTime))
	assert.True(t, second.WasAutoRestart)
	assert.Equal(t, -22.0, second.PnlPoints)
}

func TestGetRunMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveRunReplacesTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2024, 8, 1, 0, 0, 0, 0, utils.IndiaLocation)

	result := sampleResult("run-1", "NIFTY", date)
	require.NoError(t, s.SaveRun(ctx, result))
	require.NoError(t, s.SaveRun(ctx, result))

	trades, err := s.GetTrades(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, trades, 2, "re-saving a run must not duplicate trades")
}

func TestListRunsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	aug1 := time.Date(2024, 8, 1, 0, 0, 0, 0, utils.IndiaLocation)
	aug2 := time.Date(2024, 8, 2, 0, 0, 0, 0, utils.IndiaLocation)
	aug5 := time.Date(2024, 8, 5, 0, 0, 0, 0, utils.IndiaLocation)

	for i, fixture := range []struct {
		id, underlying string
		date           time.Time
	}{
		{"run-a", "NIFTY", aug1},
		{"run-b", "BANKNIFTY", aug2},
		{"run-c", "NIFTY", aug5},
	} {
		r := sampleResult(fixture.id, fixture.underlying, fixture.date)
		r.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveRun(ctx, r))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-c", all[0].RunID, "most recent first")

	nifty, err := s.ListRuns(ctx, RunFilter{Underlying: "NIFTY"})
	require.NoError(t, err)
	assert.Len(t, nifty, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	ranged, err := s.ListRuns(ctx, RunFilter{StartDate: aug2, EndDate: aug5})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestGetEventsInTimeOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2024, 8, 1, 0, 0, 0, 0, utils.IndiaLocation)

	require.NoError(t, s.SaveRun(ctx, sampleResult("run-1", "NIFTY", date)))

	events, err := s.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, models.TradeEventEntry, events[0].Type)
	assert.Equal(t, models.TradeEventPriceUpdate, events[1].Type)
	assert.Equal(t, models.TradeEventExit, events[2].Type)
	assert.Equal(t, 50.0, events[0].LegPrices["NIFTY24AUG24500CE"])
	assert.Equal(t, models.ExitReasonPremiumTarget, events[2].Reason)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestCandleCacheRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 8, 1, 9, 15, 0, 0, utils.IndiaLocation)

	candles := []models.Candle{
		{Timestamp: start, Open: 100, High: 102, Low: 99, Close: 101, Volume: 1200},
		{Timestamp: start.Add(time.Minute), Open: 101, High: 103, Low: 100, Close: 102, Volume: 900},
		{Timestamp: start.Add(2 * time.Minute), Open: 102, High: 104, Low: 101, Close: 103, Volume: 1500},
	}
	require.NoError(t, s.SaveCandles(ctx, 256265, "minute", candles))

	got, err := s.GetCandles(ctx, 256265, "minute", start, start.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 100.0, got[0].Open)
	assert.Equal(t, 103.0, got[2].Close)
	assert.Equal(t, int64(900), got[1].Volume)

	// Narrower window trims both ends.
	middle, err := s.GetCandles(ctx, 256265, "minute", start.Add(time.Minute), start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, middle, 1)
	assert.Equal(t, 102.0, middle[0].Close)

	// Other tokens and intervals stay isolated.
	none, err := s.GetCandles(ctx, 111111, "minute", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveCandlesUpsertsOnTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 8, 1, 9, 15, 0, 0, utils.IndiaLocation)

	first := []models.Candle{{Timestamp: start, Open: 100, High: 101, Low: 99, Close: 100, Volume: 500}}
	require.NoError(t, s.SaveCandles(ctx, 256265, "minute", first))

	revised := []models.Candle{{Timestamp: start, Open: 100, High: 105, Low: 99, Close: 104, Volume: 800}}
	require.NoError(t, s.SaveCandles(ctx, 256265, "minute", revised))

	got, err := s.GetCandles(ctx, 256265, "minute", start, start)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 104.0, got[0].Close)
	assert.Equal(t, int64(800), got[0].Volume)
}
