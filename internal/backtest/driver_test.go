package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-engine/internal/charges"
	"straddle-engine/internal/config"
	"straddle-engine/internal/errors"
	"straddle-engine/internal/instruments"
	"straddle-engine/internal/models"
	"straddle-engine/internal/paper"
	"straddle-engine/pkg/utils"
)

const indexToken uint32 = 1

var (
	testDate   = time.Date(2024, 8, 1, 0, 0, 0, 0, utils.IndiaLocation)
	testExpiry = time.Date(2024, 8, 29, 0, 0, 0, 0, utils.IndiaLocation)
)

// fakeSource serves per-token candle fixtures.
type fakeSource struct {
	data map[uint32][]models.Candle
	errs map[uint32]error
}

func (f *fakeSource) Fetch(ctx context.Context, token uint32, date time.Time, interval string) ([]models.Candle, int, error) {
	if err, ok := f.errs[token]; ok {
		return nil, 0, err
	}
	candles, ok := f.data[token]
	if !ok || len(candles) == 0 {
		return nil, 0, errors.Wrap(errors.ErrDataUnavailable, "no fixture")
	}
	return candles, 0, nil
}

// candleRamp builds one-minute candles from startClock, each moving linearly
// from its open to open+slope.
func candleRamp(startClock string, minutes int, start, slope float64) []models.Candle {
	at, err := utils.ParseClockOn(testDate, startClock)
	if err != nil {
		panic(err)
	}
	candles := make([]models.Candle, minutes)
	open := start
	for i := 0; i < minutes; i++ {
		candles[i] = models.Candle{
			Timestamp: at.Add(time.Duration(i) * time.Minute),
			Open:      open,
			Close:     open + slope,
			Volume:    1000,
		}
		open += slope
	}
	return candles
}

func tokens(t *testing.T) (ce, pe uint32) {
	t.Helper()
	r := instruments.NewStaticResolver(50, 50)
	sel, err := r.Resolve(context.Background(), "NIFTY", testExpiry, 24500)
	require.NoError(t, err)
	return sel.Call.Token, sel.Put.Token
}

func newTestDriver(source *fakeSource) *Driver {
	calc := charges.NewCalculator(config.Default().Charges)
	engine := paper.NewEngine(calc, zerolog.Nop())
	resolver := instruments.NewStaticResolver(50, 50)
	return NewDriver(source, resolver, engine, zerolog.Nop())
}

func baseConfig() Config {
	return Config{
		UserID:         "sim",
		Underlying:     "NIFTY",
		IndexToken:     indexToken,
		Date:           testDate,
		Expiry:         testExpiry,
		StartTime:      utils.ClockOn(testDate, 9, 20),
		EndTime:        utils.ClockOn(testDate, 15, 0),
		SquareOffTime:  utils.SquareOffTime(testDate),
		Quantity:       50,
		Direction:      models.DirectionShort,
		Product:        models.ProductMIS,
		CandleInterval: "minute",
		CandleSpan:     time.Minute,
		InitialBalance: 1000000,
	}
}

func TestPremiumTargetExitRecordsTrade(t *testing.T) {
	ce, pe := tokens(t)
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 30, 24500, 0),
		// Premium 95 at entry; both legs decay until the 50% target fires.
		ce: append(candleRamp("09:15", 6, 50, 0), candleRamp("09:21", 10, 50, -13)...),
		pe: append(candleRamp("09:15", 6, 45, 0), candleRamp("09:21", 10, 45, -12)...),
	}}

	cfg := baseConfig()
	cfg.UsePremiumExit = true
	cfg.TargetDecayPct = 0.5
	cfg.StopLossExpansionPct = 0.25

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, models.BacktestStatusCompleted, result.Status)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.ExitReasonPremiumTarget, trade.ExitReason)
	assert.InDelta(t, 95.0, trade.EntryPremium, 1e-9)
	assert.LessOrEqual(t, trade.ExitPremium, 95*0.5+1) // at or just past the threshold
	assert.Greater(t, trade.PnlPoints, 0.0, "short premium decay is profit")
	assert.InDelta(t, trade.PnlPoints*50, trade.PnlAmount, 1e-6)
	assert.Greater(t, trade.Charges, 0.0)
	assert.Equal(t, []string{"NIFTY24AUG24500CE", "NIFTY24AUG24500PE"}, trade.Symbols)
	assert.False(t, trade.WasAutoRestart)

	// Timeline brackets the trade.
	require.NotEmpty(t, result.Events)
	assert.Equal(t, models.TradeEventEntry, result.Events[0].Type)
	assert.Equal(t, models.TradeEventExit, result.Events[len(result.Events)-1].Type)
}

func TestLegStopLossExitsLegsIndividually(t *testing.T) {
	ce, pe := tokens(t)
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 30, 24500, 0),
		// CE breaches its per-leg stop first, PE a couple of minutes later.
		ce: append(candleRamp("09:15", 6, 50, 0), candleRamp("09:21", 10, 50, -2)...),
		pe: append(candleRamp("09:15", 8, 45, 0), candleRamp("09:23", 8, 45, -2)...),
	}}

	cfg := baseConfig()
	cfg.StopLossPoints = 1.5

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.ExitReasonLegStopLoss, trade.ExitReason)
	// Each leg exits about 1.5 points below entry, profit for the short side.
	assert.Greater(t, trade.PnlPoints, 2.9)
	assert.Less(t, trade.PnlPoints, 3.2)
	assert.Greater(t, trade.ExitPremium, 0.0)
}

func TestRunIsDeterministic(t *testing.T) {
	ce, pe := tokens(t)
	data := map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 30, 24500, 0),
		ce:         append(candleRamp("09:15", 6, 50, 0), candleRamp("09:21", 10, 50, -13)...),
		pe:         append(candleRamp("09:15", 6, 45, 0), candleRamp("09:21", 10, 45, -12)...),
	}

	cfg := baseConfig()
	cfg.UsePremiumExit = true
	cfg.TargetDecayPct = 0.5
	cfg.StopLossExpansionPct = 0.25

	first, err := newTestDriver(&fakeSource{data: data}).Run(context.Background(), cfg)
	require.NoError(t, err)
	second, err := newTestDriver(&fakeSource{data: data}).Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Events, second.Events)
	assert.Equal(t, first.Metrics, second.Metrics)
}

func TestAutoRestartBoundedByMax(t *testing.T) {
	ce, pe := tokens(t)
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 120, 24500, 0),
		// CE climbs all morning so every cycle runs into the premium stop.
		ce: candleRamp("09:15", 120, 50, 10),
		pe: candleRamp("09:15", 120, 45, 0),
	}}

	cfg := baseConfig()
	cfg.UsePremiumExit = true
	cfg.TargetDecayPct = 0.5
	cfg.StopLossExpansionPct = 0.25
	cfg.AutoRestart = true
	cfg.MaxAutoRestarts = 2

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 3, "initial trade plus two restarts")
	assert.False(t, result.Trades[0].WasAutoRestart)
	for _, trade := range result.Trades {
		assert.Equal(t, models.ExitReasonPremiumStopLoss, trade.ExitReason)
	}
	for i := 1; i < len(result.Trades); i++ {
		trade := result.Trades[i]
		assert.True(t, trade.WasAutoRestart)
		// Re-entry lands on the first 5-minute boundary after the prior exit.
		assert.Equal(t, utils.NextFiveMinuteBoundary(result.Trades[i-1].ExitTime), trade.EntryTime)
	}
}

func TestAutoRestartNeverEntersAtOrAfterSquareOff(t *testing.T) {
	ce, pe := tokens(t)
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("14:30", 55, 24500, 0),
		ce:         candleRamp("14:30", 55, 50, 10),
		pe:         candleRamp("14:30", 55, 45, 0),
	}}

	cfg := baseConfig()
	cfg.StartTime = utils.ClockOn(testDate, 14, 30)
	cfg.UsePremiumExit = true
	cfg.TargetDecayPct = 0.5
	cfg.StopLossExpansionPct = 0.25
	cfg.AutoRestart = true
	cfg.MaxAutoRestarts = 0 // unlimited

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.Trades)

	squareOff := utils.SquareOffTime(testDate)
	for _, trade := range result.Trades {
		assert.True(t, trade.EntryTime.Before(squareOff),
			"entry %s must precede square-off", trade.EntryTime.Format("15:04:05"))
	}
	last := result.Trades[len(result.Trades)-1]
	assert.Contains(t,
		[]models.ExitReason{models.ExitReasonForcedTimeExit, models.ExitReasonEndOfData, models.ExitReasonPremiumStopLoss},
		last.ExitReason)
	// Whatever ends the day, nothing restarts into the square-off window.
	assert.True(t, last.ExitTime.Before(utils.MarketClose(testDate)))
}

func TestEndOfDataClosesPosition(t *testing.T) {
	ce, pe := tokens(t)
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 15, 24500, 0),
		// Prices never move: no threshold can fire before the feed ends.
		ce: candleRamp("09:15", 15, 50, 0),
		pe: candleRamp("09:15", 15, 45, 0),
	}}

	cfg := baseConfig()
	cfg.UsePremiumExit = true
	cfg.TargetDecayPct = 0.5
	cfg.StopLossExpansionPct = 0.25
	cfg.AutoRestart = true

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1, "END_OF_DATA never chains a restart")
	trade := result.Trades[0]
	assert.Equal(t, models.ExitReasonEndOfData, trade.ExitReason)
	assert.InDelta(t, 95.0, trade.ExitPremium, 1e-9)
	assert.InDelta(t, 0.0, trade.PnlPoints, 1e-9)
}

func TestMissingOptionDataStopsCleanly(t *testing.T) {
	source := &fakeSource{data: map[uint32][]models.Candle{
		indexToken: candleRamp("09:15", 30, 24500, 0),
	}}

	cfg := baseConfig()
	cfg.StopLossPoints = 1.5

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, models.BacktestStatusCompleted, result.Status)
	assert.Empty(t, result.Trades)
}

func TestIndexFetchFailureFailsRun(t *testing.T) {
	source := &fakeSource{
		data: map[uint32][]models.Candle{},
		errs: map[uint32]error{
			indexToken: errors.NewDataError("candles", "token:1", "vendor returned 503", nil),
		},
	}

	cfg := baseConfig()
	cfg.StopLossPoints = 1.5

	result, err := newTestDriver(source).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, models.BacktestStatusFailed, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestConfigValidation(t *testing.T) {
	cfg := baseConfig()
	cfg.Quantity = 0
	result, err := newTestDriver(&fakeSource{}).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
	assert.Equal(t, models.BacktestStatusFailed, result.Status)
}
