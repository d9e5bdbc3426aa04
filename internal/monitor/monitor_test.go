package monitor

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-engine/internal/models"
)

const (
	ceToken uint32 = 101
	peToken uint32 = 102
)

func newShortStraddle(strategies ...Strategy) *PositionMonitor {
	return New(Config{
		ExecutionID: "exec-1",
		Direction:   models.DirectionShort,
		Legs: []models.Leg{
			{Symbol: "CE", InstrumentToken: ceToken, EntryPrice: 50, Quantity: 50, OptionType: models.OptionCall, CurrentPrice: 50},
			{Symbol: "PE", InstrumentToken: peToken, EntryPrice: 45, Quantity: 50, OptionType: models.OptionPut, CurrentPrice: 45},
		},
		Strategies: strategies,
		Logger:     zerolog.Nop(),
	})
}

// ticks applies both legs' prices so the combined premium is split evenly.
func ticks(ce, pe float64) map[uint32]float64 {
	return map[uint32]float64{ceToken: ce, peToken: pe}
}

func TestPremiumTargetFiresOnCrossing(t *testing.T) {
	// Entry premium 95, 50% decay target = 47.5, 25% expansion stop = 118.75.
	strat := NewPremiumStrategy(95, 0.5, 0.25, 1, nil)
	m := newShortStraddle(strat)

	for _, tc := range []struct {
		ce, pe float64
		want   DecisionKind
	}{
		{50, 45, NoExit},   // combined 95
		{42, 38, NoExit},   // combined 80
		{29, 26, NoExit},   // combined 55
		{24, 23.5, ExitAll}, // combined 47.5 crosses the target
	} {
		d := m.UpdateTick(ticks(tc.ce, tc.pe))
		assert.Equal(t, tc.want, d.Kind, "at combined %.2f", tc.ce+tc.pe)
	}

	assert.False(t, m.Active())
	assert.Equal(t, models.ExitReasonPremiumTarget, m.ExitReason())
}

func TestPremiumStopLossFiresOnExpansion(t *testing.T) {
	strat := NewPremiumStrategy(95, 0.5, 0.25, 1, nil)
	m := newShortStraddle(strat)

	d := m.UpdateTick(ticks(60, 59)) // combined 119 >= 118.75
	require.Equal(t, ExitAll, d.Kind)
	assert.Equal(t, models.ExitReasonPremiumStopLoss, d.Reason)
	assert.False(t, m.Active())
}

func TestPointsTargetExitsWholePosition(t *testing.T) {
	strat := NewPointsStrategy(3.0, 1.5, 1)
	m := newShortStraddle(strat)

	// CE up 3 points from its entry exits everything, even though PE moved
	// against its own stop.
	d := m.UpdateTick(ticks(53, 45))
	require.Equal(t, ExitAll, d.Kind)
	assert.Equal(t, models.ExitReasonTargetHit, d.Reason)
}

func TestPointsLegStopExitsSingleLeg(t *testing.T) {
	strat := NewPointsStrategy(3.0, 1.5, 1)
	m := newShortStraddle(strat)

	// CE drops 1.6 points: only the CE leg exits; the monitor stays active
	// with the PE leg.
	d := m.UpdateTick(ticks(48.4, 45))
	require.Equal(t, ExitLeg, d.Kind)
	assert.Equal(t, "CE", d.Symbol)
	assert.Equal(t, models.ExitReasonLegStopLoss, d.Reason)
	assert.True(t, m.Active())

	legs := m.Legs()
	require.Len(t, legs, 1)
	assert.Equal(t, "PE", legs[0].Symbol)
}

func TestLastLegExitDeactivates(t *testing.T) {
	strat := NewPointsStrategy(0, 1.5, 1)
	m := newShortStraddle(strat)

	d := m.UpdateTick(ticks(48, 45))
	require.Equal(t, ExitLeg, d.Kind)
	require.True(t, m.Active())

	d = m.UpdateTick(ticks(48, 43))
	require.Equal(t, ExitLeg, d.Kind)
	assert.Equal(t, "PE", d.Symbol)
	assert.False(t, m.Active())
	assert.Equal(t, models.ExitReasonLegStopLoss, m.ExitReason())
}

func TestAdjustLegFiresOnceAtMidpoint(t *testing.T) {
	strat := NewPremiumStrategy(95, 0.5, 0.25, 1,
		func(exitSymbol string, newLegType models.OptionType, targetPremium float64) {})
	m := newShortStraddle(strat)

	// Midpoint between entry 95 and stop 118.75 is 106.875. CE rallies, PE
	// decays: the profitable PE leg should be swapped out.
	d := m.UpdateTick(ticks(70, 38)) // combined 108
	require.Equal(t, AdjustLeg, d.Kind)
	assert.Equal(t, "PE", d.Symbol)
	assert.Equal(t, models.OptionPut, d.NewLegType)
	assert.Equal(t, 70.0, d.TargetPremium)
	assert.True(t, m.Active(), "adjustment must not deactivate the monitor")

	// Still above the midpoint: the adjustment never fires twice.
	d = m.UpdateTick(ticks(71, 38))
	assert.Equal(t, NoExit, d.Kind)
}

func TestAdjustLegRequiresReplacementHandler(t *testing.T) {
	strat := NewPremiumStrategy(95, 0.5, 0.25, 1, nil)
	m := newShortStraddle(strat)

	d := m.UpdateTick(ticks(70, 38))
	assert.Equal(t, NoExit, d.Kind)
	assert.True(t, m.Active())
}

func TestStrategyPriorityOrder(t *testing.T) {
	// Both rules would fire on this tick; the lower priority number wins.
	points := NewPointsStrategy(3.0, 0, 1)
	premium := NewPremiumStrategy(95, 0.5, 0.25, 2, nil)
	m := newShortStraddle(premium, points)

	d := m.UpdateTick(ticks(60, 59)) // points target and premium stop both hit
	require.Equal(t, ExitAll, d.Kind)
	assert.Equal(t, models.ExitReasonTargetHit, d.Reason)
}

func TestUnknownTokenIgnored(t *testing.T) {
	strat := NewPointsStrategy(3.0, 1.5, 1)
	m := newShortStraddle(strat)

	d := m.UpdateTick(map[uint32]float64{999: 12345})
	assert.Equal(t, NoExit, d.Kind)
	legs := m.Legs()
	assert.Equal(t, 50.0, legs[0].CurrentPrice)
}

func TestForceExitWinsExactlyOnce(t *testing.T) {
	m := newShortStraddle(NewPointsStrategy(3.0, 1.5, 1))

	assert.True(t, m.ForceExit(models.ExitReasonForcedTimeExit))
	assert.False(t, m.ForceExit(models.ExitReasonManualStop))
	assert.Equal(t, models.ExitReasonForcedTimeExit, m.ExitReason())

	// Ticks after deactivation are inert.
	d := m.UpdateTick(ticks(60, 59))
	assert.Equal(t, NoExit, d.Kind)
}

func TestConcurrentExitDeliveredOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := newShortStraddle(NewPremiumStrategy(95, 0.5, 0.25, 1, nil))

		var wg sync.WaitGroup
		exits := make(chan Decision, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d := m.UpdateTick(ticks(24, 23)) // below target
				if d.Kind == ExitAll {
					exits <- d
				}
			}()
		}
		wg.Wait()
		close(exits)

		count := 0
		for range exits {
			count++
		}
		assert.Equal(t, 1, count, "exactly one goroutine observes the exit")
	}
}

func TestConcurrentAdjustLegDeliveredOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		strat := NewPremiumStrategy(95, 0.5, 0.25, 1,
			func(exitSymbol string, newLegType models.OptionType, targetPremium float64) {})
		m := newShortStraddle(strat)

		var wg sync.WaitGroup
		adjusts := make(chan Decision, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d := m.UpdateTick(ticks(70, 38)) // combined 108, past the midpoint
				if d.Kind == AdjustLeg {
					adjusts <- d
				}
			}()
		}
		wg.Wait()
		close(adjusts)

		count := 0
		for range adjusts {
			count++
		}
		assert.Equal(t, 1, count, "exactly one goroutine observes the adjustment")
		assert.True(t, m.Active())
	}
}

func TestShortDirectionUnrealizedPnl(t *testing.T) {
	m := newShortStraddle(NewPointsStrategy(0, 0, 1))
	m.UpdateTick(ticks(48, 47))

	legs := m.Legs()
	require.Len(t, legs, 2)
	// Short CE entered at 50 now 48: +2 per unit on 50 lots.
	assert.InDelta(t, 100.0, legs[0].UnrealizedPnl, 1e-9)
	// Short PE entered at 45 now 47: -2 per unit on 50 lots.
	assert.InDelta(t, -100.0, legs[1].UnrealizedPnl, 1e-9)
}
