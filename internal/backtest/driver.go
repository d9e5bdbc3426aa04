// Package backtest replays full trading days through the same decision logic
// the live path uses: synthesized ticks feed a position monitor whose exits
// are executed against the paper engine, with auto-restart chains between
// trade cycles.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"straddle-engine/internal/errors"
	"straddle-engine/internal/feed"
	"straddle-engine/internal/instruments"
	"straddle-engine/internal/logging"
	"straddle-engine/internal/metrics"
	"straddle-engine/internal/models"
	"straddle-engine/internal/monitor"
	"straddle-engine/internal/paper"
	"straddle-engine/pkg/utils"
)

// Config describes one backtest run over a single trading day.
type Config struct {
	UserID     string
	Underlying string
	IndexToken uint32
	Date       time.Time
	Expiry     time.Time

	StartTime     time.Time
	EndTime       time.Time
	SquareOffTime time.Time

	Quantity  int
	Direction models.Direction
	Product   models.ProductType

	// Points rule.
	TargetPoints   float64
	StopLossPoints float64

	// Premium rule.
	UsePremiumExit       bool
	TargetDecayPct       float64
	StopLossExpansionPct float64

	AutoRestart     bool
	MaxAutoRestarts int // 0 = unlimited

	CandleInterval string
	CandleSpan     time.Duration

	InitialBalance float64
}

// Validate checks the run configuration.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.Wrap(errors.ErrConfigInvalid, "user id is required")
	}
	if c.Underlying == "" {
		return errors.Wrap(errors.ErrConfigInvalid, "underlying is required")
	}
	if c.Quantity <= 0 {
		return errors.Wrap(errors.ErrConfigInvalid, "quantity must be positive")
	}
	if c.Direction != models.DirectionLong && c.Direction != models.DirectionShort {
		return errors.Wrap(errors.ErrConfigInvalid, "direction must be LONG or SHORT")
	}
	if c.MaxAutoRestarts < 0 {
		return errors.Wrap(errors.ErrConfigInvalid, "max auto restarts must be >= 0")
	}
	if !c.StartTime.Before(c.SquareOffTime) {
		return errors.Wrap(errors.ErrConfigInvalid, "start time must precede square-off time")
	}
	if c.InitialBalance <= 0 {
		return errors.Wrap(errors.ErrConfigInvalid, "initial balance must be positive")
	}
	return nil
}

// Driver wires the tick synthesizer, instrument resolver, position monitor
// and paper engine into one deterministic day replay.
type Driver struct {
	candles  feed.CandleSource
	resolver instruments.Resolver
	engine   *paper.Engine
	logger   zerolog.Logger
}

// NewDriver creates a replay driver.
func NewDriver(candles feed.CandleSource, resolver instruments.Resolver, engine *paper.Engine, logger zerolog.Logger) *Driver {
	return &Driver{
		candles:  candles,
		resolver: resolver,
		engine:   engine,
		logger:   logger,
	}
}

// Run replays one trading day. Upstream data failures abort the run with
// status FAILED; trades recorded before the failure remain in the result.
func (d *Driver) Run(ctx context.Context, cfg Config) (*models.BacktestResult, error) {
	result := &models.BacktestResult{
		RunID:      uuid.NewString(),
		Underlying: cfg.Underlying,
		Date:       cfg.Date,
		Status:     models.BacktestStatusCompleted,
		StartedAt:  time.Now(),
	}
	logger := logging.WithRun(d.logger, result.RunID)

	if err := cfg.Validate(); err != nil {
		return fail(result, err), err
	}

	span := cfg.CandleSpan
	if span <= 0 {
		span = time.Minute
	}

	d.engine.CreateAccount(cfg.UserID, cfg.InitialBalance)

	indexCandles, skipped, err := d.candles.Fetch(ctx, cfg.IndexToken, cfg.Date, cfg.CandleInterval)
	result.SkippedBars += skipped
	if err != nil {
		return fail(result, errors.Wrap(err, "fetching index candles")), err
	}

	nextEntry := cfg.StartTime
	restarts := 0
	wasRestart := false

	for {
		// Scheduling boundary: never enter at or after square-off, nor
		// after the configured end time.
		if !nextEntry.Before(cfg.SquareOffTime) || nextEntry.After(cfg.EndTime) {
			break
		}

		spot, ok := utils.FloorClose(indexCandles, nextEntry)
		if !ok {
			logger.Warn().Time("entry", nextEntry).Msg("No spot price at entry time")
			break
		}

		// Strikes are resolved fresh for every cycle, mirroring live
		// re-entry behavior.
		sel, err := d.resolver.Resolve(ctx, cfg.Underlying, cfg.Expiry, spot)
		if err != nil {
			return fail(result, errors.Wrap(err, "resolving ATM instruments")), err
		}

		batches, err := d.loadFeed(ctx, cfg, sel, span, result)
		if err != nil {
			if errors.Is(err, errors.ErrDataUnavailable) {
				logger.Warn().Float64("strike", sel.ATMStrike).Msg("No option data, stopping")
				break
			}
			return fail(result, err), err
		}
		if len(batches) == 0 {
			break
		}

		trade, err := d.runCycle(ctx, cfg, sel, batches, nextEntry, wasRestart, result, logger)
		if err != nil {
			return fail(result, err), err
		}
		if trade == nil {
			break
		}
		result.Trades = append(result.Trades, *trade)

		// Auto-restart: only threshold-type exits chain, bounded by the
		// restart budget, and only strictly before square-off.
		if !cfg.AutoRestart || !trade.ExitReason.IsRestartable() {
			break
		}
		if cfg.MaxAutoRestarts > 0 && restarts >= cfg.MaxAutoRestarts {
			break
		}
		if !trade.ExitTime.Before(cfg.SquareOffTime) {
			break
		}
		restarts++
		wasRestart = true
		nextEntry = utils.NextFiveMinuteBoundary(trade.ExitTime)
		metrics.Restarts.Inc()
		logging.LogRestart(logger, result.RunID, restarts, nextEntry)
	}

	result.Metrics = computeMetrics(result.Trades, cfg.Direction, cfg.InitialBalance)
	result.FinishedAt = time.Now()
	return result, nil
}

// loadFeed fetches both legs' candles and merges them into tick batches.
func (d *Driver) loadFeed(ctx context.Context, cfg Config, sel *models.StrikeSelection, span time.Duration, result *models.BacktestResult) ([]feed.Batch, error) {
	ceCandles, skipped, err := d.candles.Fetch(ctx, sel.Call.Token, cfg.Date, cfg.CandleInterval)
	result.SkippedBars += skipped
	if err != nil {
		return nil, errors.Wrap(err, "fetching call candles")
	}
	peCandles, skipped, err := d.candles.Fetch(ctx, sel.Put.Token, cfg.Date, cfg.CandleInterval)
	result.SkippedBars += skipped
	if err != nil {
		return nil, errors.Wrap(err, "fetching put candles")
	}

	ticks := feed.MergeTicks(
		feed.SynthesizeTicks(sel.Call, ceCandles, span),
		feed.SynthesizeTicks(sel.Put, peCandles, span),
	)
	return feed.BatchTicks(ticks), nil
}

// runCycle executes one entry/exit cycle. A nil trade with nil error means
// no entry was possible (feed exhausted before the entry time).
func (d *Driver) runCycle(ctx context.Context, cfg Config, sel *models.StrikeSelection, batches []feed.Batch, entryAt time.Time, wasRestart bool, result *models.BacktestResult, logger zerolog.Logger) (*models.BacktestTrade, error) {
	// Locate the entry batch: the first tick at/after the scheduled entry
	// with both legs priced.
	last := map[uint32]float64{}
	entryIdx := -1
	for i, b := range batches {
		for token, price := range b.Prices {
			last[token] = price
		}
		if b.Timestamp.Before(entryAt) {
			continue
		}
		if last[sel.Call.Token] > 0 && last[sel.Put.Token] > 0 {
			entryIdx = i
			break
		}
	}
	if entryIdx == -1 {
		return nil, nil
	}

	entryTime := batches[entryIdx].Timestamp
	cePrice := last[sel.Call.Token]
	pePrice := last[sel.Put.Token]
	entryPremium := cePrice + pePrice

	acctBefore, err := d.engine.Account(cfg.UserID)
	if err != nil {
		return nil, err
	}
	chargesBefore := acctBefore.TotalBrokerage + acctBefore.TotalTaxes

	entrySide := models.OrderSideBuy
	if cfg.Direction == models.DirectionShort {
		entrySide = models.OrderSideSell
	}

	legs := make([]models.Leg, 0, 2)
	for _, inst := range []models.Instrument{sel.Call, sel.Put} {
		price := last[inst.Token]
		if err := d.engine.UpdatePrice(cfg.UserID, inst.Symbol, price, entryTime); err != nil {
			return nil, err
		}
		order, err := d.engine.PlaceOrder(ctx, cfg.UserID, paper.OrderRequest{
			Symbol:     inst.Symbol,
			Exchange:   inst.Exchange,
			Side:       entrySide,
			Type:       models.OrderTypeMarket,
			Product:    cfg.Product,
			OptionType: inst.OptionType,
			Quantity:   cfg.Quantity,
			Tag:        "entry",
			At:         entryTime,
		})
		if err != nil {
			return nil, errors.Wrap(err, "placing entry order")
		}
		legs = append(legs, models.Leg{
			OrderID:         order.ID,
			Symbol:          inst.Symbol,
			InstrumentToken: inst.Token,
			EntryPrice:      order.AveragePrice,
			Quantity:        cfg.Quantity,
			OptionType:      inst.OptionType,
			CurrentPrice:    order.AveragePrice,
		})
	}

	var strategies []monitor.Strategy
	if cfg.TargetPoints > 0 || cfg.StopLossPoints > 0 {
		strategies = append(strategies, monitor.NewPointsStrategy(cfg.TargetPoints, cfg.StopLossPoints, 1))
	}
	if cfg.UsePremiumExit {
		// Leg replacement needs fresh strike data mid-cycle, which a
		// two-instrument day replay cannot supply; the rule runs with the
		// replacement callback disabled, exactly like a live run without a
		// replacement handler.
		strategies = append(strategies, monitor.NewPremiumStrategy(entryPremium, cfg.TargetDecayPct, cfg.StopLossExpansionPct, 2, nil))
	}

	mon := monitor.New(monitor.Config{
		ExecutionID: fmt.Sprintf("%s-t%d", result.RunID, len(result.Trades)+1),
		Direction:   cfg.Direction,
		Legs:        legs,
		Strategies:  strategies,
		Logger:      logger,
	})

	result.Events = append(result.Events, models.TradeEvent{
		Type:            models.TradeEventEntry,
		Timestamp:       entryTime,
		LegPrices:       map[string]float64{sel.Call.Symbol: cePrice, sel.Put.Symbol: pePrice},
		CombinedPremium: entryPremium,
	})

	symbolFor := map[uint32]string{
		sel.Call.Token: sel.Call.Symbol,
		sel.Put.Token:  sel.Put.Symbol,
	}

	exitValue := 0.0 // accumulates individually-exited legs' prices
	exitTime := entryTime
	lastEvent := entryTime

	finish := func(at time.Time) (*models.BacktestTrade, error) {
		// Close whatever is still open at the latest prices.
		for _, leg := range mon.Legs() {
			exitValue += leg.CurrentPrice
		}
		if _, err := d.engine.CloseAllPositions(ctx, cfg.UserID, at); err != nil {
			return nil, errors.Wrap(err, "squaring off positions")
		}

		acctAfter, err := d.engine.Account(cfg.UserID)
		if err != nil {
			return nil, err
		}

		pnlPoints := exitValue - entryPremium
		if cfg.Direction == models.DirectionShort {
			pnlPoints = entryPremium - exitValue
		}
		trade := &models.BacktestTrade{
			TradeNumber:    len(result.Trades) + 1,
			Symbols:        []string{sel.Call.Symbol, sel.Put.Symbol},
			Strike:         sel.ATMStrike,
			EntryTime:      entryTime,
			ExitTime:       at,
			EntryPremium:   entryPremium,
			ExitPremium:    exitValue,
			Quantity:       cfg.Quantity,
			PnlPoints:      pnlPoints,
			PnlAmount:      pnlPoints * float64(cfg.Quantity),
			Charges:        acctAfter.TotalBrokerage + acctAfter.TotalTaxes - chargesBefore,
			ExitReason:     mon.ExitReason(),
			WasAutoRestart: wasRestart,
		}
		result.Events = append(result.Events, models.TradeEvent{
			Type:            models.TradeEventExit,
			Timestamp:       at,
			CombinedPremium: exitValue,
			UnrealizedPnl:   trade.PnlAmount,
			Reason:          trade.ExitReason,
		})
		return trade, nil
	}

	for _, batch := range batches[entryIdx+1:] {
		ts := batch.Timestamp

		// Time boundaries trump every tick-driven rule.
		if !ts.Before(cfg.SquareOffTime) || ts.After(cfg.EndTime) {
			mon.ForceExit(models.ExitReasonForcedTimeExit)
			return finish(exitTime)
		}

		for token, price := range batch.Prices {
			symbol, ok := symbolFor[token]
			if !ok {
				continue
			}
			last[token] = price
			if err := d.engine.UpdatePrice(cfg.UserID, symbol, price, ts); err != nil {
				return nil, err
			}
		}

		decision := mon.UpdateTick(batch.Prices)
		exitTime = ts

		if ts.Sub(lastEvent) >= time.Minute {
			lastEvent = ts
			snapshot := mon.Legs()
			legPrices := make(map[string]float64, len(snapshot))
			unrealized := 0.0
			for _, leg := range snapshot {
				legPrices[leg.Symbol] = leg.CurrentPrice
				unrealized += leg.UnrealizedPnl
			}
			result.Events = append(result.Events, models.TradeEvent{
				Type:            models.TradeEventPriceUpdate,
				Timestamp:       ts,
				LegPrices:       legPrices,
				CombinedPremium: mon.CombinedPremium(),
				UnrealizedPnl:   unrealized,
			})
		}

		switch decision.Kind {
		case monitor.ExitAll:
			return finish(ts)

		case monitor.ExitLeg:
			// The leg left the monitor already; flatten it on the ledger.
			exitValue += last[instruments.TokenFor(decision.Symbol)]
			if err := d.closeLeg(ctx, cfg, decision.Symbol, ts); err != nil {
				return nil, err
			}
			if !mon.Active() {
				return finish(ts)
			}
		}
	}

	// Feed exhausted with the position still open.
	if mon.Active() {
		mon.ForceExit(models.ExitReasonEndOfData)
	}
	return finish(exitTime)
}

// closeLeg market-exits a single symbol's open quantity.
func (d *Driver) closeLeg(ctx context.Context, cfg Config, symbol string, at time.Time) error {
	positions, err := d.engine.Positions(cfg.UserID)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Symbol != symbol || pos.NetQty == 0 {
			continue
		}
		side := models.OrderSideSell
		qty := pos.NetQty
		if qty < 0 {
			side = models.OrderSideBuy
			qty = -qty
		}
		_, err := d.engine.PlaceOrder(ctx, cfg.UserID, paper.OrderRequest{
			Symbol:     symbol,
			Exchange:   pos.Exchange,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Product:    pos.Product,
			OptionType: pos.OptionType,
			Quantity:   qty,
			Tag:        "leg_exit",
			At:         at,
		})
		if err != nil {
			return errors.Wrap(err, "closing leg")
		}
	}
	return nil
}

func fail(result *models.BacktestResult, err error) *models.BacktestResult {
	result.Status = models.BacktestStatusFailed
	result.ErrorMessage = err.Error()
	result.FinishedAt = time.Now()
	return result
}
