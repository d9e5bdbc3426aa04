package cli

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"straddle-engine/internal/feed"
	"straddle-engine/internal/instruments"
	"straddle-engine/internal/logging"
	"straddle-engine/internal/metrics"
	"straddle-engine/internal/models"
	"straddle-engine/internal/monitor"
	"straddle-engine/internal/paper"
	"straddle-engine/pkg/utils"
)

// addPaperCommands adds the live paper-trading command group.
func addPaperCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Live paper trading against the websocket feed",
	}

	cmd.AddCommand(newPaperRunCmd(app))
	cmd.AddCommand(newPaperAccountCmd(app))

	rootCmd.AddCommand(cmd)
}

func newPaperRunCmd(app *App) *cobra.Command {
	var (
		spot        float64
		expiryStr   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enter and monitor a straddle on the live feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Config.Feed.WSURL == "" {
				return fmt.Errorf("feed ws_url is not configured")
			}

			now := time.Now().In(utils.IndiaLocation)
			expiry := now
			if expiryStr != "" {
				var err error
				expiry, err = time.ParseInLocation("2006-01-02", expiryStr, utils.IndiaLocation)
				if err != nil {
					return fmt.Errorf("invalid --expiry (want YYYY-MM-DD): %w", err)
				}
			}

			resolver := instruments.NewStaticResolver(app.Config.Backtest.StrikeStep, app.Config.Backtest.LotSize)
			sel, err := resolver.Resolve(cmd.Context(), app.Config.Backtest.Underlying, expiry, spot)
			if err != nil {
				return err
			}

			session := newPaperSession(app, resolver, sel, expiry)

			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					app.Logger.Warn().Err(err).Msg("Metrics server stopped")
				}
			}()
			defer srv.Close()

			output.Info("Monitoring %s / %s until %s",
				sel.Call.Symbol, sel.Put.Symbol,
				utils.SquareOffTime(now).Format("15:04"))

			if err := session.run(cmd.Context()); err != nil {
				return err
			}

			acct, err := app.Engine.Account(app.Config.Engine.UserID)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(acct)
			}
			output.Println()
			output.Bold("Session complete")
			output.Printf("  Exit reason:  %s\n", session.exitReason())
			output.Printf("  Realized P&L: %s\n", FormatCurrency(acct.RealizedPnl))
			output.Printf("  Charges:      %s\n", FormatCurrency(acct.TotalBrokerage+acct.TotalTaxes))
			return nil
		},
	}

	cmd.Flags().Float64Var(&spot, "spot", 0, "current spot price of the underlying")
	cmd.Flags().StringVar(&expiryStr, "expiry", "", "option expiry (YYYY-MM-DD, default: today)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "prometheus metrics listen address")
	cmd.MarkFlagRequired("spot")
	return cmd
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// paperSession drives one live straddle execution: entry on the first
// complete tick batch, exit-chain monitoring on every batch after that, and
// a forced square-off at the cutoff.
type paperSession struct {
	app      *App
	resolver instruments.Resolver
	sel      *models.StrikeSelection
	expiry   time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	mon    *monitor.PositionMonitor
	last   map[uint32]string
	done   chan struct{}
	closed bool
	runErr error
}

func newPaperSession(app *App, resolver instruments.Resolver, sel *models.StrikeSelection, expiry time.Time) *paperSession {
	return &paperSession{
		app:      app,
		resolver: resolver,
		sel:      sel,
		expiry:   expiry,
		logger:   logging.WithExecution(app.Logger, fmt.Sprintf("live-%d", time.Now().Unix())),
		last: map[uint32]string{
			sel.Call.Token: sel.Call.Symbol,
			sel.Put.Token:  sel.Put.Symbol,
		},
		done: make(chan struct{}),
	}
}

func (s *paperSession) run(ctx context.Context) error {
	cfg := s.app.Config
	s.app.Engine.CreateAccount(cfg.Engine.UserID, cfg.Engine.InitialBalance)

	ws := feed.NewWSFeed(cfg.Feed.WSURL, s.logger)
	ws.OnError(func(err error) {
		s.finish(err)
	})
	ws.OnBatch(func(prices map[uint32]float64, ts time.Time) {
		s.onBatch(ctx, prices, ts)
	})
	if err := ws.Connect(ctx); err != nil {
		return err
	}
	defer ws.Close()

	// Square-off: the time boundary outranks every tick-driven rule.
	now := time.Now().In(utils.IndiaLocation)
	squareOff := utils.SquareOffTime(now)
	var timer *time.Timer
	if squareOff.After(now) {
		timer = time.AfterFunc(squareOff.Sub(now), func() {
			s.forceExit(ctx, models.ExitReasonForcedTimeExit)
		})
		defer timer.Stop()
	} else {
		return fmt.Errorf("square-off time %s already passed", squareOff.Format("15:04"))
	}

	select {
	case <-ctx.Done():
		s.forceExit(context.Background(), models.ExitReasonManualStop)
		<-s.done
	case <-s.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *paperSession) onBatch(ctx context.Context, prices map[uint32]float64, ts time.Time) {
	cfg := s.app.Config

	s.mu.Lock()
	for token, price := range prices {
		symbol, ok := s.last[token]
		if !ok {
			continue
		}
		if err := s.app.Engine.UpdatePrice(cfg.Engine.UserID, symbol, price, ts); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Price update failed")
		}
	}
	mon := s.mon
	s.mu.Unlock()

	if mon == nil {
		s.tryEnter(ctx, prices, ts)
		return
	}

	decision := mon.UpdateTick(prices)
	switch decision.Kind {
	case monitor.ExitAll:
		s.closeAll(ctx, ts)
		s.finish(nil)

	case monitor.ExitLeg:
		s.closeSymbol(ctx, decision.Symbol, ts)
		if !mon.Active() {
			s.finish(nil)
		}

	case monitor.AdjustLeg:
		s.adjustLeg(ctx, mon, decision, ts)
	}

	if acct, err := s.app.Engine.Account(cfg.Engine.UserID); err == nil {
		metrics.AccountEquity.Set(acct.TotalBalance())
	}
}

// tryEnter places both legs once the feed has priced them.
func (s *paperSession) tryEnter(ctx context.Context, prices map[uint32]float64, ts time.Time) {
	cfg := s.app.Config
	cePrice, ceOK := prices[s.sel.Call.Token]
	pePrice, peOK := prices[s.sel.Put.Token]
	if !ceOK || !peOK {
		return
	}

	side := models.OrderSideBuy
	direction := models.Direction(cfg.Backtest.Direction)
	if direction == models.DirectionShort {
		side = models.OrderSideSell
	}

	legs := make([]models.Leg, 0, 2)
	for _, inst := range []models.Instrument{s.sel.Call, s.sel.Put} {
		order, err := s.placeOrder(ctx, paper.OrderRequest{
			Symbol:     inst.Symbol,
			Exchange:   inst.Exchange,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Product:    models.ProductType(cfg.Engine.DefaultProduct),
			OptionType: inst.OptionType,
			Quantity:   cfg.Backtest.Quantity,
			Tag:        "entry",
			At:         ts,
		})
		if err != nil {
			s.finish(err)
			return
		}
		legs = append(legs, models.Leg{
			OrderID:         order.ID,
			Symbol:          inst.Symbol,
			InstrumentToken: inst.Token,
			EntryPrice:      order.AveragePrice,
			Quantity:        cfg.Backtest.Quantity,
			OptionType:      inst.OptionType,
			CurrentPrice:    order.AveragePrice,
		})
	}

	entryPremium := cePrice + pePrice
	var strategies []monitor.Strategy
	if cfg.Backtest.TargetPoints > 0 || cfg.Backtest.StopLossPoints > 0 {
		strategies = append(strategies, monitor.NewPointsStrategy(cfg.Backtest.TargetPoints, cfg.Backtest.StopLossPoints, 1))
	}
	if cfg.Backtest.UsePremiumExit {
		// The replacement callback is a presence signal; the session acts on
		// the AdjustLeg decision itself.
		strategies = append(strategies, monitor.NewPremiumStrategy(
			entryPremium, cfg.Backtest.TargetDecayPct, cfg.Backtest.StopLossExpansionPct, 2,
			func(exitSymbol string, newLegType models.OptionType, targetPremium float64) {},
		))
	}

	mon := monitor.New(monitor.Config{
		ExecutionID: fmt.Sprintf("live-%d", ts.Unix()),
		Direction:   direction,
		Legs:        legs,
		Strategies:  strategies,
		Logger:      s.logger,
	})

	s.mu.Lock()
	s.mon = mon
	s.mu.Unlock()

	s.logger.Info().
		Float64("entry_premium", entryPremium).
		Time("at", ts).
		Msg("Straddle entered")
}

// adjustLeg executes a midpoint rebalance: the profitable leg is closed and
// replaced by the next OTM strike of the same option type.
func (s *paperSession) adjustLeg(ctx context.Context, mon *monitor.PositionMonitor, decision monitor.Decision, ts time.Time) {
	cfg := s.app.Config

	s.closeSymbol(ctx, decision.Symbol, ts)
	mon.RemoveLeg(decision.Symbol, decision.Reason)
	if !mon.Active() {
		s.finish(nil)
		return
	}

	step := cfg.Backtest.StrikeStep
	strike := s.sel.ATMStrike + step
	if decision.NewLegType == models.OptionPut {
		strike = s.sel.ATMStrike - step
	}
	symbol := instruments.FormatSymbol(cfg.Backtest.Underlying, s.expiry, strike, decision.NewLegType)
	token := instruments.TokenFor(symbol)

	s.mu.Lock()
	s.last[token] = symbol
	s.mu.Unlock()

	// Until its first tick arrives the new leg trades at the requested
	// premium.
	if err := s.app.Engine.UpdatePrice(cfg.Engine.UserID, symbol, decision.TargetPremium, ts); err != nil {
		s.finish(err)
		return
	}

	side := models.OrderSideBuy
	if models.Direction(cfg.Backtest.Direction) == models.DirectionShort {
		side = models.OrderSideSell
	}
	order, err := s.placeOrder(ctx, paper.OrderRequest{
		Symbol:     symbol,
		Exchange:   models.NFO,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Product:    models.ProductType(cfg.Engine.DefaultProduct),
		OptionType: decision.NewLegType,
		Quantity:   cfg.Backtest.Quantity,
		Tag:        "leg_adjust",
		At:         ts,
	})
	if err != nil {
		s.finish(err)
		return
	}

	mon.AddLeg(models.Leg{
		OrderID:         order.ID,
		Symbol:          symbol,
		InstrumentToken: token,
		EntryPrice:      order.AveragePrice,
		Quantity:        cfg.Backtest.Quantity,
		OptionType:      decision.NewLegType,
		CurrentPrice:    order.AveragePrice,
	})

	s.logger.Info().
		Str("closed", decision.Symbol).
		Str("opened", symbol).
		Float64("target_premium", decision.TargetPremium).
		Msg("Leg adjusted")
}

func (s *paperSession) placeOrder(ctx context.Context, req paper.OrderRequest) (*models.PaperOrder, error) {
	if err := s.app.Limiter.Acquire(ctx, "order"); err != nil {
		return nil, err
	}
	return s.app.Engine.PlaceOrder(ctx, s.app.Config.Engine.UserID, req)
}

func (s *paperSession) closeSymbol(ctx context.Context, symbol string, ts time.Time) {
	positions, err := s.app.Engine.Positions(s.app.Config.Engine.UserID)
	if err != nil {
		s.finish(err)
		return
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
		if _, err := s.placeOrder(ctx, paper.OrderRequest{
			Symbol:     symbol,
			Exchange:   pos.Exchange,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Product:    pos.Product,
			OptionType: pos.OptionType,
			Quantity:   qty,
			Tag:        "leg_exit",
			At:         ts,
		}); err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *paperSession) closeAll(ctx context.Context, ts time.Time) {
	if _, err := s.app.Engine.CloseAllPositions(ctx, s.app.Config.Engine.UserID, ts); err != nil {
		s.finish(err)
	}
}

func (s *paperSession) forceExit(ctx context.Context, reason models.ExitReason) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()

	if mon != nil && mon.ForceExit(reason) {
		s.closeAll(ctx, time.Now().In(utils.IndiaLocation))
	}
	s.finish(nil)
}

// finish closes the session exactly once.
func (s *paperSession) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err != nil {
		s.runErr = err
	}
	close(s.done)
}

func (s *paperSession) exitReason() models.ExitReason {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon == nil {
		return models.ExitReasonManualStop
	}
	return mon.ExitReason()
}

func newPaperAccountCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show the paper account snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			acct, err := app.Engine.Account(app.Config.Engine.UserID)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(acct)
			}
			output.Bold("Paper Account %s", acct.UserID)
			output.Printf("  Available:      %s\n", FormatCurrency(acct.AvailableBalance))
			output.Printf("  Used Margin:    %s\n", FormatCurrency(acct.UsedMargin))
			output.Printf("  Realized P&L:   %s\n", FormatCurrency(acct.RealizedPnl))
			output.Printf("  Unrealized P&L: %s\n", FormatCurrency(acct.UnrealizedPnl))
			output.Printf("  Brokerage:      %s\n", FormatCurrency(acct.TotalBrokerage))
			output.Printf("  Taxes:          %s\n", FormatCurrency(acct.TotalTaxes))
			return nil
		},
	}
}
