package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"straddle-engine/internal/backtest"
	"straddle-engine/internal/feed"
	"straddle-engine/internal/instruments"
	"straddle-engine/internal/models"
	"straddle-engine/internal/store"
	"straddle-engine/pkg/utils"
)

// addBacktestCommands adds the backtest command group.
func addBacktestCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a strategy against historical data",
		Long:  "Run, list and inspect historical replays of the straddle strategy.",
	}

	cmd.AddCommand(newBacktestRunCmd(app))
	cmd.AddCommand(newBacktestListCmd(app))
	cmd.AddCommand(newBacktestShowCmd(app))

	rootCmd.AddCommand(cmd)
}

func newBacktestRunCmd(app *App) *cobra.Command {
	var (
		dateStr   string
		expiryStr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest for one trading day",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			date, err := time.ParseInLocation("2006-01-02", dateStr, utils.IndiaLocation)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD): %w", err)
			}
			if !utils.IsTradingDay(date) {
				output.Warn("%s is not a trading day", dateStr)
				return nil
			}
			expiry := date
			if expiryStr != "" {
				expiry, err = time.ParseInLocation("2006-01-02", expiryStr, utils.IndiaLocation)
				if err != nil {
					return fmt.Errorf("invalid --expiry (want YYYY-MM-DD): %w", err)
				}
			}

			cfg, err := buildDriverConfig(app, date, expiry)
			if err != nil {
				return err
			}

			source := newCandleSource(app)
			resolver := instruments.NewStaticResolver(app.Config.Backtest.StrikeStep, app.Config.Backtest.LotSize)
			driver := backtest.NewDriver(source, resolver, app.Engine, app.Logger)

			result, runErr := driver.Run(cmd.Context(), *cfg)
			if app.Store != nil && result != nil {
				if err := app.Store.SaveRun(cmd.Context(), result); err != nil {
					app.Logger.Warn().Err(err).Msg("Failed to persist run")
				}
			}
			if runErr != nil {
				output.Error("Backtest failed: %v", runErr)
				return runErr
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			printRunSummary(output, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&dateStr, "date", "", "trading day to replay (YYYY-MM-DD)")
	cmd.Flags().StringVar(&expiryStr, "expiry", "", "option expiry (YYYY-MM-DD, default: same day)")
	cmd.MarkFlagRequired("date")
	return cmd
}

// buildDriverConfig combines file configuration with the requested day.
func buildDriverConfig(app *App, date, expiry time.Time) (*backtest.Config, error) {
	bc := app.Config.Backtest

	start, err := utils.ParseClockOn(date, bc.StartTime)
	if err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}
	end, err := utils.ParseClockOn(date, bc.EndTime)
	if err != nil {
		return nil, fmt.Errorf("invalid end_time: %w", err)
	}
	squareOff, err := utils.ParseClockOn(date, bc.SquareOffTime)
	if err != nil {
		return nil, fmt.Errorf("invalid square_off_time: %w", err)
	}

	return &backtest.Config{
		UserID:               app.Config.Engine.UserID,
		Underlying:           bc.Underlying,
		IndexToken:           instruments.TokenFor(bc.Underlying),
		Date:                 date,
		Expiry:               expiry,
		StartTime:            start,
		EndTime:              end,
		SquareOffTime:        squareOff,
		Quantity:             bc.Quantity,
		Direction:            models.Direction(bc.Direction),
		Product:              models.ProductType(app.Config.Engine.DefaultProduct),
		TargetPoints:         bc.TargetPoints,
		StopLossPoints:       bc.StopLossPoints,
		UsePremiumExit:       bc.UsePremiumExit,
		TargetDecayPct:       bc.TargetDecayPct,
		StopLossExpansionPct: bc.StopLossExpansionPct,
		AutoRestart:          bc.AutoRestart,
		MaxAutoRestarts:      bc.MaxAutoRestarts,
		CandleInterval:       bc.CandleInterval,
		CandleSpan:           time.Minute,
		InitialBalance:       app.Config.Engine.InitialBalance,
	}, nil
}

// newCandleSource builds the HTTP candle source, wrapped in the SQLite candle
// cache when the store is available.
func newCandleSource(app *App) feed.CandleSource {
	source := feed.NewHTTPCandleSource(feed.HTTPCandleSourceConfig{
		BaseURL:       app.Config.Feed.BaseURL,
		APIKey:        app.Config.Feed.APIKey,
		Timeout:       app.Config.Feed.Timeout,
		PrefetchDelay: app.Config.Feed.PrefetchDelay,
		Limiter:       app.Limiter,
		Logger:        app.Logger,
	})
	if app.Store == nil {
		return source
	}
	return feed.NewCachingSource(source, app.Store, app.Logger)
}

func printRunSummary(output *Output, result *models.BacktestResult) {
	output.Bold("Backtest %s  %s %s", result.RunID, result.Underlying, result.Date.Format("2006-01-02"))
	if result.Status == models.BacktestStatusFailed {
		output.Error("Status: FAILED (%s)", result.ErrorMessage)
	} else {
		output.Success("Status: %s", result.Status)
	}
	if result.SkippedBars > 0 {
		output.Dim("Skipped %d malformed candles", result.SkippedBars)
	}
	output.Println()

	for _, t := range result.Trades {
		marker := ""
		if t.WasAutoRestart {
			marker = " (restart)"
		}
		output.Printf("  #%d%s  %.0f  %s → %s  premium %.2f → %.2f  P&L %s  [%s]\n",
			t.TradeNumber, marker, t.Strike,
			t.EntryTime.Format("15:04:05"), t.ExitTime.Format("15:04:05"),
			t.EntryPremium, t.ExitPremium,
			FormatCurrency(t.PnlAmount), t.ExitReason)
	}
	output.Println()

	m := result.Metrics
	output.Bold("Performance")
	output.Printf("  Trades:          %d (win rate %.1f%%)\n", m.NumberOfTrades, m.WinRate)
	output.Printf("  Gross P&L:       %s\n", FormatCurrency(m.GrossPnl))
	output.Printf("  Charges:         %s\n", FormatCurrency(m.Charges))
	output.Printf("  Net P&L:         %s (%.2f%%)\n", FormatCurrency(m.NetPnl), m.ReturnPct)
	output.Printf("  Max Profit:      %s\n", FormatCurrency(m.MaxProfit))
	output.Printf("  Max Drawdown:    %s\n", FormatCurrency(m.MaxDrawdown))
	output.Printf("  Holding Time:    %s\n", m.HoldingDuration.Round(time.Second))
}

func newBacktestListCmd(app *App) *cobra.Command {
	var (
		underlying string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored backtest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}

			runs, err := app.Store.ListRuns(cmd.Context(), store.RunFilter{
				Underlying: underlying,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Dim("No stored runs")
				return nil
			}
			for _, r := range runs {
				output.Printf("%s  %-8s %s  %-9s trades=%d net=%s\n",
					r.RunID, r.Underlying, r.Date.Format("2006-01-02"),
					r.Status, r.Metrics.NumberOfTrades, FormatCurrency(r.Metrics.NetPnl))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&underlying, "underlying", "", "filter by underlying")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newBacktestShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one stored backtest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}

			result, err := app.Store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("run not found: %s", args[0])
			}
			if output.IsJSON() {
				return output.JSON(result)
			}
			printRunSummary(output, result)
			return nil
		},
	}
	return cmd
}
