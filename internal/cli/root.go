package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"straddle-engine/internal/charges"
	"straddle-engine/internal/config"
	"straddle-engine/internal/logging"
	"straddle-engine/internal/paper"
	"straddle-engine/internal/ratelimit"
	"straddle-engine/internal/store"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Engine  *paper.Engine
	Limiter *ratelimit.Limiter
	Store   *store.SQLiteStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	calc := charges.NewCalculator(cfg.Charges)
	app := &App{
		Config: cfg,
		Logger: logger,
		Engine: paper.NewEngine(calc, logger),
		Limiter: ratelimit.New(ratelimit.Config{
			Window:     cfg.Limits.Window,
			Global:     cfg.Limits.Global,
			Categories: cfg.Limits.Categories,
		}),
	}

	dbPath := config.DefaultConfigDir() + "/engine.db"
	dataStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize store, run persistence unavailable")
	} else {
		app.Store = dataStore
		logger.Debug().Msg("SQLite store initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "straddle",
		Short: "Options straddle simulation engine",
		Long: `Straddle Engine replays intraday option strategies against historical
candle data and runs them live against a paper broker.

Use 'straddle help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/straddle-engine)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addBacktestCommands(rootCmd, app)
	addPaperCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("Straddle Engine v%s\n", Version)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			configDir, _ := cmd.Flags().GetString("config")
			path, err := config.WriteTemplate(configDir)
			if err != nil {
				return err
			}
			output.Success("Wrote %s", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Engine Configuration")
	output.Printf("  Mode:            %s\n", cfg.Engine.Mode)
	output.Printf("  User ID:         %s\n", cfg.Engine.UserID)
	output.Printf("  Initial Balance: %s\n", FormatCurrency(cfg.Engine.InitialBalance))
	output.Printf("  Default Product: %s\n", cfg.Engine.DefaultProduct)
	output.Println()

	output.Bold("Backtest Configuration")
	output.Printf("  Underlying:      %s\n", cfg.Backtest.Underlying)
	output.Printf("  Window:          %s - %s (square-off %s)\n", cfg.Backtest.StartTime, cfg.Backtest.EndTime, cfg.Backtest.SquareOffTime)
	output.Printf("  Quantity:        %d\n", cfg.Backtest.Quantity)
	output.Printf("  Direction:       %s\n", cfg.Backtest.Direction)
	output.Printf("  Target/SL Points: %.2f / %.2f\n", cfg.Backtest.TargetPoints, cfg.Backtest.StopLossPoints)
	output.Printf("  Premium Exit:    %v (decay %.0f%%, expansion %.0f%%)\n", cfg.Backtest.UsePremiumExit, cfg.Backtest.TargetDecayPct*100, cfg.Backtest.StopLossExpansionPct*100)
	output.Printf("  Auto Restart:    %v (max %d)\n", cfg.Backtest.AutoRestart, cfg.Backtest.MaxAutoRestarts)
	output.Println()

	output.Bold("Admission Limits")
	output.Printf("  Window:          %s\n", cfg.Limits.Window)
	output.Printf("  Global:          %d\n", cfg.Limits.Global)
	for name, n := range cfg.Limits.Categories {
		output.Printf("  %-16s %d\n", name+":", n)
	}

	return nil
}
