// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"straddle-engine/internal/models"
)

// SQLiteStore persists backtest runs and cached candle data using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Backtest runs table
	CREATE TABLE IF NOT EXISTS backtest_runs (
		id TEXT PRIMARY KEY,
		underlying TEXT NOT NULL,
		date DATE NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		skipped_bars INTEGER DEFAULT 0,
		metrics TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Per-run trade cycles
	CREATE TABLE IF NOT EXISTS backtest_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		trade_number INTEGER NOT NULL,
		symbols TEXT NOT NULL,
		strike REAL NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME NOT NULL,
		entry_premium REAL NOT NULL,
		exit_premium REAL NOT NULL,
		quantity INTEGER NOT NULL,
		pnl_points REAL NOT NULL,
		pnl_amount REAL NOT NULL,
		charges REAL NOT NULL,
		exit_reason TEXT NOT NULL,
		was_auto_restart INTEGER DEFAULT 0,
		UNIQUE(run_id, trade_number),
		FOREIGN KEY (run_id) REFERENCES backtest_runs(id)
	);

	-- Per-run event timeline
	CREATE TABLE IF NOT EXISTS trade_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		leg_prices TEXT,
		combined_premium REAL,
		unrealized_pnl REAL,
		reason TEXT,
		FOREIGN KEY (run_id) REFERENCES backtest_runs(id)
	);

	-- Candle cache for historical OHLCV data
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument_token INTEGER NOT NULL,
		interval TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(instrument_token, interval, timestamp)
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_runs_underlying ON backtest_runs(underlying);
	CREATE INDEX IF NOT EXISTS idx_runs_date ON backtest_runs(date);
	CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_run ON trade_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON trade_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_candles_token_interval ON candles(instrument_token, interval);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Backtest Runs Methods
// ============================================================================

// SaveRun persists a completed backtest run with its trades and event
// timeline in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *models.BacktestResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metricsJSON, _ := json.Marshal(result.Metrics)
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_runs (id, underlying, date, status, error_message, skipped_bars, metrics, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.RunID, result.Underlying, result.Date, string(result.Status), result.ErrorMessage, result.SkippedBars, string(metricsJSON), result.StartedAt, result.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO backtest_trades (run_id, trade_number, symbols, strike, entry_time, exit_time, entry_premium, exit_premium, quantity, pnl_points, pnl_amount, charges, exit_reason, was_auto_restart)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare trade statement: %w", err)
	}
	defer tradeStmt.Close()

	for _, t := range result.Trades {
		symbols, _ := json.Marshal(t.Symbols)
		wasRestart := 0
		if t.WasAutoRestart {
			wasRestart = 1
		}
		_, err := tradeStmt.ExecContext(ctx, result.RunID, t.TradeNumber, string(symbols), t.Strike, t.EntryTime, t.ExitTime, t.EntryPremium, t.ExitPremium, t.Quantity, t.PnlPoints, t.PnlAmount, t.Charges, string(t.ExitReason), wasRestart)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_events (run_id, event_type, timestamp, leg_prices, combined_premium, unrealized_pnl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event statement: %w", err)
	}
	defer eventStmt.Close()

	for _, e := range result.Events {
		legPrices, _ := json.Marshal(e.LegPrices)
		_, err := eventStmt.ExecContext(ctx, result.RunID, string(e.Type), e.Timestamp, string(legPrices), e.CombinedPremium, e.UnrealizedPnl, string(e.Reason))
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves one run with its trades. Returns nil when no run exists.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.BacktestResult, error) {
	var result models.BacktestResult
	var metricsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, underlying, date, status, error_message, skipped_bars, metrics, started_at, finished_at
		FROM backtest_runs WHERE id = ?
	`, runID).Scan(&result.RunID, &result.Underlying, &result.Date, &result.Status, &result.ErrorMessage, &result.SkippedBars, &metricsJSON, &result.StartedAt, &result.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	json.Unmarshal([]byte(metricsJSON), &result.Metrics)

	trades, err := s.GetTrades(ctx, runID)
	if err != nil {
		return nil, err
	}
	result.Trades = trades
	return &result, nil
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Underlying string
	StartDate  time.Time
	EndDate    time.Time
	Limit      int
}

// ListRuns retrieves run summaries, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.BacktestResult, error) {
	query := "SELECT id, underlying, date, status, error_message, skipped_bars, metrics, started_at, finished_at FROM backtest_runs WHERE 1=1"
	args := []interface{}{}

	if filter.Underlying != "" {
		query += " AND underlying = ?"
		args = append(args, filter.Underlying)
	}
	if !filter.StartDate.IsZero() {
		query += " AND date >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND date <= ?"
		args = append(args, filter.EndDate)
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var results []models.BacktestResult
	for rows.Next() {
		var r models.BacktestResult
		var metricsJSON string
		if err := rows.Scan(&r.RunID, &r.Underlying, &r.Date, &r.Status, &r.ErrorMessage, &r.SkippedBars, &metricsJSON, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		json.Unmarshal([]byte(metricsJSON), &r.Metrics)
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetTrades retrieves the trade cycles of one run in trade order.
func (s *SQLiteStore) GetTrades(ctx context.Context, runID string) ([]models.BacktestTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_number, symbols, strike, entry_time, exit_time, entry_premium, exit_premium, quantity, pnl_points, pnl_amount, charges, exit_reason, was_auto_restart
		FROM backtest_trades WHERE run_id = ? ORDER BY trade_number ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.BacktestTrade
	for rows.Next() {
		var t models.BacktestTrade
		var symbolsJSON string
		var wasRestart int
		if err := rows.Scan(&t.TradeNumber, &symbolsJSON, &t.Strike, &t.EntryTime, &t.ExitTime, &t.EntryPremium, &t.ExitPremium, &t.Quantity, &t.PnlPoints, &t.PnlAmount, &t.Charges, &t.ExitReason, &wasRestart); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		json.Unmarshal([]byte(symbolsJSON), &t.Symbols)
		t.WasAutoRestart = wasRestart == 1
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetEvents retrieves the event timeline of one run in time order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]models.TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, timestamp, leg_prices, combined_premium, unrealized_pnl, reason
		FROM trade_events WHERE run_id = ? ORDER BY timestamp ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		var e models.TradeEvent
		var legPricesJSON string
		if err := rows.Scan(&e.Type, &e.Timestamp, &legPricesJSON, &e.CombinedPremium, &e.UnrealizedPnl, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		json.Unmarshal([]byte(legPricesJSON), &e.LegPrices)
		events = append(events, e)
	}

	return events, rows.Err()
}

// ============================================================================
// Candle Cache Methods
// ============================================================================

// SaveCandles caches candles for an instrument and interval.
func (s *SQLiteStore) SaveCandles(ctx context.Context, token uint32, interval string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (instrument_token, interval, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, token, interval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCandles retrieves cached candles for an instrument on one day.
func (s *SQLiteStore) GetCandles(ctx context.Context, token uint32, interval string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE instrument_token = ? AND interval = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, token, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	return candles, nil
}
