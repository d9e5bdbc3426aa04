package models

import "time"

// ExitReason identifies why a strategy execution (or a single leg) was closed.
type ExitReason string

const (
	ExitReasonTargetHit       ExitReason = "TARGET_HIT"
	ExitReasonStopLossHit     ExitReason = "STOP_LOSS_HIT"
	ExitReasonLegStopLoss     ExitReason = "LEG_STOP_LOSS"
	ExitReasonPremiumTarget   ExitReason = "PREMIUM_TARGET_HIT"
	ExitReasonPremiumStopLoss ExitReason = "PREMIUM_SL_HIT"
	ExitReasonLegAdjustment   ExitReason = "LEG_ADJUSTMENT"
	ExitReasonForcedTimeExit  ExitReason = "TIME_BASED_FORCED_EXIT"
	ExitReasonEndOfData       ExitReason = "END_OF_DATA"
	ExitReasonManualStop      ExitReason = "MANUAL_STOP"
)

// IsRestartable reports whether an exit reason qualifies for an auto-restart:
// only target / stop-loss / premium-threshold hits do, never forced or
// data-exhaustion exits.
func (r ExitReason) IsRestartable() bool {
	switch r {
	case ExitReasonTargetHit, ExitReasonStopLossHit, ExitReasonLegStopLoss,
		ExitReasonPremiumTarget, ExitReasonPremiumStopLoss:
		return true
	}
	return false
}

// Leg is one side of a multi-leg strategy execution, owned by a single
// position monitor.
type Leg struct {
	OrderID         string
	Symbol          string
	InstrumentToken uint32
	EntryPrice      float64
	Quantity        int
	OptionType      OptionType
	CurrentPrice    float64
	UnrealizedPnl   float64
}

// BacktestTrade is one completed entry/exit cycle. Immutable once recorded.
type BacktestTrade struct {
	TradeNumber    int
	Symbols        []string
	Strike         float64
	EntryTime      time.Time
	ExitTime       time.Time
	EntryPremium   float64
	ExitPremium    float64
	Quantity       int
	PnlPoints      float64
	PnlAmount      float64
	Charges        float64
	ExitReason     ExitReason
	WasAutoRestart bool
}

// TradeEventType classifies entries on the trade event timeline.
type TradeEventType string

const (
	TradeEventEntry       TradeEventType = "ENTRY"
	TradeEventPriceUpdate TradeEventType = "PRICE_UPDATE"
	TradeEventExit        TradeEventType = "EXIT"
)

// TradeEvent is one point on the execution timeline.
type TradeEvent struct {
	Type            TradeEventType
	Timestamp       time.Time
	LegPrices       map[string]float64
	CombinedPremium float64
	UnrealizedPnl   float64
	Reason          ExitReason
}

// PerformanceMetrics aggregates the outcome of a backtest run.
type PerformanceMetrics struct {
	TotalPremiumReceived float64
	TotalPremiumPaid     float64
	GrossPnl             float64
	Charges              float64
	NetPnl               float64
	ReturnPct            float64
	MaxProfit            float64
	MaxDrawdown          float64
	NumberOfTrades       int
	WinRate              float64
	HoldingDuration      time.Duration
}

// BacktestStatus is the terminal status of a backtest run.
type BacktestStatus string

const (
	BacktestStatusCompleted BacktestStatus = "COMPLETED"
	BacktestStatusFailed    BacktestStatus = "FAILED"
)

// BacktestResult is the full output of one replayed trading day.
type BacktestResult struct {
	RunID        string
	Underlying   string
	Date         time.Time
	Status       BacktestStatus
	ErrorMessage string
	Trades       []BacktestTrade
	Events       []TradeEvent
	Metrics      PerformanceMetrics
	SkippedBars  int
	StartedAt    time.Time
	FinishedAt   time.Time
}
