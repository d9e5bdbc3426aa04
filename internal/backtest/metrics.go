package backtest

import (
	"straddle-engine/internal/models"
)

// computeMetrics aggregates per-trade outcomes into run-level performance
// numbers. Max profit and max drawdown are taken over the cumulative net P&L
// curve at trade granularity.
func computeMetrics(trades []models.BacktestTrade, direction models.Direction, initialBalance float64) models.PerformanceMetrics {
	m := models.PerformanceMetrics{NumberOfTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	wins := 0
	cumulative := 0.0
	peak := 0.0
	for _, t := range trades {
		received, paid := t.EntryPremium, t.ExitPremium
		if direction == models.DirectionLong {
			received, paid = t.ExitPremium, t.EntryPremium
		}
		m.TotalPremiumReceived += received * float64(t.Quantity)
		m.TotalPremiumPaid += paid * float64(t.Quantity)
		m.GrossPnl += t.PnlAmount
		m.Charges += t.Charges
		m.HoldingDuration += t.ExitTime.Sub(t.EntryTime)

		net := t.PnlAmount - t.Charges
		if net > 0 {
			wins++
		}
		cumulative += net
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
	m.NetPnl = m.GrossPnl - m.Charges
	m.MaxProfit = peak
	m.WinRate = float64(wins) / float64(len(trades)) * 100
	if initialBalance > 0 {
		m.ReturnPct = m.NetPnl / initialBalance * 100
	}
	return m
}
