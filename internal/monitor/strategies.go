package monitor

import (
	"sync/atomic"

	"straddle-engine/internal/models"
)

// PointsStrategy exits on absolute point moves from each leg's entry price:
// any leg moving up by ProfitPoints or more exits the whole position, any leg
// dropping by LossPoints or more exits that leg alone.
type PointsStrategy struct {
	ProfitPoints float64 // e.g. 3.0
	LossPoints   float64 // positive magnitude, e.g. 1.5
	RulePriority int
}

// NewPointsStrategy creates the points-based exit rule.
func NewPointsStrategy(profitPoints, lossPoints float64, priority int) *PointsStrategy {
	return &PointsStrategy{
		ProfitPoints: profitPoints,
		LossPoints:   lossPoints,
		RulePriority: priority,
	}
}

func (s *PointsStrategy) Name() string  { return "points" }
func (s *PointsStrategy) Priority() int { return s.RulePriority }

// Evaluate applies the raw price difference against entry, leg by leg, in
// leg order. The profit check runs for every leg before the per-leg loss
// check so a profit hit always exits the full position.
func (s *PointsStrategy) Evaluate(snap *Snapshot) Decision {
	for _, leg := range snap.Legs {
		diff := leg.CurrentPrice - leg.EntryPrice
		if s.ProfitPoints > 0 && diff >= s.ProfitPoints {
			return Decision{Kind: ExitAll, Reason: models.ExitReasonTargetHit}
		}
	}
	for _, leg := range snap.Legs {
		diff := leg.CurrentPrice - leg.EntryPrice
		if s.LossPoints > 0 && diff <= -s.LossPoints {
			return Decision{Kind: ExitLeg, Symbol: leg.Symbol, Reason: models.ExitReasonLegStopLoss}
		}
	}
	return noExit
}

// ReplacementFunc tells the premium strategy a leg replacement is possible.
// Its presence alone gates the AdjustLeg branch; the monitor's owner performs
// the actual replacement.
type ReplacementFunc func(exitSymbol string, newLegType models.OptionType, targetPremium float64)

// PremiumStrategy exits a short combined-premium position on premium decay
// (target) or expansion (stop loss), and optionally rebalances the legs when
// the combined premium crosses the midpoint between entry and the stop level.
type PremiumStrategy struct {
	EntryPremium         float64
	TargetDecayPct       float64 // target at EntryPremium × (1 − pct)
	StopLossExpansionPct float64 // stop at EntryPremium × (1 + pct)
	RulePriority         int

	// Replace enables the midpoint leg adjustment; nil disables it.
	Replace ReplacementFunc

	// adjusted latches after the first midpoint crossing. Evaluate runs
	// outside the monitor lock, so the latch must be atomic.
	adjusted atomic.Bool
}

// NewPremiumStrategy creates the premium-based exit rule for a short
// combined-premium position.
func NewPremiumStrategy(entryPremium, targetDecayPct, stopLossExpansionPct float64, priority int, replace ReplacementFunc) *PremiumStrategy {
	return &PremiumStrategy{
		EntryPremium:         entryPremium,
		TargetDecayPct:       targetDecayPct,
		StopLossExpansionPct: stopLossExpansionPct,
		RulePriority:         priority,
		Replace:              replace,
	}
}

func (s *PremiumStrategy) Name() string  { return "premium" }
func (s *PremiumStrategy) Priority() int { return s.RulePriority }

// TargetLevel returns EntryPremium × (1 − TargetDecayPct).
func (s *PremiumStrategy) TargetLevel() float64 {
	return s.EntryPremium * (1 - s.TargetDecayPct)
}

// StopLevel returns EntryPremium × (1 + StopLossExpansionPct).
func (s *PremiumStrategy) StopLevel() float64 {
	return s.EntryPremium * (1 + s.StopLossExpansionPct)
}

func (s *PremiumStrategy) Evaluate(snap *Snapshot) Decision {
	combined := snap.CombinedPremium()
	if combined <= 0 {
		return noExit
	}

	if combined <= s.TargetLevel() {
		return Decision{Kind: ExitAll, Reason: models.ExitReasonPremiumTarget}
	}
	slLevel := s.StopLevel()
	if combined >= slLevel {
		return Decision{Kind: ExitAll, Reason: models.ExitReasonPremiumStopLoss}
	}

	// Midpoint rebalance: close the currently profitable leg and request a
	// replacement of the same option type sized to the losing leg's price.
	// The heuristic symmetrizes leg risk; it is preserved as-is.
	if s.Replace == nil || s.adjusted.Load() || len(snap.Legs) < 2 {
		return noExit
	}
	midpoint := s.EntryPremium + (slLevel-s.EntryPremium)/2
	if combined < midpoint {
		return noExit
	}

	best := 0
	worst := 0
	for i, leg := range snap.Legs {
		if snap.SignedPnl(leg) > snap.SignedPnl(snap.Legs[best]) {
			best = i
		}
		if snap.SignedPnl(leg) < snap.SignedPnl(snap.Legs[worst]) {
			worst = i
		}
	}
	if best == worst {
		return noExit
	}

	if !s.adjusted.CompareAndSwap(false, true) {
		return noExit
	}
	profitable := snap.Legs[best]
	losing := snap.Legs[worst]
	return Decision{
		Kind:          AdjustLeg,
		Reason:        models.ExitReasonLegAdjustment,
		Symbol:        profitable.Symbol,
		NewLegType:    profitable.OptionType,
		TargetPremium: losing.CurrentPrice,
	}
}
