// Package monitor owns the live state of one strategy execution's legs and
// evaluates the exit strategy chain on every tick batch.
package monitor

import (
	"fmt"

	"straddle-engine/internal/models"
)

// DecisionKind tags the outcome of one exit-chain evaluation.
type DecisionKind int

const (
	NoExit DecisionKind = iota
	ExitAll
	ExitLeg
	AdjustLeg
)

func (k DecisionKind) String() string {
	switch k {
	case ExitAll:
		return "EXIT_ALL"
	case ExitLeg:
		return "EXIT_LEG"
	case AdjustLeg:
		return "ADJUST_LEG"
	default:
		return "NO_EXIT"
	}
}

// Decision is the tagged result of evaluating the exit strategy chain.
type Decision struct {
	Kind   DecisionKind
	Reason models.ExitReason

	// ExitLeg / AdjustLeg: the leg to close.
	Symbol string

	// AdjustLeg: the replacement request.
	NewLegType    models.OptionType
	TargetPremium float64
}

func (d Decision) String() string {
	switch d.Kind {
	case ExitAll:
		return fmt.Sprintf("EXIT_ALL(%s)", d.Reason)
	case ExitLeg:
		return fmt.Sprintf("EXIT_LEG(%s, %s)", d.Symbol, d.Reason)
	case AdjustLeg:
		return fmt.Sprintf("ADJUST_LEG(close %s, new %s @ %.2f)", d.Symbol, d.NewLegType, d.TargetPremium)
	default:
		return "NO_EXIT"
	}
}

// noExit is the zero decision.
var noExit = Decision{Kind: NoExit}

// Snapshot is the read-only view of a monitor handed to each strategy.
type Snapshot struct {
	ExecutionID string
	Direction   models.Direction
	Legs        []models.Leg
}

// CombinedPremium sums all legs' current prices.
func (s *Snapshot) CombinedPremium() float64 {
	var sum float64
	for _, leg := range s.Legs {
		sum += leg.CurrentPrice
	}
	return sum
}

// SignedPnl returns the per-unit P&L of a leg under the position's direction:
// positive means the leg is making money.
func (s *Snapshot) SignedPnl(leg models.Leg) float64 {
	diff := leg.CurrentPrice - leg.EntryPrice
	if s.Direction == models.DirectionShort {
		return -diff
	}
	return diff
}

// Strategy is one exit rule in the chain. Rules are evaluated in ascending
// priority order and the chain short-circuits on the first non-NoExit
// decision.
type Strategy interface {
	Name() string
	Priority() int
	Evaluate(snap *Snapshot) Decision
}
