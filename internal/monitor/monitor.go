package monitor

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"straddle-engine/internal/metrics"
	"straddle-engine/internal/models"
)

// PositionMonitor owns the legs of one strategy execution and runs the exit
// strategy chain once per tick batch. The active flag flips false exactly
// once (when an exit-all rule fires, or when the last leg is closed
// individually), so exit handling runs at most once even under concurrent
// tick delivery.
type PositionMonitor struct {
	executionID string
	direction   models.Direction

	mu         sync.RWMutex
	legs       map[string]*models.Leg
	tokenIndex map[uint32]string
	strategies []Strategy

	active     atomic.Bool
	exitReason models.ExitReason

	logger zerolog.Logger
}

// Config holds position-monitor construction parameters.
type Config struct {
	ExecutionID string
	Direction   models.Direction
	Legs        []models.Leg
	Strategies  []Strategy
	Logger      zerolog.Logger
}

// New creates an active monitor over the given legs. Strategies are ordered
// by ascending priority number; ties keep their given order.
func New(cfg Config) *PositionMonitor {
	m := &PositionMonitor{
		executionID: cfg.ExecutionID,
		direction:   cfg.Direction,
		legs:        make(map[string]*models.Leg, len(cfg.Legs)),
		tokenIndex:  make(map[uint32]string, len(cfg.Legs)),
		strategies:  make([]Strategy, len(cfg.Strategies)),
		logger:      cfg.Logger,
	}
	for i := range cfg.Legs {
		leg := cfg.Legs[i]
		m.legs[leg.Symbol] = &leg
		m.tokenIndex[leg.InstrumentToken] = leg.Symbol
	}
	copy(m.strategies, cfg.Strategies)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority() < m.strategies[j].Priority()
	})
	m.active.Store(true)
	return m
}

// ExecutionID returns the execution this monitor belongs to.
func (m *PositionMonitor) ExecutionID() string { return m.executionID }

// Direction returns the position direction.
func (m *PositionMonitor) Direction() models.Direction { return m.direction }

// Active reports whether the execution is still being monitored.
func (m *PositionMonitor) Active() bool { return m.active.Load() }

// ExitReason returns the recorded exit reason once the monitor deactivated.
func (m *PositionMonitor) ExitReason() models.ExitReason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exitReason
}

// Legs returns a snapshot of the current legs in symbol order.
func (m *PositionMonitor) Legs() []models.Leg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.legsLocked()
}

func (m *PositionMonitor) legsLocked() []models.Leg {
	symbols := make([]string, 0, len(m.legs))
	for s := range m.legs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	legs := make([]models.Leg, 0, len(symbols))
	for _, s := range symbols {
		legs = append(legs, *m.legs[s])
	}
	return legs
}

// CombinedPremium sums the legs' current prices.
func (m *PositionMonitor) CombinedPremium() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, leg := range m.legs {
		sum += leg.CurrentPrice
	}
	return sum
}

// UpdateTick applies one batch of prices keyed by instrument token, then
// evaluates the exit strategy chain. A token with no matching leg, or a leg
// with no price in this batch, is simply not updated, never an error.
func (m *PositionMonitor) UpdateTick(prices map[uint32]float64) Decision {
	if !m.active.Load() {
		return noExit
	}

	m.mu.Lock()
	for token, price := range prices {
		symbol, ok := m.tokenIndex[token]
		if !ok {
			continue
		}
		leg := m.legs[symbol]
		leg.CurrentPrice = price
		diff := price - leg.EntryPrice
		if m.direction == models.DirectionShort {
			diff = -diff
		}
		leg.UnrealizedPnl = diff * float64(leg.Quantity)
	}
	snap := &Snapshot{
		ExecutionID: m.executionID,
		Direction:   m.direction,
		Legs:        m.legsLocked(),
	}
	m.mu.Unlock()

	for _, strat := range m.strategies {
		decision := strat.Evaluate(snap)
		if decision.Kind == NoExit {
			continue
		}
		return m.commit(decision)
	}
	return noExit
}

// commit applies a non-NoExit decision to monitor state, enforcing the
// exactly-once deactivation contract.
func (m *PositionMonitor) commit(decision Decision) Decision {
	switch decision.Kind {
	case ExitAll:
		if !m.deactivate(decision.Reason) {
			return noExit
		}
		metrics.Exits.WithLabelValues(string(decision.Reason)).Inc()
		return decision

	case ExitLeg:
		m.mu.Lock()
		leg, ok := m.legs[decision.Symbol]
		if !ok {
			m.mu.Unlock()
			return noExit
		}
		delete(m.legs, decision.Symbol)
		delete(m.tokenIndex, leg.InstrumentToken)
		empty := len(m.legs) == 0
		m.mu.Unlock()

		if empty {
			// Closing the last leg terminates the execution.
			if !m.deactivate(decision.Reason) {
				return noExit
			}
		}
		metrics.Exits.WithLabelValues(string(decision.Reason)).Inc()
		return decision

	case AdjustLeg:
		return decision
	}
	return noExit
}

// deactivate performs the single active→inactive transition.
func (m *PositionMonitor) deactivate(reason models.ExitReason) bool {
	if !m.active.CompareAndSwap(true, false) {
		return false
	}
	m.mu.Lock()
	m.exitReason = reason
	m.mu.Unlock()
	m.logger.Info().
		Str("execution_id", m.executionID).
		Str("reason", string(reason)).
		Msg("Monitor deactivated")
	return true
}

// ForceExit deactivates the monitor with the given reason, e.g. the forced
// time exit the scheduler triggers at the cutoff. Returns false when the
// monitor already exited.
func (m *PositionMonitor) ForceExit(reason models.ExitReason) bool {
	if !m.deactivate(reason) {
		return false
	}
	metrics.Exits.WithLabelValues(string(reason)).Inc()
	return true
}

// RemoveLeg closes one leg structurally (used when an AdjustLeg decision is
// executed). The monitor deactivates if the last leg goes away.
func (m *PositionMonitor) RemoveLeg(symbol string, reason models.ExitReason) bool {
	m.mu.Lock()
	leg, ok := m.legs[symbol]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.legs, symbol)
	delete(m.tokenIndex, leg.InstrumentToken)
	empty := len(m.legs) == 0
	m.mu.Unlock()

	if empty {
		m.deactivate(reason)
	}
	return true
}

// AddLeg attaches a replacement leg to an active monitor.
func (m *PositionMonitor) AddLeg(leg models.Leg) bool {
	if !m.active.Load() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legs[leg.Symbol] = &leg
	m.tokenIndex[leg.InstrumentToken] = leg.Symbol
	return true
}
