// Package paper implements the order execution simulator: order validation
// and matching, per-account ledgers, margin blocking and statutory charges.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"straddle-engine/internal/charges"
	"straddle-engine/internal/errors"
	"straddle-engine/internal/metrics"
	"straddle-engine/internal/models"
)

// Gateway is the order-placement surface the live broker gateway and this
// simulator both satisfy, so strategy code cannot tell them apart.
type Gateway interface {
	PlaceOrder(ctx context.Context, userID string, req OrderRequest) (*models.PaperOrder, error)
	CancelOrder(ctx context.Context, userID, orderID string) error
}

// OrderRequest describes one order to simulate.
type OrderRequest struct {
	Symbol       string
	Exchange     models.Exchange
	Side         models.OrderSide
	Type         models.OrderType
	Product      models.ProductType
	OptionType   models.OptionType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Tag          string
	// At stamps the order; the replay driver passes simulated time so runs
	// are reproducible. Zero means wall clock.
	At time.Time
}

// MarginFactor returns the fraction of order value blocked as margin for a
// product.
func MarginFactor(product models.ProductType) float64 {
	switch product {
	case models.ProductCNC:
		return 1.0
	case models.ProductMIS:
		return 0.20
	default: // NRML and carry products
		return 0.40
	}
}

// Engine simulates order execution against per-user paper accounts.
// Each account is mutated under its own lock (single writer per account).
type Engine struct {
	mu       sync.RWMutex
	accounts map[string]*account

	calc   *charges.Calculator
	logger zerolog.Logger
}

type account struct {
	mu        sync.Mutex
	state     models.PaperAccount
	positions map[string]*models.PaperPosition
	orders    map[string]*models.PaperOrder
	orderSeq  []string // placement order, for deterministic iteration
	blocked   map[string]float64
	prices    map[string]float64
	counter   int
}

// NewEngine creates a paper execution engine.
func NewEngine(calc *charges.Calculator, logger zerolog.Logger) *Engine {
	return &Engine{
		accounts: make(map[string]*account),
		calc:     calc,
		logger:   logger,
	}
}

// CreateAccount provisions a paper account with an opening balance.
// Re-creating an existing account resets it.
func (e *Engine) CreateAccount(userID string, initialBalance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts[userID] = &account{
		state: models.PaperAccount{
			UserID:           userID,
			AvailableBalance: initialBalance,
		},
		positions: make(map[string]*models.PaperPosition),
		orders:    make(map[string]*models.PaperOrder),
		blocked:   make(map[string]float64),
		prices:    make(map[string]float64),
	}
}

func (e *Engine) account(userID string) (*account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[userID]
	if !ok {
		return nil, errors.Wrap(errors.ErrAccountNotFound, userID)
	}
	return a, nil
}

func positionKey(symbol string, product models.ProductType) string {
	return fmt.Sprintf("%s:%s", symbol, product)
}

// PlaceOrder validates and executes one simulated order. The order record is
// created in PENDING state before any pricing or margin work so downstream
// failures surface as REJECTED orders rather than silent drops.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, req OrderRequest) (*models.PaperOrder, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	a.counter++
	order := &models.PaperOrder{
		ID:         fmt.Sprintf("PAPER-%s-%06d", userID, a.counter),
		UserID:     userID,
		Symbol:     req.Symbol,
		Exchange:   req.Exchange,
		Side:       req.Side,
		Type:       req.Type,
		Product:    req.Product,
		OptionType: req.OptionType,
		Quantity:   req.Quantity,
		PendingQty: req.Quantity,
		Price:      req.Price,

		TriggerPrice: req.TriggerPrice,
		Status:       models.OrderStatusPending,
		Tag:          req.Tag,
		PlacedAt:     at,
		UpdatedAt:    at,
	}
	a.orders[order.ID] = order
	a.orderSeq = append(a.orderSeq, order.ID)

	if err := validate(req); err != nil {
		a.reject(order, err.Error(), at)
		return order, err
	}

	last, ok := a.prices[req.Symbol]
	if req.Type == models.OrderTypeMarket && (!ok || last <= 0) {
		err := errors.NewOrderError(order.ID, order.Symbol, "place", "no market price available", nil)
		a.reject(order, "no market price available", at)
		return order, err
	}

	if err := a.tryExecute(e, order, last, at); err != nil {
		return order, err
	}
	return order, nil
}

func validate(req OrderRequest) error {
	if req.Quantity <= 0 {
		return errors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if req.Type == models.OrderTypeLimit && req.Price <= 0 {
		return errors.NewValidationError("price", req.Price, "limit orders require a positive price")
	}
	if (req.Type == models.OrderTypeStopLoss || req.Type == models.OrderTypeStopLossM) && req.TriggerPrice <= 0 {
		return errors.NewValidationError("trigger_price", req.TriggerPrice, "stop orders require a positive trigger price")
	}
	if req.Type == models.OrderTypeStopLoss && req.Price <= 0 {
		return errors.NewValidationError("price", req.Price, "SL orders require a positive limit price")
	}
	return nil
}

// tryExecute advances an order against the last traded price: it either
// fills, rests OPEN, or is rejected. Caller holds the account lock.
func (a *account) tryExecute(e *Engine, order *models.PaperOrder, last float64, at time.Time) error {
	switch order.Type {
	case models.OrderTypeMarket:
		return a.fill(e, order, last, at)

	case models.OrderTypeLimit:
		if limitSatisfied(order.Side, last, order.Price) {
			return a.fill(e, order, last, at)
		}
		a.rest(order, at)

	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		if !order.Triggered && triggerSatisfied(order.Side, last, order.TriggerPrice) {
			order.Triggered = true
		}
		if order.Triggered {
			if order.Type == models.OrderTypeStopLossM {
				return a.fill(e, order, last, at)
			}
			if limitSatisfied(order.Side, last, order.Price) {
				return a.fill(e, order, order.Price, at)
			}
		}
		a.rest(order, at)
	}
	return nil
}

// limitSatisfied: BUY fills at or below the limit, SELL at or above.
func limitSatisfied(side models.OrderSide, last, limit float64) bool {
	if last <= 0 {
		return false
	}
	if side == models.OrderSideBuy {
		return last <= limit
	}
	return last >= limit
}

// triggerSatisfied: BUY stops trigger at or above, SELL stops at or below.
func triggerSatisfied(side models.OrderSide, last, trigger float64) bool {
	if last <= 0 {
		return false
	}
	if side == models.OrderSideBuy {
		return last >= trigger
	}
	return last <= trigger
}

func (a *account) rest(order *models.PaperOrder, at time.Time) {
	if order.Status == models.OrderStatusPending {
		order.Status = models.OrderStatusOpen
	}
	order.UpdatedAt = at
}

func (a *account) reject(order *models.PaperOrder, reason string, at time.Time) {
	order.Status = models.OrderStatusRejected
	order.StatusMessage = reason
	order.CancelledQty += order.PendingQty
	order.PendingQty = 0
	order.UpdatedAt = at
	metrics.Orders.WithLabelValues(string(models.OrderStatusRejected), string(order.Side)).Inc()
}

// fill executes the order's full pending quantity at price. Offsetting
// quantity closes existing exposure (releasing margin and realizing P&L);
// any remainder opens new exposure and blocks margin. A margin shortfall
// rejects the order with no ledger mutation.
func (a *account) fill(e *Engine, order *models.PaperOrder, price float64, at time.Time) error {
	if price <= 0 {
		err := errors.NewOrderError(order.ID, order.Symbol, "fill", "no price available", nil)
		a.reject(order, "no price available", at)
		return err
	}

	qty := order.PendingQty
	key := positionKey(order.Symbol, order.Product)
	pos := a.positions[key]

	closingQty := 0
	if pos != nil {
		if order.Side == models.OrderSideBuy && pos.NetQty < 0 {
			closingQty = min(qty, -pos.NetQty)
		} else if order.Side == models.OrderSideSell && pos.NetQty > 0 {
			closingQty = min(qty, pos.NetQty)
		}
	}
	openingQty := qty - closingQty

	// Work out the ledger deltas before mutating anything, so a margin
	// shortfall leaves no trace beyond the REJECTED order.
	var released, realized float64
	if closingQty > 0 {
		absNet := pos.NetQty
		if absNet < 0 {
			absNet = -absNet
		}
		released = a.blocked[key] * float64(closingQty) / float64(absNet)
		if pos.NetQty > 0 { // closing long
			realized = (price - pos.AveragePrice) * float64(closingQty)
		} else { // closing short
			realized = (pos.AveragePrice - price) * float64(closingQty)
		}
	}

	var required float64
	if openingQty > 0 {
		required = price * float64(openingQty) * MarginFactor(order.Product)
		if a.state.AvailableBalance+released+realized < required {
			err := errors.NewOrderError(order.ID, order.Symbol, "fill",
				fmt.Sprintf("insufficient funds: need %.2f, have %.2f", required, a.state.AvailableBalance),
				errors.ErrInsufficientFunds)
			a.reject(order, err.Reason, at)
			return err
		}
	}

	if pos == nil {
		pos = &models.PaperPosition{
			Symbol:     order.Symbol,
			Exchange:   order.Exchange,
			Product:    order.Product,
			OptionType: order.OptionType,
		}
		a.positions[key] = pos
	} else if pos.OptionType == "" && order.OptionType != "" {
		pos.OptionType = order.OptionType
	}

	// Close first.
	if closingQty > 0 {
		a.blocked[key] -= released
		a.state.UsedMargin -= released
		a.state.AvailableBalance += released + realized
		a.state.RealizedPnl += realized
		pos.RealizedPnl += realized
		a.state.TradeCount++
		if realized >= 0 {
			a.state.WinCount++
		} else {
			a.state.LossCount++
		}
	}

	// Then open the remainder.
	if openingQty > 0 {
		a.blocked[key] += required
		a.state.UsedMargin += required
		a.state.AvailableBalance -= required
	}

	// Position aggregates; average price is recomputed from whichever side
	// the net exposure sits on.
	value := price * float64(qty)
	if order.Side == models.OrderSideBuy {
		pos.BuyQty += qty
		pos.BuyValue += value
	} else {
		pos.SellQty += qty
		pos.SellValue += value
	}
	pos.NetQty = pos.BuyQty - pos.SellQty
	switch {
	case pos.NetQty > 0:
		pos.AveragePrice = pos.BuyValue / float64(pos.BuyQty)
	case pos.NetQty < 0:
		pos.AveragePrice = pos.SellValue / float64(pos.SellQty)
	default:
		pos.AveragePrice = 0
	}
	pos.LastPrice = price
	a.prices[order.Symbol] = price

	// Charges. Offsetting orders may omit the option type, the position
	// remembers it from the opening order.
	optType := order.OptionType
	if optType == "" {
		optType = pos.OptionType
	}
	class := charges.ClassForProduct(order.Product, optType)
	breakdown := e.calc.Compute(class, order.Side, value)
	a.state.AvailableBalance -= breakdown.Total
	a.state.TotalBrokerage += breakdown.Brokerage
	a.state.TotalTaxes += breakdown.Total - breakdown.Brokerage

	order.FilledQty += qty
	order.PendingQty = 0
	order.AveragePrice = price
	order.Status = models.OrderStatusComplete
	order.UpdatedAt = at

	metrics.Orders.WithLabelValues(string(models.OrderStatusComplete), string(order.Side)).Inc()
	e.logger.Debug().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int("quantity", qty).
		Float64("price", price).
		Float64("charges", breakdown.Total).
		Msg("Paper fill")
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
