package paper

import (
	"context"
	"sort"
	"time"

	"straddle-engine/internal/errors"
	"straddle-engine/internal/models"
)

// UpdatePrice records a new last traded price for a symbol on one user's
// account and re-evaluates any resting orders for that symbol. The replay
// driver and the live dispatcher both call this once per matching tick.
func (e *Engine) UpdatePrice(userID, symbol string, price float64, at time.Time) error {
	a, err := e.account(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.prices[symbol] = price
	for _, pos := range a.positions {
		if pos.Symbol == symbol {
			pos.LastPrice = price
		}
	}

	// Resting LIMIT/SL orders wake on price updates, in placement order.
	for _, id := range a.orderSeq {
		order := a.orders[id]
		if order.Status != models.OrderStatusOpen || order.Symbol != symbol {
			continue
		}
		// A fill rejection here (margin shortfall) is already recorded on
		// the order; price processing continues for the rest.
		_ = a.tryExecute(e, order, price, at)
	}
	return nil
}

// CancelOrder cancels a resting order. Terminal orders cannot be cancelled.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) error {
	a, err := e.account(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[orderID]
	if !ok {
		return errors.Wrap(errors.ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return errors.Wrap(errors.ErrOrderTerminal, orderID)
	}

	order.CancelledQty += order.PendingQty
	order.PendingQty = 0
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return nil
}

// CloseAllPositions market-exits every open position for a user at the
// account's cached prices. Used on strategy stop, logout and forced exits.
func (e *Engine) CloseAllPositions(ctx context.Context, userID string, at time.Time) ([]*models.PaperOrder, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var reqs []OrderRequest
	keys := make([]string, 0, len(a.positions))
	for key := range a.positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pos := a.positions[key]
		if pos.NetQty == 0 {
			continue
		}
		side := models.OrderSideSell
		qty := pos.NetQty
		if qty < 0 {
			side = models.OrderSideBuy
			qty = -qty
		}
		reqs = append(reqs, OrderRequest{
			Symbol:     pos.Symbol,
			Exchange:   pos.Exchange,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Product:    pos.Product,
			OptionType: pos.OptionType,
			Quantity:   qty,
			Tag:        "square_off",
			At:         at,
		})
	}
	a.mu.Unlock()

	var orders []*models.PaperOrder
	for _, req := range reqs {
		order, err := e.PlaceOrder(ctx, userID, req)
		if order != nil {
			orders = append(orders, order)
		}
		if err != nil {
			return orders, err
		}
	}
	return orders, nil
}

// Account returns a snapshot of a user's account with unrealized P&L marked
// to the latest cached prices.
func (e *Engine) Account(userID string) (*models.PaperAccount, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := a.state
	snapshot.UnrealizedPnl = 0
	for _, pos := range a.positions {
		snapshot.UnrealizedPnl += pos.UnrealizedPnl()
	}
	return &snapshot, nil
}

// Positions returns snapshots of a user's non-flat positions.
func (e *Engine) Positions(userID string) ([]models.PaperPosition, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.positions))
	for key := range a.positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	positions := make([]models.PaperPosition, 0, len(keys))
	for _, key := range keys {
		positions = append(positions, *a.positions[key])
	}
	return positions, nil
}

// Orders returns snapshots of all orders for a user in placement order.
func (e *Engine) Orders(userID string) ([]models.PaperOrder, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	orders := make([]models.PaperOrder, 0, len(a.orderSeq))
	for _, id := range a.orderSeq {
		orders = append(orders, *a.orders[id])
	}
	return orders, nil
}

// Order returns a snapshot of one order.
func (e *Engine) Order(userID, orderID string) (*models.PaperOrder, error) {
	a, err := e.account(userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[orderID]
	if !ok {
		return nil, errors.Wrap(errors.ErrOrderNotFound, orderID)
	}
	snapshot := *order
	return &snapshot, nil
}

// BlockedMargin reports the margin currently blocked against one position.
func (e *Engine) BlockedMargin(userID, symbol string, product models.ProductType) (float64, error) {
	a, err := e.account(userID)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked[positionKey(symbol, product)], nil
}
