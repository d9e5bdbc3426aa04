package models

import "time"

// OrderStatus represents the lifecycle state of a paper order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status is a terminal state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusComplete || s == OrderStatusCancelled || s == OrderStatusRejected
}

// PaperOrder represents a simulated order.
//
// Invariant: FilledQty + PendingQty + CancelledQty == Quantity at every
// observation point.
type PaperOrder struct {
	ID            string
	UserID        string
	Symbol        string
	Exchange      Exchange
	Side          OrderSide
	Type          OrderType
	Product       ProductType
	OptionType    OptionType
	Quantity      int
	FilledQty     int
	PendingQty    int
	CancelledQty  int
	Price         float64
	TriggerPrice  float64
	AveragePrice  float64
	Status        OrderStatus
	StatusMessage string
	Triggered     bool // SL/SL-M trigger has fired, limit leg may still rest
	Tag           string
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// PaperPosition is the per (symbol, product) aggregate of simulated fills.
// OptionType is carried from the opening order so offsetting orders charge
// under the same instrument class.
type PaperPosition struct {
	Symbol       string
	Exchange     Exchange
	Product      ProductType
	OptionType   OptionType
	BuyQty       int
	BuyValue     float64
	SellQty      int
	SellValue    float64
	NetQty       int
	AveragePrice float64
	RealizedPnl  float64
	LastPrice    float64
}

// UnrealizedPnl returns the mark-to-market P&L of the open exposure.
func (p *PaperPosition) UnrealizedPnl() float64 {
	if p.NetQty == 0 {
		return 0
	}
	return (p.LastPrice - p.AveragePrice) * float64(p.NetQty)
}

// PaperAccount holds the simulated ledger for one user.
//
// Invariant: AvailableBalance + UsedMargin is conserved except for realized
// P&L and charge deductions.
type PaperAccount struct {
	UserID           string
	AvailableBalance float64
	UsedMargin       float64
	RealizedPnl      float64
	UnrealizedPnl    float64
	TradeCount       int
	WinCount         int
	LossCount        int
	TotalBrokerage   float64
	TotalTaxes       float64
}

// TotalBalance returns available balance plus blocked margin.
func (a *PaperAccount) TotalBalance() float64 {
	return a.AvailableBalance + a.UsedMargin
}

// ChargeBreakdown itemizes statutory charges for one executed order.
// All components are non-negative and rounded to 2 decimal places;
// Total is the sum of the others.
type ChargeBreakdown struct {
	Brokerage      float64
	STT            float64
	ExchangeTxnFee float64
	GST            float64
	SEBIFee        float64
	StampDuty      float64
	Total          float64
}
