// Package models provides domain models for the simulation engine.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// OptionType represents a call or put option.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Direction represents the direction of a strategy position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Tick represents a single price observation for one instrument.
type Tick struct {
	InstrumentToken uint32
	Symbol          string
	LTP             float64
	Timestamp       time.Time
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token      uint32
	Symbol     string
	Exchange   Exchange
	Underlying string
	Expiry     time.Time
	Strike     float64
	OptionType OptionType
	LotSize    int
	TickSize   float64
}

// StrikeSelection is the result of resolving an at-the-money strike.
type StrikeSelection struct {
	Underlying string
	SpotPrice  float64
	ATMStrike  float64
	Call       Instrument
	Put        Instrument
}
