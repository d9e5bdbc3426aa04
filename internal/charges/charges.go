// Package charges computes statutory charges for simulated orders.
//
// Every component is rounded to 2 decimal places independently before the
// total is summed, so repeated computation over the same inputs is
// bit-identical.
package charges

import (
	"github.com/shopspring/decimal"

	"straddle-engine/internal/config"
	"straddle-engine/internal/models"
)

// InstrumentClass selects the charge schedule for an order.
type InstrumentClass string

const (
	ClassOption         InstrumentClass = "OPTION"
	ClassFuture         InstrumentClass = "FUTURE"
	ClassEquityIntraday InstrumentClass = "EQ_INTRADAY"
	ClassEquityDelivery InstrumentClass = "EQ_DELIVERY"
)

// Calculator computes charge breakdowns from configured rates.
type Calculator struct {
	flatBrokerage decimal.Decimal
	brokerageRate decimal.Decimal
	sttSellRate   decimal.Decimal
	exchangeRate  decimal.Decimal
	sebiRate      decimal.Decimal
	stampBuyRate  decimal.Decimal
	gstRate       decimal.Decimal
}

// NewCalculator creates a calculator from the configured rates.
func NewCalculator(cfg config.ChargesConfig) *Calculator {
	return &Calculator{
		flatBrokerage: decimal.NewFromFloat(cfg.BrokeragePerOrder),
		brokerageRate: decimal.NewFromFloat(cfg.BrokerageRate),
		sttSellRate:   decimal.NewFromFloat(cfg.STTSellRate),
		exchangeRate:  decimal.NewFromFloat(cfg.ExchangeTxnRate),
		sebiRate:      decimal.NewFromFloat(cfg.SEBIRate),
		stampBuyRate:  decimal.NewFromFloat(cfg.StampDutyBuyRate),
		gstRate:       decimal.NewFromFloat(cfg.GSTRate),
	}
}

// Compute returns the charge breakdown for one executed order.
// turnover is price × quantity of the filled portion.
func (c *Calculator) Compute(class InstrumentClass, side models.OrderSide, turnover float64) models.ChargeBreakdown {
	t := decimal.NewFromFloat(turnover)

	brokerage := c.brokerage(class, t)
	stt := c.stt(class, side, t)
	exchange := t.Mul(c.exchangeRate).Round(2)
	sebi := t.Mul(c.sebiRate).Round(2)
	stamp := decimal.Zero
	if side == models.OrderSideBuy {
		stamp = t.Mul(c.stampBuyRate).Round(2)
	}
	gst := brokerage.Add(exchange).Add(sebi).Mul(c.gstRate).Round(2)

	total := brokerage.Add(stt).Add(exchange).Add(gst).Add(sebi).Add(stamp)

	return models.ChargeBreakdown{
		Brokerage:      brokerage.InexactFloat64(),
		STT:            stt.InexactFloat64(),
		ExchangeTxnFee: exchange.InexactFloat64(),
		GST:            gst.InexactFloat64(),
		SEBIFee:        sebi.InexactFloat64(),
		StampDuty:      stamp.InexactFloat64(),
		Total:          total.InexactFloat64(),
	}
}

// brokerage is flat per order for options, percentage-capped at the flat
// amount elsewhere, and zero for delivery.
func (c *Calculator) brokerage(class InstrumentClass, turnover decimal.Decimal) decimal.Decimal {
	switch class {
	case ClassOption:
		return c.flatBrokerage.Round(2)
	case ClassEquityDelivery:
		return decimal.Zero
	default:
		pct := turnover.Mul(c.brokerageRate)
		if pct.GreaterThan(c.flatBrokerage) {
			return c.flatBrokerage.Round(2)
		}
		return pct.Round(2)
	}
}

// stt applies on the sell side for derivatives, both sides for delivery.
func (c *Calculator) stt(class InstrumentClass, side models.OrderSide, turnover decimal.Decimal) decimal.Decimal {
	switch class {
	case ClassEquityDelivery:
		return turnover.Mul(c.sttSellRate).Round(2)
	default:
		if side == models.OrderSideSell {
			return turnover.Mul(c.sttSellRate).Round(2)
		}
		return decimal.Zero
	}
}

// ClassForProduct maps an order's product and instrument kind onto a charge
// schedule.
func ClassForProduct(product models.ProductType, optionType models.OptionType) InstrumentClass {
	if optionType == models.OptionCall || optionType == models.OptionPut {
		return ClassOption
	}
	switch product {
	case models.ProductCNC:
		return ClassEquityDelivery
	case models.ProductMIS:
		return ClassEquityIntraday
	default:
		return ClassFuture
	}
}
