package charges

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"straddle-engine/internal/config"
	"straddle-engine/internal/models"
)

func newTestCalculator() *Calculator {
	return NewCalculator(config.Default().Charges)
}

func TestOptionBuyCharges(t *testing.T) {
	c := newTestCalculator()
	// 50 lots at 100: turnover 5000.
	b := c.Compute(ClassOption, models.OrderSideBuy, 5000)

	assert.Equal(t, 20.0, b.Brokerage, "options pay flat brokerage")
	assert.Equal(t, 0.0, b.STT, "no STT on derivative buys")
	assert.Equal(t, 2.5, b.ExchangeTxnFee)   // 5000 × 0.0005
	assert.Equal(t, 0.01, b.SEBIFee)         // 5000 × 0.000001 rounded
	assert.Equal(t, 0.15, b.StampDuty)       // 5000 × 0.00003
	assert.Equal(t, 4.05, b.GST)             // 18% of (20 + 2.5 + 0.01)
	assert.InDelta(t, 26.71, b.Total, 1e-9)
}

func TestOptionSellCharges(t *testing.T) {
	c := newTestCalculator()
	b := c.Compute(ClassOption, models.OrderSideSell, 5000)

	assert.Equal(t, 20.0, b.Brokerage)
	assert.Equal(t, 3.13, b.STT) // 5000 × 0.000625 rounded
	assert.Equal(t, 0.0, b.StampDuty, "no stamp duty on sells")
}

func TestDeliveryHasNoBrokerage(t *testing.T) {
	c := newTestCalculator()
	b := c.Compute(ClassEquityDelivery, models.OrderSideBuy, 100000)
	assert.Equal(t, 0.0, b.Brokerage)
}

func TestIntradayBrokerageCapped(t *testing.T) {
	c := newTestCalculator()

	// Small turnover: percentage applies. 10000 × 0.0003 = 3.
	small := c.Compute(ClassEquityIntraday, models.OrderSideBuy, 10000)
	assert.Equal(t, 3.0, small.Brokerage)

	// Large turnover: cap at the flat amount.
	large := c.Compute(ClassEquityIntraday, models.OrderSideBuy, 1000000)
	assert.Equal(t, 20.0, large.Brokerage)
}

func TestClassForProduct(t *testing.T) {
	assert.Equal(t, ClassOption, ClassForProduct(models.ProductMIS, models.OptionCall))
	assert.Equal(t, ClassOption, ClassForProduct(models.ProductNRML, models.OptionPut))
	assert.Equal(t, ClassEquityDelivery, ClassForProduct(models.ProductCNC, ""))
	assert.Equal(t, ClassEquityIntraday, ClassForProduct(models.ProductMIS, ""))
	assert.Equal(t, ClassFuture, ClassForProduct(models.ProductNRML, ""))
}

// Repeated computation over identical inputs is bit-identical, every
// component is non-negative with at most 2 decimal places, and the total is
// exactly the sum of its parts.
func TestPropertyChargeDeterminismAndRounding(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	c := newTestCalculator()
	classes := []InstrumentClass{ClassOption, ClassFuture, ClassEquityIntraday, ClassEquityDelivery}

	twoPlaces := func(v float64) bool {
		scaled := v * 100
		return math.Abs(scaled-math.Round(scaled)) < 1e-6
	}

	properties.Property("deterministic, rounded, summing breakdown", prop.ForAll(
		func(classIdx int, sell bool, turnover float64) bool {
			class := classes[classIdx]
			side := models.OrderSideBuy
			if sell {
				side = models.OrderSideSell
			}

			first := c.Compute(class, side, turnover)
			second := c.Compute(class, side, turnover)
			if first != second {
				return false
			}

			components := []float64{first.Brokerage, first.STT, first.ExchangeTxnFee, first.GST, first.SEBIFee, first.StampDuty}
			sum := 0.0
			for _, v := range components {
				if v < 0 || !twoPlaces(v) {
					return false
				}
				sum += v
			}
			return math.Abs(sum-first.Total) < 1e-6
		},
		gen.IntRange(0, len(classes)-1),
		gen.Bool(),
		gen.Float64Range(0, 1e7),
	))

	properties.TestingRun(t)
}
