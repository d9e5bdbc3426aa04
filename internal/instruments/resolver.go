// Package instruments resolves at-the-money option contracts for an
// underlying and spot price.
package instruments

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"straddle-engine/internal/errors"
	"straddle-engine/internal/models"
)

// Resolver picks the ATM strike and its call/put instruments.
type Resolver interface {
	Resolve(ctx context.Context, underlying string, expiry time.Time, spot float64) (*models.StrikeSelection, error)
}

// StaticResolver derives instruments deterministically from the strike grid.
// It stands in for an exchange instrument dump: symbols follow the NFO
// convention (e.g. NIFTY24AUG24500CE) and tokens are stable hashes of the
// symbol, so repeated resolution over the same inputs is identical.
type StaticResolver struct {
	StrikeStep float64
	LotSize    int
	TickSize   float64
}

// NewStaticResolver creates a resolver over a fixed strike grid.
func NewStaticResolver(strikeStep float64, lotSize int) *StaticResolver {
	return &StaticResolver{
		StrikeStep: strikeStep,
		LotSize:    lotSize,
		TickSize:   0.05,
	}
}

// Resolve returns the ATM strike (nearest grid point to spot) and its CE/PE
// instruments.
func (r *StaticResolver) Resolve(ctx context.Context, underlying string, expiry time.Time, spot float64) (*models.StrikeSelection, error) {
	if spot <= 0 {
		return nil, errors.NewDataError("instrument", underlying, fmt.Sprintf("invalid spot price %.2f", spot), nil)
	}
	if r.StrikeStep <= 0 {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "strike step must be positive")
	}

	strike := math.Round(spot/r.StrikeStep) * r.StrikeStep

	call := r.instrument(underlying, expiry, strike, models.OptionCall)
	put := r.instrument(underlying, expiry, strike, models.OptionPut)

	return &models.StrikeSelection{
		Underlying: underlying,
		SpotPrice:  spot,
		ATMStrike:  strike,
		Call:       call,
		Put:        put,
	}, nil
}

func (r *StaticResolver) instrument(underlying string, expiry time.Time, strike float64, opt models.OptionType) models.Instrument {
	symbol := FormatSymbol(underlying, expiry, strike, opt)
	return models.Instrument{
		Token:      TokenFor(symbol),
		Symbol:     symbol,
		Exchange:   models.NFO,
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     strike,
		OptionType: opt,
		LotSize:    r.LotSize,
		TickSize:   r.TickSize,
	}
}

// FormatSymbol renders an NFO monthly option symbol, e.g. NIFTY24AUG24500CE.
func FormatSymbol(underlying string, expiry time.Time, strike float64, opt models.OptionType) string {
	return fmt.Sprintf("%s%s%s%d%s",
		strings.ToUpper(underlying),
		expiry.Format("06"),
		strings.ToUpper(expiry.Format("Jan")),
		int(strike),
		opt,
	)
}

// TokenFor returns a stable instrument token for a symbol.
func TokenFor(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	t := h.Sum32()
	if t == 0 {
		t = 1
	}
	return t
}
