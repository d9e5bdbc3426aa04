package instruments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-engine/internal/models"
)

var expiry = time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)

func TestResolveRoundsToNearestStrike(t *testing.T) {
	r := NewStaticResolver(50, 50)

	for _, tc := range []struct {
		spot   float64
		strike float64
	}{
		{24510, 24500},
		{24525, 24550}, // midpoint rounds up
		{24524.9, 24500},
		{24500, 24500},
		{24549, 24550},
	} {
		sel, err := r.Resolve(context.Background(), "NIFTY", expiry, tc.spot)
		require.NoError(t, err)
		assert.Equal(t, tc.strike, sel.ATMStrike, "spot %.1f", tc.spot)
	}
}

func TestResolveBuildsBothLegs(t *testing.T) {
	r := NewStaticResolver(50, 50)
	sel, err := r.Resolve(context.Background(), "NIFTY", expiry, 24510)
	require.NoError(t, err)

	assert.Equal(t, "NIFTY24AUG24500CE", sel.Call.Symbol)
	assert.Equal(t, "NIFTY24AUG24500PE", sel.Put.Symbol)
	assert.Equal(t, models.OptionCall, sel.Call.OptionType)
	assert.Equal(t, models.OptionPut, sel.Put.OptionType)
	assert.Equal(t, models.NFO, sel.Call.Exchange)
	assert.Equal(t, 50, sel.Call.LotSize)
	assert.NotZero(t, sel.Call.Token)
	assert.NotEqual(t, sel.Call.Token, sel.Put.Token)
}

func TestResolveIsDeterministic(t *testing.T) {
	r := NewStaticResolver(50, 50)

	first, err := r.Resolve(context.Background(), "NIFTY", expiry, 24510)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "NIFTY", expiry, 24510)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveRejectsInvalidSpot(t *testing.T) {
	r := NewStaticResolver(50, 50)
	_, err := r.Resolve(context.Background(), "NIFTY", expiry, 0)
	assert.Error(t, err)
	_, err = r.Resolve(context.Background(), "NIFTY", expiry, -10)
	assert.Error(t, err)
}

func TestFormatSymbol(t *testing.T) {
	assert.Equal(t, "BANKNIFTY24AUG51000PE",
		FormatSymbol("banknifty", expiry, 51000, models.OptionPut))
}

func TestTokenForStable(t *testing.T) {
	assert.Equal(t, TokenFor("NIFTY24AUG24500CE"), TokenFor("NIFTY24AUG24500CE"))
	assert.NotEqual(t, TokenFor("NIFTY24AUG24500CE"), TokenFor("NIFTY24AUG24500PE"))
	assert.NotZero(t, TokenFor(""))
}
