package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
)

func pct(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCalculate_HappyPathPerLeg(t *testing.T) {
	cfg := core.DCAGridConfig{
		EntryOrderType:  core.OrderTypeLimit,
		TotalCapitalUSD: decimal.NewFromInt(500),
		DCALevels: []core.DCALevel{
			{GapPercent: pct("0"), WeightPercent: pct("20"), TPPercent: pct("2")},
			{GapPercent: pct("-1"), WeightPercent: pct("20"), TPPercent: pct("1.5")},
			{GapPercent: pct("-2"), WeightPercent: pct("20"), TPPercent: pct("1")},
			{GapPercent: pct("-3"), WeightPercent: pct("20"), TPPercent: pct("0.5")},
			{GapPercent: pct("-5"), WeightPercent: pct("20"), TPPercent: pct("0.5")},
		},
	}
	precision := core.PrecisionRules{
		TickSize: pct("0.01"),
		StepSize: pct("0.01"),
	}

	legs, err := Calculate(decimal.NewFromInt(100), cfg, 0, precision)
	require.NoError(t, err)
	require.Len(t, legs, 5)

	wantPrices := []string{"100.00", "99.00", "98.00", "97.00", "95.00"}
	for i, want := range wantPrices {
		assert.True(t, legs[i].Price.Equal(pct(want)), "leg %d: want price %s, got %s", i, want, legs[i].Price)
	}

	for _, leg := range legs {
		assert.True(t, leg.Quantity.GreaterThan(decimal.Zero))
		assert.Equal(t, core.OrderSideBuy, leg.Side)
	}
}

func TestCalculate_DropsLegsBelowMinNotional(t *testing.T) {
	cfg := core.DCAGridConfig{
		TotalCapitalUSD: decimal.NewFromInt(10),
		DCALevels: []core.DCALevel{
			{GapPercent: pct("0"), WeightPercent: pct("100"), TPPercent: pct("1")},
		},
	}
	precision := core.PrecisionRules{
		TickSize:    pct("0.01"),
		StepSize:    pct("0.01"),
		MinNotional: pct("50"),
	}

	legs, err := Calculate(decimal.NewFromInt(100), cfg, 0, precision)
	require.NoError(t, err)
	assert.Empty(t, legs)
}

func TestCalculate_UsesPyramidSpecificLevels(t *testing.T) {
	cfg := core.DCAGridConfig{
		TotalCapitalUSD: decimal.NewFromInt(100),
		DCALevels: []core.DCALevel{
			{GapPercent: pct("0"), WeightPercent: pct("100"), TPPercent: pct("1")},
		},
		PyramidSpecificLevels: map[int][]core.DCALevel{
			1: {{GapPercent: pct("-10"), WeightPercent: pct("100"), TPPercent: pct("2")}},
		},
	}
	precision := core.PrecisionRules{TickSize: pct("0.01"), StepSize: pct("0.01")}

	legs, err := Calculate(decimal.NewFromInt(100), cfg, 1, precision)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.True(t, legs[0].Price.Equal(pct("90.00")))
}

func TestCalculate_RejectsZeroEntryPrice(t *testing.T) {
	cfg := core.DCAGridConfig{TotalCapitalUSD: decimal.NewFromInt(100)}
	_, err := Calculate(decimal.Zero, cfg, 0, core.PrecisionRules{})
	assert.Error(t, err)
}
