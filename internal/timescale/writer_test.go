package timescale

import (
	"strings"
	"testing"
	"time"

	"liqmap/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	assert.False(t, w.Enqueue(Calculation{}))
	assert.Zero(t, w.Dropped())
	assert.NoError(t, w.Close())
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, nil)
	assert.Error(t, err)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "", 2, nil)
	calc := Calculation{Adjustment: Adjustment{Symbol: "BTCUSDT"}}

	assert.True(t, w.Enqueue(calc))
	assert.True(t, w.Enqueue(calc))
	assert.False(t, w.Enqueue(calc))
	assert.False(t, w.Enqueue(calc))
	assert.Equal(t, uint64(2), w.Dropped())
}

func TestLevelInsertPlaceholders(t *testing.T) {
	w := newWriter(nil, "liq", 1, nil)
	a := Adjustment{CalculationID: "id", Symbol: "BTCUSDT", Time: time.Unix(0, 0).UTC()}
	levels := []Level{
		{PriceBin: decimal.NewFromInt(100), Leverage: 10, Side: "long", AllocatedOI: decimal.NewFromInt(5), LiquidationPrice: decimal.NewFromInt(90)},
		{PriceBin: decimal.NewFromInt(100), Leverage: 10, Side: "short", AllocatedOI: decimal.NewFromInt(3), LiquidationPrice: decimal.NewFromInt(110)},
	}

	query, args := w.levelInsert(a, levels)

	assert.True(t, strings.HasPrefix(query, "INSERT INTO liq.liquidation_levels"))
	assert.Contains(t, query, "($1,$2,$3,$4,$5,$6,$7,$8),($9,$10,$11,$12,$13,$14,$15,$16)")
	require.Len(t, args, 16)
	assert.Equal(t, "short", args[11])
	assert.Equal(t, 10, args[13])
}

func TestTableUsesSchema(t *testing.T) {
	assert.Equal(t, "public.bias_adjustments", newWriter(nil, "", 0, nil).table("bias_adjustments"))
}

func TestLevelBatchesStayUnderParameterLimit(t *testing.T) {
	w := newWriter(nil, "", 1, nil)
	a := Adjustment{CalculationID: "id", Symbol: "BTCUSDT", Time: time.Unix(0, 0).UTC()}
	levels := make([]Level, maxLevelRows+1)
	for i := range levels {
		levels[i] = Level{PriceBin: decimal.NewFromInt(int64(i)), Leverage: 10, Side: "long"}
	}

	batches := levelBatches(levels, maxLevelRows)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 8191)
	assert.Len(t, batches[1], 1)
	assert.True(t, batches[1][0].PriceBin.Equal(decimal.NewFromInt(8191)))
	for _, batch := range batches {
		query, args := w.levelInsert(a, batch)
		assert.LessOrEqual(t, len(args), 65535)
		assert.NotContains(t, query, "$65536")
	}
}

func TestLevelBatchesEmpty(t *testing.T) {
	assert.Empty(t, levelBatches(nil, maxLevelRows))
	assert.Len(t, levelBatches(make([]Level, 3), maxLevelRows), 1)
}
