package reconciler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsrunner/internal/core"
)

var testKey = core.PositionKey{UserID: "user-1", StrategyID: "strat-1", Symbol: "NIFTY24SEP24000CE"}

func fill(side core.Side, qty, price int64) *core.Fill {
	return &core.Fill{
		ID:         "fill-" + time.Now().String(),
		UserID:     testKey.UserID,
		StrategyID: testKey.StrategyID,
		Symbol:     testKey.Symbol,
		Side:       side,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.NewFromInt(price),
		FilledAt:   time.Now(),
	}
}

func TestApplyWeightedAverageOnAdd(t *testing.T) {
	book := NewBook()

	book.Apply(fill(core.SideBuy, 50, 100))
	pos := book.Apply(fill(core.SideBuy, 50, 110))

	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(105)),
		"got avg %s", pos.AvgEntryPrice)
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestApplyRealizesPnLOnReduce(t *testing.T) {
	book := NewBook()

	book.Apply(fill(core.SideBuy, 100, 100))
	pos := book.Apply(fill(core.SideSell, 40, 110))

	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(60)))
	// Reducing leaves the entry average alone.
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(400)),
		"got pnl %s", pos.RealizedPnL)
}

func TestApplyShortPositionPnL(t *testing.T) {
	book := NewBook()

	// Short 50 at 120, cover at 100: profit 1000.
	book.Apply(fill(core.SideSell, 50, 120))
	pos := book.Apply(fill(core.SideBuy, 50, 100))

	assert.True(t, pos.NetQuantity.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(1000)),
		"got pnl %s", pos.RealizedPnL)
	assert.True(t, pos.AvgEntryPrice.IsZero(), "flat position resets the average")
}

func TestApplyCrossingZero(t *testing.T) {
	book := NewBook()

	book.Apply(fill(core.SideBuy, 50, 100))
	pos := book.Apply(fill(core.SideSell, 80, 110))

	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(-30)))
	// Old long closed at +10/unit, remainder opens short at the fill price.
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(500)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(110)))
}

// Positions must be recomputable from the fill history alone.
func TestRecomputeMatchesIncremental(t *testing.T) {
	fills := []*core.Fill{
		fill(core.SideBuy, 50, 100),
		fill(core.SideBuy, 50, 110),
		fill(core.SideSell, 60, 120),
		fill(core.SideSell, 70, 90),
	}

	book := NewBook()
	var incremental *core.Position
	for _, f := range fills {
		incremental = book.Apply(f)
	}
	require.NotNil(t, incremental)

	recomputed := Recompute(testKey, fills)
	assert.True(t, incremental.NetQuantity.Equal(recomputed.NetQuantity))
	assert.True(t, incremental.AvgEntryPrice.Equal(recomputed.AvgEntryPrice))
	assert.True(t, incremental.RealizedPnL.Equal(recomputed.RealizedPnL))
}

func TestSetQuantityKeepsCostBasis(t *testing.T) {
	book := NewBook()
	book.Apply(fill(core.SideBuy, 100, 100))

	pos := book.SetQuantity(testKey, decimal.NewFromInt(95), core.SyncDrifted)
	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(95)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(100)),
		"drift correction must not touch the entry average")
	assert.Equal(t, core.SyncDrifted, pos.SyncStatus)
}

func TestClosedPositionIsKept(t *testing.T) {
	book := NewBook()
	book.Apply(fill(core.SideBuy, 50, 100))
	book.Apply(fill(core.SideSell, 50, 105))

	pos, ok := book.Get(testKey)
	require.True(t, ok, "closed positions keep their history")
	assert.True(t, pos.NetQuantity.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(250)))
}
