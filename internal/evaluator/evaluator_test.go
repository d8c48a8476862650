package evaluator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsrunner/internal/core"
)

const tz = "Asia/Kolkata"

func testStrategy() *core.StrategyInstance {
	return &core.StrategyInstance{
		ID:     "strat-1",
		UserID: "user-1",
		Legs: []core.LegSpec{
			{Symbol: "NIFTY24SEP24000CE", Underlying: "NIFTY", Side: core.SideSell, Quantity: decimal.NewFromInt(50), OptionType: core.OptionCall},
		},
		EntryTime: core.TimeOfDay{Hour: 9, Minute: 20},
		ExitTime:  core.TimeOfDay{Hour: 15, Minute: 10},
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone:  tz,
		Active:    true,
	}
}

// at builds a snapshot whose clock reads the given local wall time on the
// given date.
func at(t *testing.T, year int, month time.Month, day, hour, min int) *core.ClockSnapshot {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)
	return &core.ClockSnapshot{
		Now:            time.Date(year, month, day, hour, min, 0, 0, loc),
		ExpiryCalendar: map[string]time.Time{},
	}
}

func TestEntryInsideWindow(t *testing.T) {
	ev := New(5 * time.Minute)

	// Monday 2024-09-02, 09:22 local: inside [09:20, 09:25].
	eval, err := ev.Evaluate(testStrategy(), core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}

func TestEntryBeforeAndAfterWindow(t *testing.T) {
	ev := New(5 * time.Minute)

	eval, err := ev.Evaluate(testStrategy(), core.IntentEntry, at(t, 2024, time.September, 2, 9, 19))
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)

	eval, err = ev.Evaluate(testStrategy(), core.IntentEntry, at(t, 2024, time.September, 2, 9, 26))
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)
	assert.Contains(t, eval.Reason, "expired")
}

func TestExitUsesExitTime(t *testing.T) {
	ev := New(5 * time.Minute)

	eval, err := ev.Evaluate(testStrategy(), core.IntentExit, at(t, 2024, time.September, 2, 15, 12))
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}

func TestWeekdayMaskBlocksSunday(t *testing.T) {
	ev := New(5 * time.Minute)

	// 2024-09-01 is a Sunday; the window time matches but the day does not.
	eval, err := ev.Evaluate(testStrategy(), core.IntentEntry, at(t, 2024, time.September, 1, 9, 22))
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)
	assert.Contains(t, eval.Reason, "Sunday")
}

func TestInactiveStrategySkips(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.Active = false

	eval, err := ev.Evaluate(inst, core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)
	assert.Equal(t, "strategy inactive", eval.Reason)
}

func TestMalformedActiveStrategyErrors(t *testing.T) {
	ev := New(5 * time.Minute)

	inst := testStrategy()
	inst.EntryTime = core.TimeOfDay{Hour: 25, Minute: 0}
	_, err := ev.Evaluate(inst, core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	assert.Error(t, err)

	inst = testStrategy()
	inst.Weekdays = nil
	_, err = ev.Evaluate(inst, core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	assert.Error(t, err)

	inst = testStrategy()
	inst.Timezone = "Mars/Olympus"
	_, err = ev.Evaluate(inst, core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	assert.Error(t, err)
}

func TestDTEGate(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.DTE = &core.DTERange{Min: 1, Max: 3}

	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)

	snap := at(t, 2024, time.September, 2, 9, 22)
	snap.ExpiryCalendar["NIFTY"] = time.Date(2024, time.September, 4, 15, 30, 0, 0, loc)

	eval, err := ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result, "2 days to expiry is inside [1,3]")

	snap.ExpiryCalendar["NIFTY"] = time.Date(2024, time.September, 10, 15, 30, 0, 0, loc)
	eval, err = ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)

	// Exits are never DTE-gated.
	exitSnap := at(t, 2024, time.September, 2, 15, 12)
	exitSnap.ExpiryCalendar["NIFTY"] = time.Date(2024, time.September, 10, 15, 30, 0, 0, loc)
	eval, err = ev.Evaluate(inst, core.IntentExit, exitSnap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}

func TestDTEUnknownExpiryIsIndeterminate(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.DTE = &core.DTERange{Min: 1, Max: 3}

	eval, err := ev.Evaluate(inst, core.IntentEntry, at(t, 2024, time.September, 2, 9, 22))
	require.NoError(t, err)
	assert.Equal(t, core.EvalIndeterminate, eval.Result)
}

// A [0,0] range trades the expiry day only; it must not be confused with an
// absent range, which disables the gate entirely.
func TestZeroDTERangeTradesExpiryDayOnly(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.DTE = &core.DTERange{Min: 0, Max: 0}

	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)

	snap := at(t, 2024, time.September, 2, 9, 22)
	snap.ExpiryCalendar["NIFTY"] = time.Date(2024, time.September, 2, 15, 30, 0, 0, loc)
	eval, err := ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)

	snap.ExpiryCalendar["NIFTY"] = time.Date(2024, time.September, 3, 15, 30, 0, 0, loc)
	eval, err = ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)

	// No range at all: the same far expiry passes.
	inst.DTE = nil
	eval, err = ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}

// Spring-forward makes one intervening day 23 hours long; the day count must
// still come out as whole calendar days.
func TestDTEAcrossDSTTransition(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.Timezone = "America/New_York"
	inst.DTE = &core.DTERange{Min: 3, Max: 3}

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Friday 2024-03-08 to Monday 2024-03-11 spans the 2024-03-10 transition:
	// 71 elapsed hours, 3 calendar days.
	snap := &core.ClockSnapshot{
		Now: time.Date(2024, time.March, 8, 9, 22, 0, 0, loc),
		ExpiryCalendar: map[string]time.Time{
			"NIFTY": time.Date(2024, time.March, 11, 15, 30, 0, 0, loc),
		},
	}
	eval, err := ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}

func TestIndicatorGate(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.Indicator = &core.IndicatorPredicate{
		Indicator: "INDIA_VIX",
		Operator:  "LT",
		Threshold: decimal.NewFromInt(20),
	}

	snap := at(t, 2024, time.September, 2, 9, 22)
	snap.Market = &core.MarketSnapshot{
		Indicators: map[string]decimal.Decimal{"INDIA_VIX": decimal.NewFromInt(15)},
		AsOf:       snap.Now,
	}
	eval, err := ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)

	snap.Market.Indicators["INDIA_VIX"] = decimal.NewFromInt(25)
	eval, err = ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalNotSatisfied, eval.Result)
}

// Missing market data must surface as INDETERMINATE, never as a pass.
func TestIndicatorUnavailableIsIndeterminate(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.Indicator = &core.IndicatorPredicate{
		Indicator: "INDIA_VIX",
		Operator:  "GT",
		Threshold: decimal.NewFromInt(12),
	}

	snap := at(t, 2024, time.September, 2, 9, 22)
	eval, err := ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalIndeterminate, eval.Result)

	snap.Market = &core.MarketSnapshot{Indicators: map[string]decimal.Decimal{}, AsOf: snap.Now}
	eval, err = ev.Evaluate(inst, core.IntentEntry, snap)
	require.NoError(t, err)
	assert.Equal(t, core.EvalIndeterminate, eval.Result)
}

// Exits ignore indicator predicates; flattening must always be possible.
func TestExitIgnoresIndicator(t *testing.T) {
	ev := New(5 * time.Minute)
	inst := testStrategy()
	inst.Indicator = &core.IndicatorPredicate{
		Indicator: "INDIA_VIX",
		Operator:  "LT",
		Threshold: decimal.NewFromInt(20),
	}

	eval, err := ev.Evaluate(inst, core.IntentExit, at(t, 2024, time.September, 2, 15, 12))
	require.NoError(t, err)
	assert.Equal(t, core.EvalSatisfied, eval.Result)
}
