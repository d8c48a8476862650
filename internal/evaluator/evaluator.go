// Package evaluator decides whether a strategy's entry or exit conditions
// hold at a point in time. Evaluation is pure over the snapshot it is given:
// no network calls, no clock reads, no mutation.
package evaluator

import (
	"fmt"
	"math"
	"time"

	"optionsrunner/internal/core"
	apperrors "optionsrunner/pkg/errors"
)

// Evaluator is the production ConditionEvaluator.
type Evaluator struct {
	gracePeriod time.Duration
}

var _ core.ConditionEvaluator = (*Evaluator)(nil)

// New creates an evaluator with the configured trigger grace period.
func New(gracePeriod time.Duration) *Evaluator {
	return &Evaluator{gracePeriod: gracePeriod}
}

// Evaluate runs every gate for the given intent type. Verdict semantics:
// NOT_SATISFIED means a gate definitively failed; INDETERMINATE means a gate
// could not be decided (missing data) and the caller decides whether to
// retry or fail loudly. INDETERMINATE is never silently treated as
// satisfied.
func (e *Evaluator) Evaluate(inst *core.StrategyInstance, intent core.IntentType, snap *core.ClockSnapshot) (core.Evaluation, error) {
	if inst == nil || snap == nil {
		return core.Evaluation{}, fmt.Errorf("%w: nil strategy or snapshot", apperrors.ErrConfiguration)
	}

	// Malformed config on an active strategy is an error, not a quiet skip.
	if err := e.validate(inst); err != nil {
		if inst.Active {
			return core.Evaluation{}, err
		}
		return core.Evaluation{Result: core.EvalNotSatisfied, Reason: "strategy inactive"}, nil
	}

	if !inst.Active {
		return core.Evaluation{Result: core.EvalNotSatisfied, Reason: "strategy inactive"}, nil
	}

	loc, err := time.LoadLocation(inst.Timezone)
	if err != nil {
		return core.Evaluation{}, fmt.Errorf("%w: bad timezone %q: %v", apperrors.ErrConfiguration, inst.Timezone, err)
	}
	now := snap.Now.In(loc)

	if !inst.TradesOn(now.Weekday()) {
		return core.Evaluation{
			Result: core.EvalNotSatisfied,
			Reason: fmt.Sprintf("weekday %s not in trading mask", now.Weekday()),
		}, nil
	}

	if ev, ok := e.checkWindow(inst, intent, now, loc); !ok {
		return ev, nil
	}

	// DTE gate applies to entries only; exits must be able to flatten
	// regardless of remaining tenor.
	if intent == core.IntentEntry {
		if ev, done := e.checkDTE(inst, now, loc, snap); done {
			return ev, nil
		}
		if inst.Indicator != nil {
			return e.checkIndicator(inst.Indicator, snap)
		}
	}

	return core.Evaluation{Result: core.EvalSatisfied, Reason: "all gates passed"}, nil
}

func (e *Evaluator) validate(inst *core.StrategyInstance) error {
	if !inst.EntryTime.Valid() || !inst.ExitTime.Valid() {
		return fmt.Errorf("%w: invalid entry/exit time", apperrors.ErrConfiguration)
	}
	if len(inst.Weekdays) == 0 {
		return fmt.Errorf("%w: empty weekday mask", apperrors.ErrConfiguration)
	}
	if inst.DTE != nil && (inst.DTE.Min < 0 || inst.DTE.Max < inst.DTE.Min) {
		return fmt.Errorf("%w: invalid DTE bounds [%d,%d]", apperrors.ErrConfiguration, inst.DTE.Min, inst.DTE.Max)
	}
	if inst.Indicator != nil {
		switch inst.Indicator.Operator {
		case "GT", "LT":
		default:
			return fmt.Errorf("%w: unknown indicator operator %q", apperrors.ErrConfiguration, inst.Indicator.Operator)
		}
	}
	return nil
}

// checkWindow verifies now falls inside [trigger, trigger+grace] for the
// intent's configured time-of-day. The window never crosses a day boundary.
func (e *Evaluator) checkWindow(inst *core.StrategyInstance, intent core.IntentType, now time.Time, loc *time.Location) (core.Evaluation, bool) {
	tod := inst.EntryTime
	if intent == core.IntentExit {
		tod = inst.ExitTime
	}

	trigger := tod.On(now, loc)
	windowEnd := trigger.Add(e.gracePeriod)
	if windowEnd.Day() != trigger.Day() {
		windowEnd = time.Date(trigger.Year(), trigger.Month(), trigger.Day(), 23, 59, 59, 0, loc)
	}

	if now.Before(trigger) {
		return core.Evaluation{
			Result: core.EvalNotSatisfied,
			Reason: fmt.Sprintf("before %s window at %s", intent, tod),
		}, false
	}
	if now.After(windowEnd) {
		return core.Evaluation{
			Result: core.EvalNotSatisfied,
			Reason: fmt.Sprintf("%s window at %s expired", intent, tod),
		}, false
	}
	return core.Evaluation{}, true
}

// checkDTE gates entry on days-to-expiry of the nearest expiry per
// underlying. Calendar days, computed in the strategy timezone; rounding
// absorbs DST-shortened or -lengthened days.
func (e *Evaluator) checkDTE(inst *core.StrategyInstance, now time.Time, loc *time.Location, snap *core.ClockSnapshot) (core.Evaluation, bool) {
	if inst.DTE == nil {
		return core.Evaluation{}, false
	}

	for _, leg := range inst.Legs {
		expiry, ok := snap.ExpiryCalendar[leg.Underlying]
		if !ok {
			return core.Evaluation{
				Result: core.EvalIndeterminate,
				Reason: fmt.Sprintf("no expiry known for underlying %q", leg.Underlying),
			}, true
		}

		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		ed := expiry.In(loc)
		expiryDay := time.Date(ed.Year(), ed.Month(), ed.Day(), 0, 0, 0, 0, loc)
		dte := int(math.Round(expiryDay.Sub(today).Hours() / 24))

		if dte < inst.DTE.Min || dte > inst.DTE.Max {
			return core.Evaluation{
				Result: core.EvalNotSatisfied,
				Reason: fmt.Sprintf("DTE %d outside [%d,%d] for %s", dte, inst.DTE.Min, inst.DTE.Max, leg.Underlying),
			}, true
		}
	}
	return core.Evaluation{}, false
}

func (e *Evaluator) checkIndicator(pred *core.IndicatorPredicate, snap *core.ClockSnapshot) (core.Evaluation, error) {
	if snap.Market == nil {
		return core.Evaluation{
			Result: core.EvalIndeterminate,
			Reason: "market data unavailable",
		}, nil
	}

	value, ok := snap.Market.Indicators[pred.Indicator]
	if !ok {
		return core.Evaluation{
			Result: core.EvalIndeterminate,
			Reason: fmt.Sprintf("indicator %q missing from snapshot", pred.Indicator),
		}, nil
	}

	var satisfied bool
	switch pred.Operator {
	case "GT":
		satisfied = value.GreaterThan(pred.Threshold)
	case "LT":
		satisfied = value.LessThan(pred.Threshold)
	default:
		return core.Evaluation{}, fmt.Errorf("%w: unknown indicator operator %q", apperrors.ErrConfiguration, pred.Operator)
	}

	if !satisfied {
		return core.Evaluation{
			Result: core.EvalNotSatisfied,
			Reason: fmt.Sprintf("indicator %s=%s failed %s %s", pred.Indicator, value, pred.Operator, pred.Threshold),
		}, nil
	}
	return core.Evaluation{Result: core.EvalSatisfied, Reason: "all gates passed"}, nil
}
