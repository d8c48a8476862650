// Package lifecycle drives logical orders through broker submission, fills,
// and compensation until every leg reaches a terminal state.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	"optionsrunner/pkg/telemetry"
)

// validTransitions encodes the leg state machine. Absent entries are
// invalid; terminal states have no successors. The broker can reject from
// any live state, including after partial fills. Retryable submission
// failures loop inside SUBMITTING (placeWithRetry) rather than bouncing
// back to PENDING; the two are equivalent since nothing observes the leg
// between attempts.
var validTransitions = map[core.LegState][]core.LegState{
	core.LegPending:    {core.LegSubmitting, core.LegFailed},
	core.LegSubmitting: {core.LegAcknowledged, core.LegRejected, core.LegFailed},
	core.LegAcknowledged: {
		core.LegPartiallyFilled, core.LegFilled,
		core.LegRejected, core.LegCancelled, core.LegFailed,
	},
	core.LegPartiallyFilled: {
		core.LegPartiallyFilled, core.LegFilled,
		core.LegRejected, core.LegCancelled, core.LegFailed,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to core.LegState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine serializes all state changes to the legs of one logical order and
// records every transition in the journal before announcing it.
type machine struct {
	order   *core.LogicalOrder
	journal core.SubmissionJournal
	bus     *events.Bus
	logger  core.ILogger
}

func newMachine(order *core.LogicalOrder, journal core.SubmissionJournal, bus *events.Bus, logger core.ILogger) *machine {
	return &machine{order: order, journal: journal, bus: bus, logger: logger}
}

// transition moves a leg to a new state, optionally applying fill data
// first. Invalid edges and fill quantities above the request are rejected;
// out-of-order broker updates surface here as errors rather than corrupting
// the leg.
func (m *machine) transition(ctx context.Context, leg *core.LegOrder, to core.LegState, status *core.OrderStatus) error {
	from := leg.State
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for leg %s", from, to, leg.ID)
	}

	if status != nil {
		if status.FilledQty.GreaterThan(leg.Requested) {
			return fmt.Errorf("fill %s exceeds requested %s for leg %s",
				status.FilledQty, leg.Requested, leg.ID)
		}
		// Fills only grow. A stale poll result must not rewind.
		if status.FilledQty.LessThan(leg.Filled) {
			return fmt.Errorf("fill regression %s -> %s for leg %s",
				leg.Filled, status.FilledQty, leg.ID)
		}
		leg.Filled = status.FilledQty
		if !status.AvgFillPrice.IsZero() {
			leg.AvgFillPrice = status.AvgFillPrice
		}
	}
	if to == core.LegFilled && !leg.Filled.Equal(leg.Requested) {
		return fmt.Errorf("leg %s marked FILLED with %s of %s", leg.ID, leg.Filled, leg.Requested)
	}

	leg.State = to
	leg.UpdatedAt = time.Now()

	if err := m.journal.UpdateLeg(ctx, leg); err != nil {
		// The in-memory transition stands; journal lag is resolved by
		// reconciliation, not by un-transitioning.
		m.logger.Error("Failed to journal leg transition",
			"leg_id", leg.ID, "from", string(from), "to", string(to), "error", err)
	}

	m.logger.Info("Leg transition",
		"leg_id", leg.ID, "symbol", leg.Symbol,
		"from", string(from), "to", string(to),
		"filled", leg.Filled.String(), "requested", leg.Requested.String())

	if mh := telemetry.GetGlobalMetrics(); mh.TransitionsTotal != nil {
		mh.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to))))
		if to == core.LegFilled && mh.OrdersFilledTotal != nil {
			mh.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("symbol", leg.Symbol)))
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventLegTransition,
			StrategyID: m.order.StrategyID,
			Payload: map[string]interface{}{
				"leg_id": leg.ID,
				"symbol": leg.Symbol,
				"from":   string(from),
				"to":     string(to),
				"filled": leg.Filled.String(),
			},
		})
	}
	return nil
}

// fail moves a leg to FAILED from any non-terminal state, recording the
// cause.
func (m *machine) fail(ctx context.Context, leg *core.LegOrder, cause error) {
	if leg.State.Terminal() {
		return
	}
	leg.LastError = cause.Error()
	if err := m.transition(ctx, leg, core.LegFailed, nil); err != nil {
		m.logger.Error("Failed to fail leg", "leg_id", leg.ID, "error", err)
	}
}

// deriveLogicalState computes the logical order state from its legs. Only
// meaningful once every leg is terminal, except IN_FLIGHT.
func deriveLogicalState(order *core.LogicalOrder) core.LogicalState {
	var (
		filled      int
		partiallyOK int
		failedLike  int
	)
	for _, leg := range order.Legs {
		if !leg.State.Terminal() {
			return core.LogicalInFlight
		}
		switch leg.State {
		case core.LegFilled:
			filled++
		case core.LegRejected, core.LegCancelled, core.LegFailed:
			// Fills stick even when the remainder is rejected or cancelled;
			// the leg carries real exposure either way.
			if leg.Filled.GreaterThan(decimal.Zero) {
				partiallyOK++
			} else {
				failedLike++
			}
		}
	}

	total := len(order.Legs)
	switch {
	case filled == total:
		return core.LogicalComplete
	case filled == 0 && partiallyOK == 0:
		return core.LogicalFailed
	case partiallyOK > 0 && failedLike == 0 && filled+partiallyOK == total:
		return core.LogicalPartiallyFilled
	default:
		// Divergent outcomes across legs: unfinished business to unwind.
		return core.LogicalCompensating
	}
}
