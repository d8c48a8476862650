package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	apperrors "optionsrunner/pkg/errors"
	"optionsrunner/pkg/retry"
	"optionsrunner/pkg/telemetry"
)

// ManagerConfig bounds one logical order execution.
type ManagerConfig struct {
	Account         string
	LegTimeout      time.Duration
	PollInterval    time.Duration
	MinFillFraction decimal.Decimal
	RetryPolicy     retry.Policy
}

// Manager is the production LifecycleManager. It submits all legs of a
// logical order concurrently, tracks each through the state machine, and
// compensates when leg outcomes diverge.
type Manager struct {
	cfg     ManagerConfig
	gateway core.BrokerGateway
	journal core.SubmissionJournal
	bus     *events.Bus
	logger  core.ILogger
}

var _ core.LifecycleManager = (*Manager)(nil)

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig, gateway core.BrokerGateway, journal core.SubmissionJournal, bus *events.Bus, logger core.ILogger) *Manager {
	return &Manager{
		cfg:     cfg,
		gateway: gateway,
		journal: journal,
		bus:     bus,
		logger:  logger.WithField("component", "lifecycle_manager"),
	}
}

// Execute drives every leg of the order to a terminal state and derives the
// final logical state. The returned error covers infrastructure failure
// only; business failure (rejections, partial fills) is expressed in
// order.State.
func (m *Manager) Execute(ctx context.Context, order *core.LogicalOrder) error {
	if len(order.Legs) == 0 {
		return fmt.Errorf("logical order %s has no legs", order.ID)
	}
	order.State = core.LogicalInFlight

	log := m.logger.WithFields(map[string]interface{}{
		"logical_id":  order.ID,
		"strategy_id": order.StrategyID,
		"intent":      string(order.Intent),
	})
	sm := newMachine(order, m.journal, m.bus, log)

	g, gctx := errgroup.WithContext(ctx)
	for _, leg := range order.Legs {
		leg := leg
		g.Go(func() error {
			return m.runLeg(gctx, sm, leg)
		})
	}
	if err := g.Wait(); err != nil {
		// A leg goroutine only errors on infrastructure failure; mark
		// whatever is still non-terminal so the order can settle.
		for _, leg := range order.Legs {
			if !leg.State.Terminal() {
				sm.fail(ctx, leg, err)
			}
		}
	}

	order.State = deriveLogicalState(order)
	if order.State == core.LogicalCompensating {
		m.compensate(ctx, sm, order, log)
	}
	m.finalize(ctx, order, log)
	return nil
}

// runLeg submits one leg and polls it to a terminal state.
func (m *Manager) runLeg(ctx context.Context, sm *machine, leg *core.LegOrder) error {
	// Journal first: a crash after this point leaves a record that
	// reconciliation can resolve against the broker.
	if err := m.journal.RecordSubmission(ctx, leg); err != nil {
		return fmt.Errorf("journal submission for leg %s: %w", leg.ID, err)
	}
	if err := sm.transition(ctx, leg, core.LegSubmitting, nil); err != nil {
		return err
	}

	ack, err := m.placeWithRetry(ctx, leg)
	if err != nil {
		leg.LastError = err.Error()
		if apperrors.IsRejection(err) {
			return sm.transition(ctx, leg, core.LegRejected, nil)
		}
		// Retries exhausted or fatal: the order may still exist broker-side,
		// which the next reconciliation pass will surface.
		return sm.transition(ctx, leg, core.LegFailed, nil)
	}

	leg.BrokerOrderID = ack.BrokerOrderID
	if err := sm.transition(ctx, leg, core.LegAcknowledged, nil); err != nil {
		return err
	}
	return m.pollLeg(ctx, sm, leg)
}

func (m *Manager) placeWithRetry(ctx context.Context, leg *core.LegOrder) (*core.BrokerAck, error) {
	req := &core.PlaceOrderRequest{
		Symbol:        leg.Symbol,
		Side:          leg.Side,
		Quantity:      leg.Requested,
		ClientOrderID: leg.ClientOrderID,
		Account:       m.cfg.Account,
	}

	var ack *core.BrokerAck
	attempts := 0
	err := retry.DoBroker(ctx, m.cfg.RetryPolicy, func() error {
		attempts++
		leg.Attempts = attempts
		if attempts > 1 {
			if mh := telemetry.GetGlobalMetrics(); mh.RetriesTotal != nil {
				mh.RetriesTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("operation", "place_order")))
			}
		}

		start := time.Now()
		var placeErr error
		ack, placeErr = m.gateway.PlaceOrder(ctx, req)
		if mh := telemetry.GetGlobalMetrics(); mh.BrokerLatency != nil {
			mh.BrokerLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("operation", "place_order")))
		}
		return placeErr
	})
	if err != nil {
		return nil, err
	}

	if mh := telemetry.GetGlobalMetrics(); mh.OrdersPlacedTotal != nil {
		mh.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", leg.Symbol),
			attribute.String("side", string(leg.Side))))
	}
	return ack, nil
}

// pollLeg polls broker status until the leg is terminal or the leg timeout
// elapses. On timeout the order is cancelled rather than abandoned.
func (m *Manager) pollLeg(ctx context.Context, sm *machine, leg *core.LegOrder) error {
	deadline := time.Now().Add(m.cfg.LegTimeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := m.fetchStatusWithRetry(ctx, leg.BrokerOrderID)
		if err != nil {
			if time.Now().After(deadline) {
				return m.cancelLeg(ctx, sm, leg, "status unavailable past leg timeout")
			}
			continue
		}

		if err := m.applyStatus(ctx, sm, leg, status); err != nil {
			sm.logger.Warn("Ignoring unusable status update",
				"leg_id", leg.ID, "broker_state", string(status.State), "error", err)
		}
		if leg.State.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return m.cancelLeg(ctx, sm, leg, "leg timeout elapsed")
		}
	}
}

func (m *Manager) fetchStatusWithRetry(ctx context.Context, brokerOrderID string) (*core.OrderStatus, error) {
	var status *core.OrderStatus
	err := retry.DoBroker(ctx, m.cfg.RetryPolicy, func() error {
		var fetchErr error
		status, fetchErr = m.gateway.FetchOrderStatus(ctx, brokerOrderID)
		return fetchErr
	})
	return status, err
}

// applyStatus maps one broker-reported status onto the state machine.
func (m *Manager) applyStatus(ctx context.Context, sm *machine, leg *core.LegOrder, status *core.OrderStatus) error {
	switch status.State {
	case core.LegAcknowledged:
		// No change yet.
		return nil
	case core.LegPartiallyFilled:
		if status.FilledQty.Equal(leg.Filled) && leg.State == core.LegPartiallyFilled {
			return nil
		}
		return sm.transition(ctx, leg, core.LegPartiallyFilled, status)
	case core.LegFilled:
		return sm.transition(ctx, leg, core.LegFilled, status)
	case core.LegRejected:
		leg.LastError = "rejected by broker"
		return sm.transition(ctx, leg, core.LegRejected, status)
	case core.LegCancelled:
		return sm.transition(ctx, leg, core.LegCancelled, status)
	default:
		return fmt.Errorf("unexpected broker state %q", string(status.State))
	}
}

// cancelLeg issues a cancel and settles the leg on the broker's final word.
// A fill that races the cancel wins: the final status fetch decides.
func (m *Manager) cancelLeg(ctx context.Context, sm *machine, leg *core.LegOrder, reason string) error {
	sm.logger.Warn("Cancelling leg", "leg_id", leg.ID, "reason", reason)

	err := retry.DoBroker(ctx, m.cfg.RetryPolicy, func() error {
		return m.gateway.CancelOrder(ctx, leg.BrokerOrderID)
	})
	if err != nil && !apperrors.IsFatal(err) {
		sm.fail(ctx, leg, fmt.Errorf("cancel failed: %w", err))
		return nil
	}

	status, err := m.fetchStatusWithRetry(ctx, leg.BrokerOrderID)
	if err != nil {
		sm.fail(ctx, leg, fmt.Errorf("post-cancel status unavailable: %w", err))
		return nil
	}
	if err := m.applyStatus(ctx, sm, leg, status); err != nil || !leg.State.Terminal() {
		leg.LastError = reason
		if terr := sm.transition(ctx, leg, core.LegCancelled, nil); terr != nil {
			sm.fail(ctx, leg, terr)
		}
	}
	return nil
}

// compensate handles divergent leg outcomes: cancel whatever is still
// working, then flag any filled quantity for unwind. Automatic reversal
// orders are out of scope; the flag routes to operator alerting.
func (m *Manager) compensate(ctx context.Context, sm *machine, order *core.LogicalOrder, log core.ILogger) {
	log.Warn("Leg outcomes diverged, compensating")

	if mh := telemetry.GetGlobalMetrics(); mh.CompensationsTotal != nil {
		mh.CompensationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy_id", order.StrategyID)))
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventCompensation,
			StrategyID: order.StrategyID,
			Payload:    map[string]string{"logical_id": order.ID},
		})
	}

	for _, leg := range order.Legs {
		if !leg.State.Terminal() {
			_ = m.cancelLeg(ctx, sm, leg, "compensating divergent logical order")
		}
	}

	for _, leg := range order.Legs {
		if leg.Filled.GreaterThan(decimal.Zero) {
			order.UnwindRequired = true
			log.Warn("Filled quantity requires unwind",
				"leg_id", leg.ID, "symbol", leg.Symbol, "filled", leg.Filled.String())
		}
	}
}

// finalize settles the logical state and completion time once all legs are
// terminal.
func (m *Manager) finalize(ctx context.Context, order *core.LogicalOrder, log core.ILogger) {
	if order.State == core.LogicalCompensating {
		// Compensation has run; what remains is a partial outcome.
		order.State = core.LogicalPartiallyFilled
	}

	if order.State == core.LogicalPartiallyFilled && !m.cfg.MinFillFraction.IsZero() {
		if m.fillFraction(order).LessThan(m.cfg.MinFillFraction) {
			order.UnwindRequired = true
		}
	}

	order.CompletedAt = time.Now()
	log.Info("Logical order settled",
		"state", string(order.State),
		"unwind_required", order.UnwindRequired)
}

func (m *Manager) fillFraction(order *core.LogicalOrder) decimal.Decimal {
	var requested, filled decimal.Decimal
	for _, leg := range order.Legs {
		requested = requested.Add(leg.Requested)
		filled = filled.Add(leg.Filled)
	}
	if requested.IsZero() {
		return decimal.Zero
	}
	return filled.Div(requested)
}
