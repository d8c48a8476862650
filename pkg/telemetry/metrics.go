package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricExecutionsTotal      = "runner_executions_total"
	MetricTransitionsTotal     = "runner_leg_transitions_total"
	MetricOrdersPlacedTotal    = "runner_orders_placed_total"
	MetricOrdersFilledTotal    = "runner_orders_filled_total"
	MetricRetriesTotal         = "runner_broker_retries_total"
	MetricCompensationsTotal   = "runner_compensations_total"
	MetricReconcilePassesTotal = "runner_reconcile_passes_total"
	MetricBrokerLatency        = "runner_broker_latency_ms"
	MetricPositionNetQty       = "runner_position_net_qty"
	MetricDriftQty             = "runner_reconcile_drift_qty"
	MetricFuseOpen             = "runner_submission_fuse_open"
	MetricRealizedPnLTotal     = "runner_pnl_realized_total"
)

// MetricsHolder holds initialized instruments plus state for observables.
type MetricsHolder struct {
	ExecutionsTotal      metric.Int64Counter
	TransitionsTotal     metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	RetriesTotal         metric.Int64Counter
	CompensationsTotal   metric.Int64Counter
	ReconcilePassesTotal metric.Int64Counter
	BrokerLatency        metric.Float64Histogram
	RealizedPnLTotal     metric.Float64UpDownCounter
	PositionNetQty       metric.Float64ObservableGauge
	DriftQty             metric.Float64ObservableGauge
	FuseOpen             metric.Int64ObservableGauge

	mu          sync.RWMutex
	positionMap map[string]float64
	driftMap    map[string]float64
	fuseMap     map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionMap: make(map[string]float64),
			driftMap:    make(map[string]float64),
			fuseMap:     make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ExecutionsTotal, err = meter.Int64Counter(MetricExecutionsTotal, metric.WithDescription("Execution intents handled, by intent type and outcome"))
	if err != nil {
		return err
	}

	m.TransitionsTotal, err = meter.Int64Counter(MetricTransitionsTotal, metric.WithDescription("Leg order state transitions"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Leg orders submitted to the broker"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Leg orders fully filled"))
	if err != nil {
		return err
	}

	m.RetriesTotal, err = meter.Int64Counter(MetricRetriesTotal, metric.WithDescription("Broker call retries"))
	if err != nil {
		return err
	}

	m.CompensationsTotal, err = meter.Int64Counter(MetricCompensationsTotal, metric.WithDescription("Logical orders that entered compensation"))
	if err != nil {
		return err
	}

	m.ReconcilePassesTotal, err = meter.Int64Counter(MetricReconcilePassesTotal, metric.WithDescription("Periodic reconciliation passes, by result"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker gateway calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RealizedPnLTotal, err = meter.Float64UpDownCounter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.PositionNetQty, err = meter.Float64ObservableGauge(MetricPositionNetQty, metric.WithDescription("Net position quantity per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DriftQty, err = meter.Float64ObservableGauge(MetricDriftQty, metric.WithDescription("Last observed local/broker quantity drift per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.driftMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.FuseOpen, err = meter.Int64ObservableGauge(MetricFuseOpen, metric.WithDescription("Submission fuse state per strategy (1=halted)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for strategy, val := range m.fuseMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", strategy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPositionNetQty(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionMap[symbol] = qty
}

func (m *MetricsHolder) SetDriftQty(symbol string, drift float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftMap[symbol] = drift
}

// RecordRealizedPnL adds one realized P&L delta to the cumulative counter.
func (m *MetricsHolder) RecordRealizedPnL(delta float64) {
	if m.RealizedPnLTotal != nil {
		m.RealizedPnLTotal.Add(context.Background(), delta)
	}
}

func (m *MetricsHolder) SetFuseOpen(strategyID string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fuseMap[strategyID] = val
}
