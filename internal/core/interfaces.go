// Package core defines the domain model and capability interfaces of the
// strategy execution core.
package core

import (
	"context"
	"time"
)

// BrokerGateway is the capability interface every concrete broker must
// implement. Implementations map their native errors into the shared
// taxonomy in pkg/errors.
type BrokerGateway interface {
	Name() string
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*BrokerAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	FetchOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)
	FetchPositions(ctx context.Context, account string) ([]*PositionSnapshot, error)
}

// ConditionEvaluator decides whether a strategy's entry/exit conditions hold
// at a point in time. Pure over the provided snapshot.
type ConditionEvaluator interface {
	Evaluate(inst *StrategyInstance, intent IntentType, snap *ClockSnapshot) (Evaluation, error)
}

// LifecycleManager drives a logical order through placement, fills, and
// compensation until every leg is terminal.
type LifecycleManager interface {
	Execute(ctx context.Context, order *LogicalOrder) error
}

// PositionReconciler applies terminal logical orders to the position book and
// periodically verifies the book against the broker.
type PositionReconciler interface {
	ApplyOrder(ctx context.Context, order *LogicalOrder) error
	RunSnapshot(ctx context.Context) (*ReconcileReport, error)
}

// ReconcileReport summarizes one periodic reconciliation pass.
type ReconcileReport struct {
	Status      SyncStatus
	CheckedAt   time.Time
	Records     []*ReconciliationRecord
	HaltedCount int
}

// LockService provides per-key mutual exclusion with a bounded wait. A nil
// release func with a non-nil error means the lock was not acquired.
// Implementations may be in-process or backed by conditional writes on a
// shared store; callers must not assume process locality.
type LockService interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

// OutcomeStore persists terminal execution outcomes keyed by idempotency key.
type OutcomeStore interface {
	GetOutcome(ctx context.Context, key string) (*ExecutionOutcome, bool, error)
	PutOutcome(ctx context.Context, outcome *ExecutionOutcome) error
}

// SubmissionJournal durably records every leg order before its network
// submission, so a crash between "decided to submit" and "received ack" is
// resolved by reconciliation instead of being lost.
type SubmissionJournal interface {
	RecordSubmission(ctx context.Context, leg *LegOrder) error
	UpdateLeg(ctx context.Context, leg *LegOrder) error
}

// FillStore persists the append-only fill history and reconciliation records.
type FillStore interface {
	AppendFill(ctx context.Context, fill *Fill) error
	ListFills(ctx context.Context, key PositionKey) ([]*Fill, error)
	SaveReconciliationRecord(ctx context.Context, rec *ReconciliationRecord) error
}

// StrategyStore is the read-only view of strategy configuration (external).
type StrategyStore interface {
	GetStrategy(ctx context.Context, id string) (*StrategyInstance, error)
}

// SnapshotProvider assembles the clock/market snapshot for evaluation. The
// market portion may be nil when market data is unavailable; providers must
// return within a bounded time rather than block.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, inst *StrategyInstance) (*ClockSnapshot, error)
}

// SubmissionFuse halts new order submission per strategy after large
// reconciliation drift, until manually cleared.
type SubmissionFuse interface {
	IsHalted(strategyID string) bool
	Halt(strategyID, reason string)
	Clear(strategyID string)
	Halted() map[string]string
}

// ILogger is the logging interface used across components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
