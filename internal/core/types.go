package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IntentType distinguishes opening a strategy position from closing it.
type IntentType string

const (
	IntentEntry IntentType = "ENTRY"
	IntentExit  IntentType = "EXIT"
)

// Side is the direction of a single leg order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OptionType identifies the contract type of a leg.
type OptionType string

const (
	OptionCall   OptionType = "CE"
	OptionPut    OptionType = "PE"
	OptionFuture OptionType = "FUT"
)

// LegState is the lifecycle state of a single broker-facing order.
type LegState string

const (
	LegPending         LegState = "PENDING"
	LegSubmitting      LegState = "SUBMITTING"
	LegAcknowledged    LegState = "ACKNOWLEDGED"
	LegPartiallyFilled LegState = "PARTIALLY_FILLED"
	LegFilled          LegState = "FILLED"
	LegRejected        LegState = "REJECTED"
	LegCancelled       LegState = "CANCELLED"
	LegFailed          LegState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s LegState) Terminal() bool {
	switch s {
	case LegFilled, LegRejected, LegCancelled, LegFailed:
		return true
	}
	return false
}

// LogicalState is the derived state of a multi-leg logical order.
type LogicalState string

const (
	LogicalInFlight        LogicalState = "IN_FLIGHT"
	LogicalComplete        LogicalState = "COMPLETE"
	LogicalPartiallyFilled LogicalState = "PARTIALLY_FILLED"
	LogicalCompensating    LogicalState = "COMPENSATING"
	LogicalFailed          LogicalState = "FAILED"
)

// OutcomeStatus is the terminal status of handling one execution intent.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "EXECUTED"
	OutcomeSkipped  OutcomeStatus = "SKIPPED"
	OutcomeFailed   OutcomeStatus = "FAILED"
)

// SyncStatus tracks how a local position relates to the broker's view.
type SyncStatus string

const (
	SyncInSync  SyncStatus = "IN_SYNC"
	SyncDrifted SyncStatus = "DRIFTED"
	SyncUnknown SyncStatus = "UNKNOWN"
)

// EvalResult is the outcome of condition evaluation.
type EvalResult string

const (
	EvalSatisfied     EvalResult = "SATISFIED"
	EvalNotSatisfied  EvalResult = "NOT_SATISFIED"
	EvalIndeterminate EvalResult = "INDETERMINATE"
)

// Evaluation carries the evaluator's verdict with a human-readable reason.
type Evaluation struct {
	Result EvalResult
	Reason string
}

// TimeOfDay is a wall-clock minute in the strategy's configured timezone.
type TimeOfDay struct {
	Hour   int `yaml:"hour" json:"hour"`
	Minute int `yaml:"minute" json:"minute"`
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// On anchors the time-of-day to a calendar date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// DTERange bounds days-to-expiry for entries, inclusive. A nil range on the
// strategy disables the gate; [0,0] admits expiry day only.
type DTERange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// IndicatorPredicate gates entry on a market-data value crossing a threshold.
type IndicatorPredicate struct {
	Indicator string          `yaml:"indicator" json:"indicator"`
	Operator  string          `yaml:"operator" json:"operator"` // "GT" or "LT"
	Threshold decimal.Decimal `yaml:"threshold" json:"threshold"`
}

// LegSpec is the configured template for one leg of a strategy.
type LegSpec struct {
	Symbol     string          `yaml:"symbol" json:"symbol"`
	Underlying string          `yaml:"underlying" json:"underlying"`
	Side       Side            `yaml:"side" json:"side"`
	Quantity   decimal.Decimal `yaml:"quantity" json:"quantity"`
	OptionType OptionType      `yaml:"option_type" json:"option_type"`
	StrikeRule string          `yaml:"strike_rule" json:"strike_rule"` // e.g. "ATM", "ATM+100"
}

// StrategyInstance is a configured, schedulable strategy. It is created by
// strategy configuration (external) and read-only to the execution core.
type StrategyInstance struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	BasketID  string              `json:"basket_id"`
	Legs      []LegSpec           `json:"legs"`
	EntryTime TimeOfDay           `json:"entry_time"`
	ExitTime  TimeOfDay           `json:"exit_time"`
	Weekdays  []time.Weekday      `json:"weekdays"`
	DTE       *DTERange           `json:"dte,omitempty"`
	Timezone  string              `json:"timezone"`
	Indicator *IndicatorPredicate `json:"indicator,omitempty"`
	Active    bool                `json:"active"`
}

// TradesOn reports whether the instance's weekday mask includes d.
func (s *StrategyInstance) TradesOn(d time.Weekday) bool {
	for _, wd := range s.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

// ExecutionIntent is one scheduler firing: attempt ENTRY or EXIT for one
// strategy at one logical trigger time. Delivery is at-least-once; the
// idempotency key makes redelivery safe.
type ExecutionIntent struct {
	StrategyID  string     `json:"strategy_id"`
	Type        IntentType `json:"intent_type"`
	TriggerTime time.Time  `json:"trigger_timestamp"`
}

// IdempotencyKey identifies an intent across redeliveries.
func (i ExecutionIntent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s", i.StrategyID, i.TriggerTime.Unix(), i.Type)
}

// LockKey serializes executions per (strategy, intent type).
func (i ExecutionIntent) LockKey() string {
	return fmt.Sprintf("%s:%s", i.StrategyID, i.Type)
}

// LegOrder is one broker-facing order tracked through the state machine.
// Owned exclusively by the lifecycle manager; everything else sees copies
// or reads terminal snapshots.
type LegOrder struct {
	ID            string          `json:"id"`
	LogicalID     string          `json:"logical_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Requested     decimal.Decimal `json:"requested_qty"`
	Filled        decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	State         LegState        `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LogicalOrder groups the leg orders submitted together for one intent.
type LogicalOrder struct {
	ID             string       `json:"id"`
	StrategyID     string       `json:"strategy_id"`
	UserID         string       `json:"user_id"`
	Intent         IntentType   `json:"intent_type"`
	Legs           []*LegOrder  `json:"legs"`
	State          LogicalState `json:"state"`
	UnwindRequired bool         `json:"unwind_required"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
}

// ExecutionOutcome is the terminal result of handling one intent.
type ExecutionOutcome struct {
	Key            string        `json:"key"`
	Status         OutcomeStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Retryable      bool          `json:"retryable"`
	LogicalOrderID string        `json:"logical_order_id,omitempty"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Fill is one reconciled execution applied to a position. Fills are
// append-only; positions must be recomputable from them alone.
type Fill struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	LegOrderID string          `json:"leg_order_id"`
	FilledAt   time.Time       `json:"filled_at"`
}

// SignedQuantity is positive for buys, negative for sells.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// PositionKey identifies a position record.
type PositionKey struct {
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.UserID, k.StrategyID, k.Symbol)
}

// Position is the locally authoritative net position per (user, strategy,
// symbol). Written only by the reconciler; never deleted (closed positions
// keep qty zero with history).
type Position struct {
	Key           PositionKey     `json:"key"`
	NetQuantity   decimal.Decimal `json:"net_quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LastSyncAt    time.Time       `json:"last_sync_at"`
	SyncStatus    SyncStatus      `json:"sync_status"`
}

// ReconciliationRecord captures one detected local/broker discrepancy.
// Terminal once written.
type ReconciliationRecord struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	LocalQty   decimal.Decimal `json:"local_qty"`
	BrokerQty  decimal.Decimal `json:"broker_qty"`
	Drift      decimal.Decimal `json:"drift"`
	Action     string          `json:"action"`
	DetectedAt time.Time       `json:"detected_at"`
}

// PlaceOrderRequest is the broker gateway placement request.
type PlaceOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
}

// BrokerAck is a successful placement acknowledgement.
type BrokerAck struct {
	BrokerOrderID string    `json:"broker_order_id"`
	AckedAt       time.Time `json:"acked_at"`
}

// OrderStatus is the broker-reported status of one order.
type OrderStatus struct {
	BrokerOrderID string          `json:"broker_order_id"`
	State         LegState        `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
}

// PositionSnapshot is one broker-reported position line.
type PositionSnapshot struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// MarketSnapshot is a point-in-time indicator view. A nil snapshot means
// market data was unavailable at evaluation time.
type MarketSnapshot struct {
	Indicators map[string]decimal.Decimal `json:"indicators"`
	AsOf       time.Time                  `json:"as_of"`
}

// ClockSnapshot is everything the evaluator may look at. It is assembled by
// the coordinator so evaluation itself stays pure.
type ClockSnapshot struct {
	Now            time.Time            `json:"now"`
	ExpiryCalendar map[string]time.Time `json:"expiry_calendar"` // underlying -> nearest expiry
	Market         *MarketSnapshot      `json:"market,omitempty"`
}
