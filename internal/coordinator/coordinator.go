package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	"optionsrunner/pkg/concurrency"
	apperrors "optionsrunner/pkg/errors"
	"optionsrunner/pkg/telemetry"
)

// Config bounds intent handling.
type Config struct {
	LockWait                time.Duration
	IndeterminateRetryLimit int
	IndeterminateRetryDelay time.Duration
	MaxIntentAge            time.Duration
}

// Coordinator is the execution entry point. Every intent passes through
// idempotency lookup, the per-(strategy,intent) lock, the submission fuse,
// and condition evaluation before a logical order is built and executed.
type Coordinator struct {
	cfg        Config
	strategies core.StrategyStore
	snapshots  core.SnapshotProvider
	evaluator  core.ConditionEvaluator
	locks      core.LockService
	outcomes   core.OutcomeStore
	lifecycle  core.LifecycleManager
	reconciler core.PositionReconciler
	fuse       core.SubmissionFuse
	pool       *concurrency.WorkerPool
	bus        *events.Bus
	logger     core.ILogger
}

// New creates a coordinator.
func New(cfg Config, strategies core.StrategyStore, snapshots core.SnapshotProvider,
	evaluator core.ConditionEvaluator, locks core.LockService, outcomes core.OutcomeStore,
	lifecycle core.LifecycleManager, reconciler core.PositionReconciler,
	fuse core.SubmissionFuse, pool *concurrency.WorkerPool, bus *events.Bus,
	logger core.ILogger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		strategies: strategies,
		snapshots:  snapshots,
		evaluator:  evaluator,
		locks:      locks,
		outcomes:   outcomes,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		fuse:       fuse,
		pool:       pool,
		bus:        bus,
		logger:     logger.WithField("component", "coordinator"),
	}
}

// ParseIntent decodes an intent from a JSON ingress payload.
func ParseIntent(body []byte) (*core.ExecutionIntent, error) {
	var intent core.ExecutionIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("malformed intent payload: %w", err)
	}
	if intent.StrategyID == "" {
		return nil, fmt.Errorf("intent missing strategy_id")
	}
	switch intent.Type {
	case core.IntentEntry, core.IntentExit:
	default:
		return nil, fmt.Errorf("unknown intent type %q", string(intent.Type))
	}
	if intent.TriggerTime.IsZero() {
		return nil, fmt.Errorf("intent missing trigger_timestamp")
	}
	return &intent, nil
}

// Submit queues an intent onto the worker pool. An error means the pool
// buffer is saturated; the scheduler redelivers.
func (c *Coordinator) Submit(ctx context.Context, intent *core.ExecutionIntent) error {
	return c.pool.Submit(func() {
		if _, err := c.Handle(ctx, intent); err != nil {
			c.logger.Error("Intent handling failed",
				"strategy_id", intent.StrategyID,
				"intent", string(intent.Type),
				"error", err)
		}
	})
}

// Handle processes one intent end to end and returns its terminal outcome.
// Redelivered intents get the originally recorded outcome.
func (c *Coordinator) Handle(ctx context.Context, intent *core.ExecutionIntent) (*core.ExecutionOutcome, error) {
	key := intent.IdempotencyKey()
	log := c.logger.WithFields(map[string]interface{}{
		"strategy_id": intent.StrategyID,
		"intent":      string(intent.Type),
		"key":         key,
	})

	if prior, ok, err := c.outcomes.GetOutcome(ctx, key); err != nil {
		return nil, fmt.Errorf("outcome lookup: %w", err)
	} else if ok {
		log.Info("Duplicate intent, returning recorded outcome", "status", string(prior.Status))
		return prior, nil
	}

	if c.cfg.MaxIntentAge > 0 && time.Since(intent.TriggerTime) > c.cfg.MaxIntentAge {
		return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
			Key:    key,
			Status: core.OutcomeSkipped,
			Reason: fmt.Sprintf("intent older than %s", c.cfg.MaxIntentAge),
		})
	}

	release, err := c.locks.Acquire(ctx, intent.LockKey(), c.cfg.LockWait)
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyInFlight) {
			// Do not record under this key: the holder will, and a later
			// redelivery must see the holder's outcome.
			log.Info("Execution already in flight, skipping")
			c.observe(ctx, intent, core.OutcomeSkipped)
			return &core.ExecutionOutcome{
				Key:    key,
				Status: core.OutcomeSkipped,
				Reason: "execution already in flight",
			}, nil
		}
		return nil, err
	}
	defer release()

	// The lock holder ahead of us may have completed this very intent.
	if prior, ok, err := c.outcomes.GetOutcome(ctx, key); err != nil {
		return nil, fmt.Errorf("outcome lookup: %w", err)
	} else if ok {
		return prior, nil
	}

	if c.fuse.IsHalted(intent.StrategyID) {
		return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
			Key:    key,
			Status: core.OutcomeFailed,
			Reason: apperrors.ErrSubmissionsHalted.Error(),
		})
	}

	inst, err := c.strategies.GetStrategy(ctx, intent.StrategyID)
	if err != nil {
		return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
			Key:    key,
			Status: core.OutcomeFailed,
			Reason: err.Error(),
		})
	}

	eval, err := c.evaluateWithRetry(ctx, inst, intent)
	if err != nil {
		// A malformed active strategy will stay malformed across redeliveries;
		// record a terminal skip instead of bouncing the intent forever.
		if errors.Is(err, apperrors.ErrConfiguration) {
			return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
				Key:    key,
				Status: core.OutcomeSkipped,
				Reason: err.Error(),
			})
		}
		return nil, err
	}
	switch eval.Result {
	case core.EvalNotSatisfied:
		return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
			Key:    key,
			Status: core.OutcomeSkipped,
			Reason: eval.Reason,
		})
	case core.EvalIndeterminate:
		// Still undecidable after the retry budget. Fail loudly and
		// retryably; never treat as satisfied.
		return c.conclude(ctx, log, intent, &core.ExecutionOutcome{
			Key:       key,
			Status:    core.OutcomeFailed,
			Reason:    eval.Reason,
			Retryable: true,
		})
	}

	order := c.buildOrder(inst, intent)
	log.Info("Conditions satisfied, executing", "logical_id", order.ID, "legs", len(order.Legs))

	if err := c.lifecycle.Execute(ctx, order); err != nil {
		return nil, fmt.Errorf("lifecycle execution: %w", err)
	}
	if err := c.reconciler.ApplyOrder(ctx, order); err != nil {
		log.Error("Failed to apply settled order to position book", "error", err)
	}

	outcome := &core.ExecutionOutcome{
		Key:            key,
		LogicalOrderID: order.ID,
	}
	switch {
	case order.State == core.LogicalComplete:
		outcome.Status = core.OutcomeExecuted
	case order.UnwindRequired:
		// Compensated legs are not a successful entry: the position the
		// strategy asked for does not exist, and filled legs await unwind.
		outcome.Status = core.OutcomeFailed
		outcome.Reason = "compensation required: leg outcomes diverged, filled legs flagged for unwind"
	case order.State == core.LogicalPartiallyFilled:
		outcome.Status = core.OutcomeExecuted
		outcome.Reason = "partial fill"
	default:
		outcome.Status = core.OutcomeFailed
		outcome.Reason = fmt.Sprintf("logical order settled %s", string(order.State))
	}
	return c.conclude(ctx, log, intent, outcome)
}

// evaluateWithRetry re-snapshots and re-evaluates on INDETERMINATE up to the
// configured budget.
func (c *Coordinator) evaluateWithRetry(ctx context.Context, inst *core.StrategyInstance, intent *core.ExecutionIntent) (core.Evaluation, error) {
	var eval core.Evaluation
	for attempt := 0; ; attempt++ {
		snap, err := c.snapshots.Snapshot(ctx, inst)
		if err != nil {
			return core.Evaluation{}, fmt.Errorf("snapshot: %w", err)
		}

		eval, err = c.evaluator.Evaluate(inst, intent.Type, snap)
		if err != nil {
			return core.Evaluation{}, err
		}
		if eval.Result != core.EvalIndeterminate || attempt >= c.cfg.IndeterminateRetryLimit {
			return eval, nil
		}

		select {
		case <-ctx.Done():
			return core.Evaluation{}, ctx.Err()
		case <-time.After(c.cfg.IndeterminateRetryDelay):
		}
	}
}

// buildOrder materializes a logical order from the strategy's leg specs.
// Exit intents flip each leg's side. Client order ids derive from the
// idempotency key so broker-side duplicate detection lines up with ours.
func (c *Coordinator) buildOrder(inst *core.StrategyInstance, intent *core.ExecutionIntent) *core.LogicalOrder {
	key := intent.IdempotencyKey()
	order := &core.LogicalOrder{
		ID:         uuid.NewString(),
		StrategyID: inst.ID,
		UserID:     inst.UserID,
		Intent:     intent.Type,
		State:      core.LogicalInFlight,
		CreatedAt:  time.Now(),
	}

	for i, spec := range inst.Legs {
		side := spec.Side
		if intent.Type == core.IntentExit {
			if side == core.SideBuy {
				side = core.SideSell
			} else {
				side = core.SideBuy
			}
		}
		order.Legs = append(order.Legs, &core.LegOrder{
			ID:            uuid.NewString(),
			LogicalID:     order.ID,
			ClientOrderID: fmt.Sprintf("%s:%d", key, i),
			Symbol:        spec.Symbol,
			Side:          side,
			Requested:     spec.Quantity,
			State:         core.LegPending,
			UpdatedAt:     time.Now(),
		})
	}
	return order
}

// conclude records, announces, and returns a terminal outcome.
func (c *Coordinator) conclude(ctx context.Context, log core.ILogger, intent *core.ExecutionIntent, outcome *core.ExecutionOutcome) (*core.ExecutionOutcome, error) {
	outcome.CompletedAt = time.Now()
	if err := c.outcomes.PutOutcome(ctx, outcome); err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	log.Info("Intent concluded", "status", string(outcome.Status), "reason", outcome.Reason)
	c.observe(ctx, intent, outcome.Status)

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:       events.EventOutcomeRecorded,
			StrategyID: intent.StrategyID,
			Payload:    outcome,
		})
	}
	return outcome, nil
}

func (c *Coordinator) observe(ctx context.Context, intent *core.ExecutionIntent, status core.OutcomeStatus) {
	if mh := telemetry.GetGlobalMetrics(); mh.ExecutionsTotal != nil {
		mh.ExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent", string(intent.Type)),
			attribute.String("status", string(status))))
	}
}
