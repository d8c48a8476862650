package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsrunner/internal/broker/paper"
	"optionsrunner/internal/core"
	"optionsrunner/internal/lifecycle"
	"optionsrunner/internal/safety"
	apperrors "optionsrunner/pkg/errors"
	"optionsrunner/pkg/retry"
)

type memOutcomes struct {
	mu       sync.Mutex
	outcomes map[string]*core.ExecutionOutcome
}

func newMemOutcomes() *memOutcomes {
	return &memOutcomes{outcomes: make(map[string]*core.ExecutionOutcome)}
}

func (s *memOutcomes) GetOutcome(_ context.Context, key string) (*core.ExecutionOutcome, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[key]
	return out, ok, nil
}

func (s *memOutcomes) PutOutcome(_ context.Context, outcome *core.ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[outcome.Key]; !ok {
		s.outcomes[outcome.Key] = outcome
	}
	return nil
}

type stubStrategies struct {
	inst *core.StrategyInstance
}

func (s *stubStrategies) GetStrategy(_ context.Context, id string) (*core.StrategyInstance, error) {
	if s.inst == nil || s.inst.ID != id {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	return s.inst, nil
}

type stubSnapshots struct {
	calls int
}

func (s *stubSnapshots) Snapshot(context.Context, *core.StrategyInstance) (*core.ClockSnapshot, error) {
	s.calls++
	return &core.ClockSnapshot{Now: time.Now()}, nil
}

type stubEvaluator struct {
	results []core.Evaluation
	err     error
	calls   int
}

func (e *stubEvaluator) Evaluate(*core.StrategyInstance, core.IntentType, *core.ClockSnapshot) (core.Evaluation, error) {
	e.calls++
	if e.err != nil {
		return core.Evaluation{}, e.err
	}
	i := e.calls - 1
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	return e.results[i], nil
}

type stubLifecycle struct {
	mu     sync.Mutex
	orders []*core.LogicalOrder
	block  chan struct{} // when set, Execute waits until closed
	state  core.LogicalState
	unwind bool
}

func (l *stubLifecycle) Execute(_ context.Context, order *core.LogicalOrder) error {
	l.mu.Lock()
	l.orders = append(l.orders, order)
	l.mu.Unlock()

	if l.block != nil {
		<-l.block
	}
	for _, leg := range order.Legs {
		leg.State = core.LegFilled
		leg.Filled = leg.Requested
	}
	if l.state == "" {
		order.State = core.LogicalComplete
	} else {
		order.State = l.state
	}
	order.UnwindRequired = l.unwind
	return nil
}

func (l *stubLifecycle) executions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

type nopJournal struct{}

func (nopJournal) RecordSubmission(context.Context, *core.LegOrder) error { return nil }
func (nopJournal) UpdateLeg(context.Context, *core.LegOrder) error        { return nil }

type stubReconciler struct {
	applied []*core.LogicalOrder
}

func (r *stubReconciler) ApplyOrder(_ context.Context, order *core.LogicalOrder) error {
	r.applied = append(r.applied, order)
	return nil
}

func (r *stubReconciler) RunSnapshot(context.Context) (*core.ReconcileReport, error) {
	return &core.ReconcileReport{Status: core.SyncInSync}, nil
}

func testStrategy() *core.StrategyInstance {
	return &core.StrategyInstance{
		ID:     "strat-1",
		UserID: "user-1",
		Legs: []core.LegSpec{
			{Symbol: "NIFTY24SEP24000CE", Side: core.SideSell, Quantity: decimal.NewFromInt(50)},
			{Symbol: "NIFTY24SEP24000PE", Side: core.SideSell, Quantity: decimal.NewFromInt(50)},
		},
		Active: true,
	}
}

type fixture struct {
	coord      *Coordinator
	outcomes   *memOutcomes
	lifecycle  *stubLifecycle
	reconciler *stubReconciler
	evaluator  *stubEvaluator
	snapshots  *stubSnapshots
	fuse       core.SubmissionFuse
	locks      *KeyedLockService
}

func newFixture(eval *stubEvaluator) *fixture {
	f := &fixture{
		outcomes:   newMemOutcomes(),
		lifecycle:  &stubLifecycle{},
		reconciler: &stubReconciler{},
		evaluator:  eval,
		snapshots:  &stubSnapshots{},
		fuse:       safety.NewFuse(core.NewNopLogger(), nil),
		locks:      NewKeyedLockService(),
	}
	f.coord = New(Config{
		LockWait:                20 * time.Millisecond,
		IndeterminateRetryLimit: 2,
		IndeterminateRetryDelay: time.Millisecond,
	}, &stubStrategies{inst: testStrategy()}, f.snapshots, f.evaluator, f.locks,
		f.outcomes, f.lifecycle, f.reconciler, f.fuse, nil, nil, core.NewNopLogger())
	return f
}

func satisfied() *stubEvaluator {
	return &stubEvaluator{results: []core.Evaluation{{Result: core.EvalSatisfied}}}
}

func entryIntent() *core.ExecutionIntent {
	return &core.ExecutionIntent{
		StrategyID:  "strat-1",
		Type:        core.IntentEntry,
		TriggerTime: time.Date(2024, time.September, 2, 9, 20, 0, 0, time.UTC),
	}
}

func TestHandleExecutes(t *testing.T) {
	f := newFixture(satisfied())

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Status)
	assert.Equal(t, 1, f.lifecycle.executions())
	assert.Len(t, f.reconciler.applied, 1)

	stored, ok, err := f.outcomes.GetOutcome(context.Background(), entryIntent().IdempotencyKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeExecuted, stored.Status)
}

// Redelivery after completion returns the recorded outcome without executing
// again.
func TestHandleDuplicateReturnsRecordedOutcome(t *testing.T) {
	f := newFixture(satisfied())
	ctx := context.Background()

	first, err := f.coord.Handle(ctx, entryIntent())
	require.NoError(t, err)

	second, err := f.coord.Handle(ctx, entryIntent())
	require.NoError(t, err)
	assert.Equal(t, first.LogicalOrderID, second.LogicalOrderID)
	assert.Equal(t, 1, f.lifecycle.executions(), "execution must happen exactly once")
}

// A duplicate arriving while the first is still executing is skipped and
// leaves no outcome record of its own.
func TestHandleInFlightDuplicateSkips(t *testing.T) {
	f := newFixture(satisfied())
	f.lifecycle.block = make(chan struct{})
	ctx := context.Background()

	done := make(chan *core.ExecutionOutcome, 1)
	go func() {
		out, _ := f.coord.Handle(ctx, entryIntent())
		done <- out
	}()

	// Wait until the first handler is inside Execute.
	require.Eventually(t, func() bool { return f.lifecycle.executions() == 1 },
		time.Second, time.Millisecond)

	dup, err := f.coord.Handle(ctx, entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkipped, dup.Status)
	assert.Contains(t, dup.Reason, "in flight")

	_, ok, err := f.outcomes.GetOutcome(ctx, entryIntent().IdempotencyKey())
	require.NoError(t, err)
	assert.False(t, ok, "skip must not shadow the in-flight execution's outcome")

	close(f.lifecycle.block)
	first := <-done
	assert.Equal(t, core.OutcomeExecuted, first.Status)
	assert.Equal(t, 1, f.lifecycle.executions())
}

func TestHandleHaltedStrategyFails(t *testing.T) {
	f := newFixture(satisfied())
	f.fuse.Halt("strat-1", "reconciliation drift")

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "halted")
	assert.Equal(t, 0, f.lifecycle.executions())
}

func TestHandleNotSatisfiedSkips(t *testing.T) {
	f := newFixture(&stubEvaluator{results: []core.Evaluation{
		{Result: core.EvalNotSatisfied, Reason: "before ENTRY window at 09:20"},
	}})

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "window")
	assert.Equal(t, 0, f.lifecycle.executions())
}

// INDETERMINATE re-evaluates up to the budget, then fails retryably. It must
// never silently execute.
func TestHandleIndeterminateExhaustsBudget(t *testing.T) {
	f := newFixture(&stubEvaluator{results: []core.Evaluation{
		{Result: core.EvalIndeterminate, Reason: "market data unavailable"},
	}})

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, outcome.Status)
	assert.True(t, outcome.Retryable)
	assert.Equal(t, 3, f.evaluator.calls, "initial evaluation plus two retries")
	assert.Equal(t, 0, f.lifecycle.executions())
}

func TestHandleIndeterminateThenSatisfiedExecutes(t *testing.T) {
	f := newFixture(&stubEvaluator{results: []core.Evaluation{
		{Result: core.EvalIndeterminate},
		{Result: core.EvalSatisfied},
	}})

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Status)
	assert.Equal(t, 2, f.evaluator.calls)
}

// A compensated order is not a successful entry: the outcome must be FAILED,
// not EXECUTED with a warning buried in the reason.
func TestHandleCompensatedOrderFails(t *testing.T) {
	f := newFixture(satisfied())
	f.lifecycle.state = core.LogicalPartiallyFilled
	f.lifecycle.unwind = true

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "compensation")

	stored, ok, err := f.outcomes.GetOutcome(context.Background(), entryIntent().IdempotencyKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeFailed, stored.Status)
}

// A partial fill above the minimum fraction needs no unwind and still counts
// as executed.
func TestHandlePartialFillWithoutUnwindExecutes(t *testing.T) {
	f := newFixture(satisfied())
	f.lifecycle.state = core.LogicalPartiallyFilled

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Status)
	assert.Contains(t, outcome.Reason, "partial fill")
}

// End to end through the real lifecycle manager: one leg fills, the sibling
// is rejected at the broker. Compensation flags the fill for unwind and the
// intent concludes FAILED.
func TestHandleDivergentLegsConcludeFailed(t *testing.T) {
	gw := paper.New(func(req *core.PlaceOrderRequest) paper.Fill {
		if strings.HasSuffix(req.Symbol, "PE") {
			return paper.Fill{Reject: true}
		}
		return paper.Fill{Quantity: req.Quantity, Price: decimal.NewFromFloat(101.5)}
	}, core.NewNopLogger())

	manager := lifecycle.NewManager(lifecycle.ManagerConfig{
		Account:      "acct-1",
		LegTimeout:   2 * time.Second,
		PollInterval: time.Millisecond,
		RetryPolicy:  retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	}, gw, &nopJournal{}, nil, core.NewNopLogger())

	outcomes := newMemOutcomes()
	coord := New(Config{LockWait: 20 * time.Millisecond},
		&stubStrategies{inst: testStrategy()}, &stubSnapshots{}, satisfied(),
		NewKeyedLockService(), outcomes, manager, &stubReconciler{},
		safety.NewFuse(core.NewNopLogger(), nil), nil, nil, core.NewNopLogger())

	outcome, err := coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "compensation")

	stored, ok, err := outcomes.GetOutcome(context.Background(), entryIntent().IdempotencyKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeFailed, stored.Status)
}

// A configuration error will not heal across redeliveries; the intent must
// conclude with a recorded skip instead of erroring back to the scheduler.
func TestHandleConfigurationErrorConcludesSkipped(t *testing.T) {
	f := newFixture(&stubEvaluator{
		err: fmt.Errorf("%w: bad timezone \"Mars/Olympus\"", apperrors.ErrConfiguration),
	})

	outcome, err := f.coord.Handle(context.Background(), entryIntent())
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkipped, outcome.Status)
	assert.False(t, outcome.Retryable)
	assert.Contains(t, outcome.Reason, "configuration error")
	assert.Equal(t, 0, f.lifecycle.executions())

	_, ok, err := f.outcomes.GetOutcome(context.Background(), entryIntent().IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, ok, "the skip must be recorded so redeliveries short-circuit")
}

// Infrastructure errors, by contrast, stay retryable: nothing is recorded and
// the error propagates.
func TestHandleSnapshotErrorPropagates(t *testing.T) {
	f := newFixture(&stubEvaluator{err: fmt.Errorf("feed unreachable")})

	_, err := f.coord.Handle(context.Background(), entryIntent())
	require.Error(t, err)

	_, ok, gerr := f.outcomes.GetOutcome(context.Background(), entryIntent().IdempotencyKey())
	require.NoError(t, gerr)
	assert.False(t, ok)
}

func TestHandleExitFlipsSides(t *testing.T) {
	f := newFixture(satisfied())
	intent := entryIntent()
	intent.Type = core.IntentExit

	_, err := f.coord.Handle(context.Background(), intent)
	require.NoError(t, err)

	require.Equal(t, 1, f.lifecycle.executions())
	for _, leg := range f.lifecycle.orders[0].Legs {
		assert.Equal(t, core.SideBuy, leg.Side, "sell legs flip to buy on exit")
	}
}

func TestHandleUnknownStrategyFails(t *testing.T) {
	f := newFixture(satisfied())
	intent := entryIntent()
	intent.StrategyID = "nope"

	outcome, err := f.coord.Handle(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFailed, outcome.Status)
}

func TestParseIntent(t *testing.T) {
	good := []byte(`{"strategy_id":"strat-1","intent_type":"ENTRY","trigger_timestamp":"2024-09-02T09:20:00+05:30"}`)
	intent, err := ParseIntent(good)
	require.NoError(t, err)
	assert.Equal(t, "strat-1", intent.StrategyID)
	assert.Equal(t, core.IntentEntry, intent.Type)

	for name, body := range map[string]string{
		"bad json":     `{`,
		"missing id":   `{"intent_type":"ENTRY","trigger_timestamp":"2024-09-02T09:20:00Z"}`,
		"bad type":     `{"strategy_id":"s","intent_type":"HOLD","trigger_timestamp":"2024-09-02T09:20:00Z"}`,
		"missing time": `{"strategy_id":"s","intent_type":"EXIT"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIntent([]byte(body))
			assert.Error(t, err)
		})
	}
}

// Client order ids derive from the idempotency key, so a redelivered intent
// that somehow re-executes would still collide broker-side.
func TestBuildOrderClientOrderIDs(t *testing.T) {
	f := newFixture(satisfied())
	intent := entryIntent()

	_, err := f.coord.Handle(context.Background(), intent)
	require.NoError(t, err)

	key := intent.IdempotencyKey()
	legs := f.lifecycle.orders[0].Legs
	require.Len(t, legs, 2)
	assert.Equal(t, key+":0", legs[0].ClientOrderID)
	assert.Equal(t, key+":1", legs[1].ClientOrderID)
}
