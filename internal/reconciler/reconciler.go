package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	"optionsrunner/pkg/telemetry"
)

// PositionStore persists position snapshots between restarts.
type PositionStore interface {
	SavePosition(ctx context.Context, pos *core.Position) error
	ListPositions(ctx context.Context) ([]*core.Position, error)
}

// Config bounds the reconciler.
type Config struct {
	Account            string
	CronSpec           string
	ToleranceQty       decimal.Decimal
	LargeDriftQty      decimal.Decimal
	UnknownStreakLimit int
	SnapshotTimeout    time.Duration
}

// Reconciler applies terminal logical orders to the book and periodically
// verifies local positions against the broker. Broker quantity is
// authoritative; local cost basis is not overwritten by corrections.
type Reconciler struct {
	cfg     Config
	book    *Book
	fills   core.FillStore
	posRepo PositionStore
	gateway core.BrokerGateway
	fuse    core.SubmissionFuse
	bus     *events.Bus
	logger  core.ILogger

	cron          *cron.Cron
	unknownStreak int
}

var _ core.PositionReconciler = (*Reconciler)(nil)

// New creates a reconciler over an existing book.
func New(cfg Config, book *Book, fills core.FillStore, posRepo PositionStore,
	gateway core.BrokerGateway, fuse core.SubmissionFuse, bus *events.Bus, logger core.ILogger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		book:    book,
		fills:   fills,
		posRepo: posRepo,
		gateway: gateway,
		fuse:    fuse,
		bus:     bus,
		logger:  logger.WithField("component", "reconciler"),
	}
}

// Restore seeds the book from persisted positions.
func (r *Reconciler) Restore(ctx context.Context) error {
	positions, err := r.posRepo.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore positions: %w", err)
	}
	r.book.Load(positions)
	r.logger.Info("Position book restored", "positions", len(positions))
	return nil
}

// ApplyOrder folds every filled quantity of a settled logical order into the
// book and the append-only fill history.
func (r *Reconciler) ApplyOrder(ctx context.Context, order *core.LogicalOrder) error {
	for _, leg := range order.Legs {
		if !leg.State.Terminal() {
			return fmt.Errorf("logical order %s has non-terminal leg %s", order.ID, leg.ID)
		}
	}

	for _, leg := range order.Legs {
		if leg.Filled.IsZero() {
			continue
		}

		fill := &core.Fill{
			ID:         uuid.NewString(),
			UserID:     order.UserID,
			StrategyID: order.StrategyID,
			Symbol:     leg.Symbol,
			Side:       leg.Side,
			Quantity:   leg.Filled,
			Price:      leg.AvgFillPrice,
			LegOrderID: leg.ID,
			FilledAt:   leg.UpdatedAt,
		}
		if err := r.fills.AppendFill(ctx, fill); err != nil {
			return fmt.Errorf("failed to persist fill for leg %s: %w", leg.ID, err)
		}

		pos := r.book.Apply(fill)
		if err := r.posRepo.SavePosition(ctx, pos); err != nil {
			r.logger.Error("Failed to persist position",
				"key", pos.Key.String(), "error", err)
		}

		r.logger.Info("Fill applied",
			"symbol", fill.Symbol, "side", string(fill.Side),
			"quantity", fill.Quantity.String(), "price", fill.Price.String(),
			"net", pos.NetQuantity.String())
	}
	return nil
}

// Start schedules periodic snapshot reconciliation.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.CronSpec, func() {
		if _, err := r.RunSnapshot(ctx); err != nil {
			r.logger.Error("Reconciliation pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconciliation schedule %q: %w", r.cfg.CronSpec, err)
	}
	r.cron.Start()
	r.logger.Info("Reconciler started", "schedule", r.cfg.CronSpec)
	return nil
}

// Stop halts the periodic schedule, waiting for an in-flight pass.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunSnapshot fetches broker positions and compares them against the book.
func (r *Reconciler) RunSnapshot(ctx context.Context) (*core.ReconcileReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SnapshotTimeout)
	defer cancel()

	report := &core.ReconcileReport{Status: core.SyncInSync, CheckedAt: time.Now()}

	snapshots, err := r.gateway.FetchPositions(ctx, r.cfg.Account)
	if err != nil {
		return r.handleUnknown(ctx, report, err)
	}
	r.unknownStreak = 0

	brokerQty := make(map[string]decimal.Decimal, len(snapshots))
	for _, snap := range snapshots {
		brokerQty[snap.Symbol] = brokerQty[snap.Symbol].Add(snap.Quantity)
	}

	// Group local positions by symbol; drift can only be attributed to a
	// strategy when exactly one holds the symbol.
	bySymbol := make(map[string][]*core.Position)
	for _, pos := range r.book.All() {
		bySymbol[pos.Key.Symbol] = append(bySymbol[pos.Key.Symbol], pos)
	}
	for symbol := range brokerQty {
		if _, ok := bySymbol[symbol]; !ok {
			bySymbol[symbol] = nil
		}
	}

	for symbol, positions := range bySymbol {
		local := decimal.Zero
		for _, pos := range positions {
			local = local.Add(pos.NetQuantity)
		}
		drift := brokerQty[symbol].Sub(local)

		df, _ := drift.Float64()
		telemetry.GetGlobalMetrics().SetDriftQty(symbol, df)

		if drift.Abs().LessThanOrEqual(r.cfg.ToleranceQty) {
			for _, pos := range positions {
				r.book.MarkSync(pos.Key, core.SyncInSync)
			}
			continue
		}

		report.Status = core.SyncDrifted
		rec := r.recordDrift(ctx, symbol, positions, local, brokerQty[symbol], drift)
		report.Records = append(report.Records, rec)

		if rec.Action == "HALTED" {
			report.HaltedCount++
		}
	}

	r.observePass(ctx, report)
	return report, nil
}

// recordDrift corrects small drift toward the broker quantity and trips the
// submission fuse on large or unattributable drift.
func (r *Reconciler) recordDrift(ctx context.Context, symbol string, positions []*core.Position,
	local, broker, drift decimal.Decimal) *core.ReconciliationRecord {

	rec := &core.ReconciliationRecord{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		LocalQty:   local,
		BrokerQty:  broker,
		Drift:      drift,
		DetectedAt: time.Now(),
	}

	attributable := len(positions) == 1
	small := drift.Abs().LessThanOrEqual(r.cfg.LargeDriftQty)

	if attributable && small {
		pos := positions[0]
		rec.StrategyID = pos.Key.StrategyID
		rec.Action = "AUTO_CORRECTED"

		updated := r.book.SetQuantity(pos.Key, broker, core.SyncDrifted)
		if err := r.posRepo.SavePosition(ctx, updated); err != nil {
			r.logger.Error("Failed to persist corrected position",
				"key", pos.Key.String(), "error", err)
		}
		r.logger.Warn("Small drift auto-corrected to broker quantity",
			"symbol", symbol, "local", local.String(), "broker", broker.String())
	} else {
		rec.Action = "HALTED"
		reason := fmt.Sprintf("reconciliation drift %s on %s (local %s, broker %s)",
			drift, symbol, local, broker)
		for _, pos := range positions {
			rec.StrategyID = pos.Key.StrategyID
			r.book.MarkSync(pos.Key, core.SyncDrifted)
			r.fuse.Halt(pos.Key.StrategyID, reason)
		}
		if len(positions) == 0 {
			// Broker shows a position the book never knew about.
			r.logger.Error("Unattributable broker position", "symbol", symbol, "broker", broker.String())
		}
	}

	if err := r.fills.SaveReconciliationRecord(ctx, rec); err != nil {
		r.logger.Error("Failed to persist reconciliation record", "error", err)
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventDriftDetected,
			StrategyID: rec.StrategyID,
			Payload:    rec,
		})
	}
	return rec
}

// handleUnknown marks all positions UNKNOWN when the broker snapshot is
// unavailable; repeated failures escalate.
func (r *Reconciler) handleUnknown(ctx context.Context, report *core.ReconcileReport, cause error) (*core.ReconcileReport, error) {
	r.unknownStreak++
	report.Status = core.SyncUnknown

	for _, pos := range r.book.All() {
		r.book.MarkSync(pos.Key, core.SyncUnknown)
	}

	r.logger.Warn("Broker position snapshot unavailable",
		"streak", r.unknownStreak, "error", cause)

	if r.unknownStreak >= r.cfg.UnknownStreakLimit && r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.EventDriftDetected,
			Payload: map[string]interface{}{
				"kind":   "sync_unknown",
				"streak": r.unknownStreak,
				"error":  cause.Error(),
			},
		})
	}

	r.observePass(ctx, report)
	return report, nil
}

func (r *Reconciler) observePass(ctx context.Context, report *core.ReconcileReport) {
	if mh := telemetry.GetGlobalMetrics(); mh.ReconcilePassesTotal != nil {
		mh.ReconcilePassesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(report.Status))))
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.EventReconcilePass,
			Payload: report,
		})
	}
}
