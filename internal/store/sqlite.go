// Package store persists the execution core's durable state in sqlite: the
// submission journal, execution outcomes, the append-only fill history,
// reconciliation records, and position snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"optionsrunner/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS leg_orders (
	id              TEXT PRIMARY KEY,
	logical_id      TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	requested_qty   TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	broker_order_id TEXT,
	state           TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leg_orders_logical ON leg_orders(logical_id);

CREATE TABLE IF NOT EXISTS outcomes (
	key              TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	reason           TEXT,
	retryable        INTEGER NOT NULL DEFAULT 0,
	logical_order_id TEXT,
	completed_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	price        TEXT NOT NULL,
	leg_order_id TEXT NOT NULL,
	filled_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(user_id, strategy_id, symbol);

CREATE TABLE IF NOT EXISTS reconciliation_records (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	local_qty   TEXT NOT NULL,
	broker_qty  TEXT NOT NULL,
	drift       TEXT NOT NULL,
	action      TEXT NOT NULL,
	detected_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recon_strategy ON reconciliation_records(strategy_id);

CREATE TABLE IF NOT EXISTS positions (
	user_id         TEXT NOT NULL,
	strategy_id     TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	net_quantity    TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	last_sync_at    TIMESTAMP NOT NULL,
	sync_status     TEXT NOT NULL,
	PRIMARY KEY (user_id, strategy_id, symbol)
);
`

// SQLiteStore implements OutcomeStore, SubmissionJournal, and FillStore over
// one WAL-mode sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

var (
	_ core.OutcomeStore      = (*SQLiteStore)(nil)
	_ core.SubmissionJournal = (*SQLiteStore)(nil)
	_ core.FillStore         = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if necessary) the database at path.
func NewSQLiteStore(path string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite tolerates exactly one writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordSubmission journals a leg before its network submission.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, leg *core.LegOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leg_orders
			(id, logical_id, client_order_id, symbol, side, requested_qty,
			 filled_qty, avg_fill_price, broker_order_id, state, attempts,
			 last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		leg.ID, leg.LogicalID, leg.ClientOrderID, leg.Symbol, string(leg.Side),
		leg.Requested.String(), leg.Filled.String(), leg.AvgFillPrice.String(),
		leg.BrokerOrderID, string(leg.State), leg.Attempts, leg.LastError,
		leg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to journal submission: %w", err)
	}
	return nil
}

// UpdateLeg persists a leg's current state after a transition.
func (s *SQLiteStore) UpdateLeg(ctx context.Context, leg *core.LegOrder) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leg_orders SET
			filled_qty = ?, avg_fill_price = ?, broker_order_id = ?,
			state = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		leg.Filled.String(), leg.AvgFillPrice.String(), leg.BrokerOrderID,
		string(leg.State), leg.Attempts, leg.LastError, leg.UpdatedAt, leg.ID)
	if err != nil {
		return fmt.Errorf("failed to update leg: %w", err)
	}
	return nil
}

// ListOpenLegs returns journaled legs that never reached a terminal state,
// i.e. the set reconciliation must resolve after a crash.
func (s *SQLiteStore) ListOpenLegs(ctx context.Context) ([]*core.LegOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logical_id, client_order_id, symbol, side, requested_qty,
		       filled_qty, avg_fill_price, broker_order_id, state, attempts,
		       last_error, updated_at
		FROM leg_orders
		WHERE state NOT IN ('FILLED', 'REJECTED', 'CANCELLED', 'FAILED')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open legs: %w", err)
	}
	defer rows.Close()

	var legs []*core.LegOrder
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

func scanLeg(rows *sql.Rows) (*core.LegOrder, error) {
	var (
		leg                       core.LegOrder
		side, state               string
		requested, filled, avgPx  string
		brokerOrderID, lastError  sql.NullString
	)
	if err := rows.Scan(&leg.ID, &leg.LogicalID, &leg.ClientOrderID, &leg.Symbol,
		&side, &requested, &filled, &avgPx, &brokerOrderID, &state,
		&leg.Attempts, &lastError, &leg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan leg: %w", err)
	}

	var err error
	leg.Side = core.Side(side)
	leg.State = core.LegState(state)
	leg.BrokerOrderID = brokerOrderID.String
	leg.LastError = lastError.String
	if leg.Requested, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("corrupt requested_qty: %w", err)
	}
	if leg.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("corrupt filled_qty: %w", err)
	}
	if leg.AvgFillPrice, err = decimal.NewFromString(avgPx); err != nil {
		return nil, fmt.Errorf("corrupt avg_fill_price: %w", err)
	}
	return &leg, nil
}

// GetOutcome looks up a terminal outcome by idempotency key.
func (s *SQLiteStore) GetOutcome(ctx context.Context, key string) (*core.ExecutionOutcome, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, status, reason, retryable, logical_order_id, completed_at
		FROM outcomes WHERE key = ?`, key)

	var (
		out       core.ExecutionOutcome
		status    string
		reason    sql.NullString
		logicalID sql.NullString
		retryable int
	)
	err := row.Scan(&out.Key, &status, &reason, &retryable, &logicalID, &out.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get outcome: %w", err)
	}

	out.Status = core.OutcomeStatus(status)
	out.Reason = reason.String
	out.Retryable = retryable != 0
	out.LogicalOrderID = logicalID.String
	return &out, true, nil
}

// PutOutcome records a terminal outcome. First write wins; a replayed intent
// must observe the original outcome, not overwrite it.
func (s *SQLiteStore) PutOutcome(ctx context.Context, outcome *core.ExecutionOutcome) error {
	retryable := 0
	if outcome.Retryable {
		retryable = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (key, status, reason, retryable, logical_order_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		outcome.Key, string(outcome.Status), outcome.Reason, retryable,
		outcome.LogicalOrderID, outcome.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to put outcome: %w", err)
	}
	return nil
}

// AppendFill appends one fill to the history. Fills are never updated.
func (s *SQLiteStore) AppendFill(ctx context.Context, fill *core.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (id, user_id, strategy_id, symbol, side, quantity, price, leg_order_id, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		fill.ID, fill.UserID, fill.StrategyID, fill.Symbol, string(fill.Side),
		fill.Quantity.String(), fill.Price.String(), fill.LegOrderID, fill.FilledAt)
	if err != nil {
		return fmt.Errorf("failed to append fill: %w", err)
	}
	return nil
}

// ListFills returns the fill history for one position, oldest first.
func (s *SQLiteStore) ListFills(ctx context.Context, key core.PositionKey) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, strategy_id, symbol, side, quantity, price, leg_order_id, filled_at
		FROM fills
		WHERE user_id = ? AND strategy_id = ? AND symbol = ?
		ORDER BY filled_at ASC, id ASC`,
		key.UserID, key.StrategyID, key.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var fills []*core.Fill
	for rows.Next() {
		var (
			f          core.Fill
			side       string
			qty, price string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.StrategyID, &f.Symbol, &side,
			&qty, &price, &f.LegOrderID, &f.FilledAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = core.Side(side)
		if f.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity: %w", err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price: %w", err)
		}
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

// SaveReconciliationRecord persists one detected discrepancy.
func (s *SQLiteStore) SaveReconciliationRecord(ctx context.Context, rec *core.ReconciliationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_records (id, strategy_id, symbol, local_qty, broker_qty, drift, action, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StrategyID, rec.Symbol, rec.LocalQty.String(),
		rec.BrokerQty.String(), rec.Drift.String(), rec.Action, rec.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation record: %w", err)
	}
	return nil
}

// SavePosition upserts one position snapshot.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, strategy_id, symbol, net_quantity, avg_entry_price, realized_pnl, last_sync_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, strategy_id, symbol) DO UPDATE SET
			net_quantity = excluded.net_quantity,
			avg_entry_price = excluded.avg_entry_price,
			realized_pnl = excluded.realized_pnl,
			last_sync_at = excluded.last_sync_at,
			sync_status = excluded.sync_status`,
		pos.Key.UserID, pos.Key.StrategyID, pos.Key.Symbol,
		pos.NetQuantity.String(), pos.AvgEntryPrice.String(),
		pos.RealizedPnL.String(), pos.LastSyncAt, string(pos.SyncStatus))
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// ListPositions loads all persisted positions, e.g. to rebuild the in-memory
// book on startup.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, strategy_id, symbol, net_quantity, avg_entry_price, realized_pnl, last_sync_at, sync_status
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var (
			pos             core.Position
			qty, avg, pnl   string
			status          string
		)
		if err := rows.Scan(&pos.Key.UserID, &pos.Key.StrategyID, &pos.Key.Symbol,
			&qty, &avg, &pnl, &pos.LastSyncAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.SyncStatus = core.SyncStatus(status)
		if pos.NetQuantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt net_quantity: %w", err)
		}
		if pos.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("corrupt avg_entry_price: %w", err)
		}
		if pos.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("corrupt realized_pnl: %w", err)
		}
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

// PruneOutcomes deletes outcomes older than the retention cutoff. The journal
// only needs outcomes long enough to absorb scheduler redelivery.
func (s *SQLiteStore) PruneOutcomes(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE completed_at < ?`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
