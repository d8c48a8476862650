// Package reconciler owns the local position book and verifies it against
// the broker. The book is the single writer of position state; every other
// component reads snapshots.
package reconciler

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsrunner/internal/core"
	"optionsrunner/pkg/telemetry"
)

// Book is the in-memory position book. Positions are keyed by (user,
// strategy, symbol) and are never deleted; a closed position keeps zero
// quantity and its realized P&L.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*core.Position
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*core.Position)}
}

// Load seeds the book from persisted positions, e.g. on startup.
func (b *Book) Load(positions []*core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pos := range positions {
		cp := *pos
		b.positions[pos.Key.String()] = &cp
	}
}

// Apply folds one fill into the position. Adding to a position moves the
// weighted average entry price; reducing realizes P&L against it and leaves
// the average untouched. Crossing through zero closes the old position and
// opens a new one at the fill price.
func (b *Book) Apply(fill *core.Fill) *core.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := core.PositionKey{UserID: fill.UserID, StrategyID: fill.StrategyID, Symbol: fill.Symbol}
	pos, ok := b.positions[key.String()]
	if !ok {
		pos = &core.Position{Key: key, SyncStatus: core.SyncUnknown}
		b.positions[key.String()] = pos
	}

	applyFill(pos, fill)

	telemetry.GetGlobalMetrics().SetPositionNetQty(fill.Symbol, netQtyFloat(pos))
	cp := *pos
	return &cp
}

func applyFill(pos *core.Position, fill *core.Fill) {
	qty := fill.SignedQuantity()
	oldNet := pos.NetQuantity
	newNet := oldNet.Add(qty)

	switch {
	case oldNet.IsZero() || oldNet.Sign() == qty.Sign():
		// Opening or adding: weighted average entry.
		oldAbs := oldNet.Abs()
		addAbs := qty.Abs()
		total := oldAbs.Add(addAbs)
		if !total.IsZero() {
			pos.AvgEntryPrice = oldAbs.Mul(pos.AvgEntryPrice).
				Add(addAbs.Mul(fill.Price)).
				Div(total)
		}

	case newNet.IsZero() || newNet.Sign() == oldNet.Sign():
		// Reducing (possibly to flat): realize against the average.
		closed := qty.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed)
		if oldNet.Sign() < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if newNet.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
		pnlF, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().RecordRealizedPnL(pnlF)

	default:
		// Crossing zero: close the whole old position, then open the
		// remainder at the fill price.
		closed := oldNet.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed)
		if oldNet.Sign() < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.AvgEntryPrice = fill.Price
		pnlF, _ := pnl.Float64()
		telemetry.GetGlobalMetrics().RecordRealizedPnL(pnlF)
	}

	pos.NetQuantity = newNet
}

// Recompute rebuilds one position from its full fill history. Fills are the
// source of truth; this must agree with incremental application.
func Recompute(key core.PositionKey, fills []*core.Fill) *core.Position {
	pos := &core.Position{Key: key, SyncStatus: core.SyncUnknown}
	for _, fill := range fills {
		applyFill(pos, fill)
	}
	return pos
}

// Get returns a snapshot of one position.
func (b *Book) Get(key core.PositionKey) (*core.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[key.String()]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

// All returns snapshots of every position.
func (b *Book) All() []*core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*core.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// SetQuantity force-sets a position's net quantity to the broker's view
// during drift correction. Cost basis is deliberately left alone: the broker
// is authoritative for quantity, the local history for economics.
func (b *Book) SetQuantity(key core.PositionKey, qty decimal.Decimal, status core.SyncStatus) *core.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[key.String()]
	if !ok {
		pos = &core.Position{Key: key}
		b.positions[key.String()] = pos
	}
	pos.NetQuantity = qty
	pos.SyncStatus = status
	pos.LastSyncAt = time.Now()

	telemetry.GetGlobalMetrics().SetPositionNetQty(key.Symbol, netQtyFloat(pos))
	cp := *pos
	return &cp
}

// MarkSync updates sync metadata without touching quantities.
func (b *Book) MarkSync(key core.PositionKey, status core.SyncStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.positions[key.String()]; ok {
		pos.SyncStatus = status
		pos.LastSyncAt = time.Now()
	}
}

func netQtyFloat(pos *core.Position) float64 {
	f, _ := pos.NetQuantity.Float64()
	return f
}
