package marketdata

import (
	"context"
	"sync"
	"time"

	"optionsrunner/internal/core"
)

// MarketSource yields the current indicator snapshot, nil when unavailable.
// *Feed satisfies it; tests use fixed functions.
type MarketSource interface {
	Snapshot() *core.MarketSnapshot
}

// Provider assembles ClockSnapshots for evaluation. Clock and calendar are
// always present; the market portion is whatever the source has right now.
type Provider struct {
	source MarketSource

	mu       sync.RWMutex
	calendar map[string]time.Time // underlying -> nearest expiry
}

var _ core.SnapshotProvider = (*Provider)(nil)

// NewProvider creates a provider. A nil source means market data is always
// reported unavailable, which suits strategies with no indicator gate.
func NewProvider(source MarketSource, calendar map[string]time.Time) *Provider {
	cal := make(map[string]time.Time, len(calendar))
	for k, v := range calendar {
		cal[k] = v
	}
	return &Provider{source: source, calendar: cal}
}

// SetExpiry updates the nearest expiry for one underlying, e.g. after a
// contract roll.
func (p *Provider) SetExpiry(underlying string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calendar[underlying] = expiry
}

// Snapshot builds the evaluation snapshot. It never blocks on market data.
func (p *Provider) Snapshot(ctx context.Context, inst *core.StrategyInstance) (*core.ClockSnapshot, error) {
	p.mu.RLock()
	cal := make(map[string]time.Time, len(p.calendar))
	for k, v := range p.calendar {
		cal[k] = v
	}
	p.mu.RUnlock()

	snap := &core.ClockSnapshot{
		Now:            time.Now(),
		ExpiryCalendar: cal,
	}
	if p.source != nil {
		snap.Market = p.source.Snapshot()
	}
	return snap, nil
}
