// Package safety implements the per-strategy submission fuse. Once tripped by
// large reconciliation drift, a strategy accepts no new submissions until an
// operator clears it; the trip persists for the life of the process and is
// re-derivable from reconciliation records after a restart.
package safety

import (
	"sync"
	"time"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	"optionsrunner/pkg/telemetry"
)

type haltEntry struct {
	reason   string
	haltedAt time.Time
}

// Fuse is the in-process SubmissionFuse implementation.
type Fuse struct {
	mu     sync.RWMutex
	halted map[string]haltEntry
	logger core.ILogger
	bus    *events.Bus
}

var _ core.SubmissionFuse = (*Fuse)(nil)

// NewFuse creates an armed (all-clear) fuse. The bus may be nil in tests.
func NewFuse(logger core.ILogger, bus *events.Bus) *Fuse {
	return &Fuse{
		halted: make(map[string]haltEntry),
		logger: logger.WithField("component", "submission_fuse"),
		bus:    bus,
	}
}

// IsHalted reports whether new submissions for the strategy are blocked.
func (f *Fuse) IsHalted(strategyID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.halted[strategyID]
	return ok
}

// Halt trips the fuse for one strategy. Idempotent; the first reason wins.
func (f *Fuse) Halt(strategyID, reason string) {
	f.mu.Lock()
	if _, ok := f.halted[strategyID]; ok {
		f.mu.Unlock()
		return
	}
	f.halted[strategyID] = haltEntry{reason: reason, haltedAt: time.Now()}
	f.mu.Unlock()

	f.logger.Error("Submission fuse tripped", "strategy_id", strategyID, "reason", reason)
	telemetry.GetGlobalMetrics().SetFuseOpen(strategyID, true)

	if f.bus != nil {
		f.bus.Publish(events.Event{
			Type:       events.EventSubmissionHalted,
			StrategyID: strategyID,
			Payload:    map[string]string{"reason": reason},
		})
	}
}

// Clear re-arms the fuse for one strategy. Operator action only.
func (f *Fuse) Clear(strategyID string) {
	f.mu.Lock()
	_, ok := f.halted[strategyID]
	delete(f.halted, strategyID)
	f.mu.Unlock()

	if ok {
		f.logger.Info("Submission fuse cleared", "strategy_id", strategyID)
		telemetry.GetGlobalMetrics().SetFuseOpen(strategyID, false)
	}
}

// Halted returns a snapshot of currently halted strategies and their reasons.
func (f *Fuse) Halted() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]string, len(f.halted))
	for id, e := range f.halted {
		out[id] = e.reason
	}
	return out
}
