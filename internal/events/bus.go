// Package events provides a lightweight in-process pub/sub bus used to fan
// execution and reconciliation events out to alerting and the live query
// surface without coupling the core components to either.
package events

import (
	"context"
	"sync"
	"time"

	"optionsrunner/internal/core"
)

// EventType identifies what happened.
type EventType string

const (
	EventLegTransition    EventType = "leg_transition"
	EventOutcomeRecorded  EventType = "outcome_recorded"
	EventCompensation     EventType = "compensation_started"
	EventDriftDetected    EventType = "drift_detected"
	EventSubmissionHalted EventType = "submission_halted"
	EventReconcilePass    EventType = "reconcile_pass"
)

// Event is one bus message. Payload is the relevant domain object snapshot.
type Event struct {
	Type       EventType   `json:"type"`
	StrategyID string      `json:"strategy_id,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	At         time.Time   `json:"at"`
}

// Bus fans events out to bounded subscriber channels. Publishing never
// blocks; a subscriber that falls behind loses events rather than stalling
// the execution path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buffer int
	logger core.ILogger
	closed bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int, logger core.ILogger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
		logger: logger.WithField("component", "event_bus"),
	}
}

// Subscribe registers a named subscriber and returns its receive channel.
// Subscribing twice under the same name replaces the old subscription.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan Event, b.buffer)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for name, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("Subscriber channel full, dropping event",
				"subscriber", name, "event_type", string(evt.Type))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}

// Drain consumes a subscriber channel until ctx is cancelled or the channel
// closes, invoking fn per event. Convenience for bridge goroutines.
func Drain(ctx context.Context, ch <-chan Event, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fn(evt)
		}
	}
}
