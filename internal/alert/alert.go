// Package alert routes operator-facing notifications: compensation flags,
// reconciliation drift, submission halts.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"optionsrunner/internal/core"
	"optionsrunner/internal/events"
	apperrors "optionsrunner/pkg/errors"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Level   Level
	Title   string
	Message string
	At      time.Time
}

// Notifier delivers alerts to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to its notifiers and bridges bus events into
// alerts. Delivery failures are logged, never propagated into the execution
// path.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    core.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an alert manager.
func NewManager(logger core.ILogger, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.WithField("component", "alert_manager"),
	}
}

// AddNotifier registers an additional channel.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Send delivers one alert to every channel. The log is always a channel.
func (m *Manager) Send(ctx context.Context, alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}

	switch alert.Level {
	case LevelCritical:
		m.logger.Error(alert.Title, "message", alert.Message)
	case LevelWarning:
		m.logger.Warn(alert.Title, "message", alert.Message)
	default:
		m.logger.Info(alert.Title, "message", alert.Message)
	}

	m.mu.RLock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			m.logger.Error("Alert delivery failed",
				"title", alert.Title, "error", err)
		}
	}
}

// Start subscribes to the bus and converts noteworthy events into alerts.
func (m *Manager) Start(ctx context.Context, bus *events.Bus) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch := bus.Subscribe("alerts")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		events.Drain(ctx, ch, func(evt events.Event) {
			if alert, ok := fromEvent(evt); ok {
				m.Send(ctx, alert)
			}
		})
	}()
}

// Stop halts the event bridge.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func fromEvent(evt events.Event) (Alert, bool) {
	switch evt.Type {
	case events.EventOutcomeRecorded:
		outcome, ok := evt.Payload.(*core.ExecutionOutcome)
		if !ok {
			return Alert{}, false
		}
		// A live execution that ends FAILED must never end quietly.
		if outcome.Status == core.OutcomeFailed {
			return Alert{
				Level:   LevelCritical,
				Title:   "Execution failed",
				Message: fmt.Sprintf("Strategy %s: %s", evt.StrategyID, outcome.Reason),
				At:      evt.At,
			}, true
		}
		if outcome.Status == core.OutcomeSkipped && strings.Contains(outcome.Reason, apperrors.ErrConfiguration.Error()) {
			return Alert{
				Level:   LevelWarning,
				Title:   "Strategy misconfigured",
				Message: fmt.Sprintf("Strategy %s skipped: %s", evt.StrategyID, outcome.Reason),
				At:      evt.At,
			}, true
		}
		return Alert{}, false
	case events.EventCompensation:
		return Alert{
			Level:   LevelWarning,
			Title:   "Compensation started",
			Message: fmt.Sprintf("Strategy %s: leg outcomes diverged, cancelling remaining legs", evt.StrategyID),
			At:      evt.At,
		}, true
	case events.EventDriftDetected:
		return Alert{
			Level:   LevelCritical,
			Title:   "Reconciliation drift",
			Message: fmt.Sprintf("Strategy %s: local and broker positions disagree: %v", evt.StrategyID, evt.Payload),
			At:      evt.At,
		}, true
	case events.EventSubmissionHalted:
		return Alert{
			Level:   LevelCritical,
			Title:   "Submissions halted",
			Message: fmt.Sprintf("Strategy %s halted: %v", evt.StrategyID, evt.Payload),
			At:      evt.At,
		}, true
	}
	return Alert{}, false
}
