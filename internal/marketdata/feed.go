// Package marketdata assembles the snapshots condition evaluation runs
// against: wall clock, expiry calendar, and live indicator values.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"optionsrunner/internal/core"
)

// tick is one indicator update on the feed.
type tick struct {
	Indicator string          `json:"indicator"`
	Value     decimal.Decimal `json:"value"`
}

// Feed consumes an indicator stream over WebSocket and caches the latest
// value per indicator. The cache reports nothing once values go stale, so
// evaluation sees "unavailable" instead of old data.
type Feed struct {
	url      string
	staleAge time.Duration
	logger   core.ILogger

	mu     sync.RWMutex
	values map[string]decimal.Decimal
	asOf   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a feed for the given stream URL. Values older than
// staleAge are treated as unavailable.
func NewFeed(url string, staleAge time.Duration, logger core.ILogger) *Feed {
	return &Feed{
		url:      url,
		staleAge: staleAge,
		values:   make(map[string]decimal.Decimal),
		logger:   logger.WithField("component", "market_feed"),
	}
}

// Start begins consuming the stream, reconnecting on failure.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			if err := f.consume(ctx); err != nil {
				f.logger.Warn("Feed connection lost", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Stop shuts the feed down.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.logger.Info("Feed connected", "url", f.url)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var t tick
		if err := json.Unmarshal(data, &t); err != nil {
			f.logger.Warn("Dropping malformed tick", "error", err)
			continue
		}

		f.mu.Lock()
		f.values[t.Indicator] = t.Value
		f.asOf = time.Now()
		f.mu.Unlock()
	}
}

// Snapshot returns the current indicator view, or nil when the cache is
// empty or stale.
func (f *Feed) Snapshot() *core.MarketSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.values) == 0 || time.Since(f.asOf) > f.staleAge {
		return nil
	}

	out := make(map[string]decimal.Decimal, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return &core.MarketSnapshot{Indicators: out, AsOf: f.asOf}
}

// Set primes the cache directly, for tests and replay.
func (f *Feed) Set(indicator string, value decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[indicator] = value
	f.asOf = time.Now()
}
