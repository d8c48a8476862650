// Package paper implements an in-memory broker gateway for dry runs and
// tests. Orders fill according to a scriptable fill model; the default fills
// everything immediately at the scripted price.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionsrunner/internal/core"
	apperrors "optionsrunner/pkg/errors"
)

// FillModel decides how a just-placed order fills.
type FillModel func(req *core.PlaceOrderRequest) Fill

// Fill is the scripted result for one order.
type Fill struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Reject   bool
	Delay    time.Duration // time until the fill becomes visible to polls
}

// FillAllAt fills every order fully at price.
func FillAllAt(price decimal.Decimal) FillModel {
	return func(req *core.PlaceOrderRequest) Fill {
		return Fill{Quantity: req.Quantity, Price: price}
	}
}

type paperOrder struct {
	req      *core.PlaceOrderRequest
	fill     Fill
	placedAt time.Time
	canceled bool
}

// Gateway is the paper broker.
type Gateway struct {
	mu        sync.Mutex
	orders    map[string]*paperOrder         // broker order id -> order
	byClient  map[string]string              // client order id -> broker order id
	positions map[string]decimal.Decimal     // symbol -> net qty
	settled   map[string]bool
	model     FillModel
	logger    core.ILogger
}

var _ core.BrokerGateway = (*Gateway)(nil)

// New creates a paper gateway. A nil model fills everything at zero.
func New(model FillModel, logger core.ILogger) *Gateway {
	if model == nil {
		model = FillAllAt(decimal.Zero)
	}
	return &Gateway{
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]decimal.Decimal),
		settled:   make(map[string]bool),
		model:     model,
		logger:    logger.WithField("component", "paper_broker"),
	}
}

func (g *Gateway) Name() string { return "paper" }

// SetFillModel swaps the fill model, e.g. mid-test.
func (g *Gateway) SetFillModel(model FillModel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = model
}

// PlaceOrder accepts the order. Duplicate client order ids return the
// original acknowledgement, mirroring broker-side idempotency.
func (g *Gateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byClient[req.ClientOrderID]; ok {
		return &core.BrokerAck{BrokerOrderID: id, AckedAt: g.orders[id].placedAt}, nil
	}

	fill := g.model(req)
	if fill.Reject {
		return nil, fmt.Errorf("%w: paper model rejected %s", apperrors.ErrOrderRejected, req.Symbol)
	}

	id := uuid.NewString()
	order := &paperOrder{req: req, fill: fill, placedAt: time.Now()}
	g.orders[id] = order
	g.byClient[req.ClientOrderID] = id

	g.logger.Debug("Paper order placed",
		"broker_order_id", id, "symbol", req.Symbol,
		"side", string(req.Side), "quantity", req.Quantity.String())
	return &core.BrokerAck{BrokerOrderID: id, AckedAt: order.placedAt}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	order.canceled = true
	return nil
}

func (g *Gateway) FetchOrderStatus(ctx context.Context, brokerOrderID string) (*core.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}

	status := &core.OrderStatus{BrokerOrderID: brokerOrderID, AvgFillPrice: order.fill.Price}
	filled := g.visibleFill(order)
	status.FilledQty = filled

	switch {
	case order.canceled:
		status.State = core.LegCancelled
		if filled.Equal(order.req.Quantity) && !filled.IsZero() {
			status.State = core.LegFilled
			g.settle(order, brokerOrderID)
		}
	case filled.Equal(order.req.Quantity) && !filled.IsZero():
		status.State = core.LegFilled
		g.settle(order, brokerOrderID)
	case filled.GreaterThan(decimal.Zero):
		status.State = core.LegPartiallyFilled
	default:
		status.State = core.LegAcknowledged
	}
	return status, nil
}

// visibleFill applies the scripted fill delay.
func (g *Gateway) visibleFill(order *paperOrder) decimal.Decimal {
	// Cancel before the delay expires freezes the order unfilled; after the
	// delay the scripted quantity has already filled and a cancel loses.
	if time.Since(order.placedAt) < order.fill.Delay {
		return decimal.Zero
	}
	return order.fill.Quantity
}

func (g *Gateway) settle(order *paperOrder, id string) {
	if g.settled[id] {
		return
	}
	g.settled[id] = true

	qty := order.fill.Quantity
	if order.req.Side == core.SideSell {
		qty = qty.Neg()
	}
	g.positions[order.req.Symbol] = g.positions[order.req.Symbol].Add(qty)
}

func (g *Gateway) FetchPositions(ctx context.Context, account string) ([]*core.PositionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*core.PositionSnapshot, 0, len(g.positions))
	for symbol, qty := range g.positions {
		out = append(out, &core.PositionSnapshot{Symbol: symbol, Quantity: qty})
	}
	return out, nil
}

// AdjustPosition force-moves the paper book, used by tests to create drift.
func (g *Gateway) AdjustPosition(symbol string, delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = g.positions[symbol].Add(delta)
}
