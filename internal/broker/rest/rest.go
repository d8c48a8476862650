// Package rest implements a BrokerGateway over a generic JSON order API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"optionsrunner/internal/broker"
	"optionsrunner/internal/core"
	resthttp "optionsrunner/pkg/http"
)

// Config parameterizes the REST gateway.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

type apiKeySigner struct {
	apiKey    string
	secretKey string
}

func (s *apiKeySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("X-API-Secret", s.secretKey)
	return nil
}

// Gateway talks to the broker's REST API through the resilient HTTP client.
type Gateway struct {
	client *resthttp.Client
	logger core.ILogger
}

var _ core.BrokerGateway = (*Gateway)(nil)

// New creates a REST gateway.
func New(cfg Config, logger core.ILogger) *Gateway {
	return &Gateway{
		client: resthttp.NewClient(cfg.BaseURL, cfg.Timeout, &apiKeySigner{
			apiKey:    cfg.APIKey,
			secretKey: cfg.SecretKey,
		}),
		logger: logger.WithField("component", "rest_broker"),
	}
}

func (g *Gateway) Name() string { return "rest" }

type placeOrderPayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"client_order_id"`
	Account       string `json:"account"`
	OrderType     string `json:"order_type"`
}

type orderResponse struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	FilledQty    string `json:"filled_quantity"`
	AvgFillPrice string `json:"avg_fill_price"`
	CreatedAt    string `json:"created_at"`
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerAck, error) {
	payload := placeOrderPayload{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Quantity:      req.Quantity.String(),
		ClientOrderID: req.ClientOrderID,
		Account:       req.Account,
		OrderType:     "MARKET",
	}

	body, err := g.client.Post(ctx, "/v1/orders", payload)
	if err != nil {
		return nil, broker.MapHTTPError(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed order response: %w", err)
	}
	return &core.BrokerAck{BrokerOrderID: resp.OrderID, AckedAt: time.Now()}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := g.client.Delete(ctx, "/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return broker.MapHTTPError(err)
	}
	return nil
}

func (g *Gateway) FetchOrderStatus(ctx context.Context, brokerOrderID string) (*core.OrderStatus, error) {
	body, err := g.client.Get(ctx, "/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, broker.MapHTTPError(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed order response: %w", err)
	}
	return toOrderStatus(brokerOrderID, &resp)
}

func toOrderStatus(brokerOrderID string, resp *orderResponse) (*core.OrderStatus, error) {
	status := &core.OrderStatus{BrokerOrderID: brokerOrderID}

	switch resp.Status {
	case "ACCEPTED", "OPEN", "NEW":
		status.State = core.LegAcknowledged
	case "PARTIALLY_FILLED":
		status.State = core.LegPartiallyFilled
	case "FILLED":
		status.State = core.LegFilled
	case "REJECTED":
		status.State = core.LegRejected
	case "CANCELLED", "CANCELED":
		status.State = core.LegCancelled
	default:
		return nil, fmt.Errorf("unknown broker order status %q", resp.Status)
	}

	var err error
	if resp.FilledQty != "" {
		if status.FilledQty, err = decimal.NewFromString(resp.FilledQty); err != nil {
			return nil, fmt.Errorf("malformed filled quantity %q: %w", resp.FilledQty, err)
		}
	}
	if resp.AvgFillPrice != "" {
		if status.AvgFillPrice, err = decimal.NewFromString(resp.AvgFillPrice); err != nil {
			return nil, fmt.Errorf("malformed fill price %q: %w", resp.AvgFillPrice, err)
		}
	}
	return status, nil
}

type positionsResponse struct {
	Positions []struct {
		Symbol   string `json:"symbol"`
		Quantity string `json:"quantity"`
	} `json:"positions"`
}

func (g *Gateway) FetchPositions(ctx context.Context, account string) ([]*core.PositionSnapshot, error) {
	body, err := g.client.Get(ctx, "/v1/positions", map[string]string{"account": account})
	if err != nil {
		return nil, broker.MapHTTPError(err)
	}

	var resp positionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed positions response: %w", err)
	}

	out := make([]*core.PositionSnapshot, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		qty, err := decimal.NewFromString(p.Quantity)
		if err != nil {
			return nil, fmt.Errorf("malformed position quantity %q: %w", p.Quantity, err)
		}
		out = append(out, &core.PositionSnapshot{Symbol: p.Symbol, Quantity: qty})
	}
	return out, nil
}
