package broker

import (
	"context"

	"golang.org/x/time/rate"

	"optionsrunner/internal/core"
)

// RateLimited decorates a gateway with a client-side token bucket so the
// runner never provokes broker-side throttling under leg fan-out.
type RateLimited struct {
	inner   core.BrokerGateway
	limiter *rate.Limiter
}

var _ core.BrokerGateway = (*RateLimited)(nil)

// NewRateLimited wraps inner with limit requests/second and the given burst.
func NewRateLimited(inner core.BrokerGateway, limit float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerAck, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelOrder(ctx, brokerOrderID)
}

func (r *RateLimited) FetchOrderStatus(ctx context.Context, brokerOrderID string) (*core.OrderStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchOrderStatus(ctx, brokerOrderID)
}

func (r *RateLimited) FetchPositions(ctx context.Context, account string) ([]*core.PositionSnapshot, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchPositions(ctx, account)
}
