package broker

import (
	"context"

	"github.com/eddiefleurent/automation-orchestrator/internal/circuitbreaker"
	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
)

// CircuitBreakerBroker decorates a Broker with two independent circuit
// breakers (§4.A): one guarding order-submission/cancellation calls, one
// guarding market-data reads, so a quote-feed outage can't trip trading and
// vice versa.
type CircuitBreakerBroker struct {
	broker  Broker
	trading *circuitbreaker.Breaker
	market  *circuitbreaker.Breaker
}

// NewCircuitBreakerBroker wraps broker with the default trading/market-data
// breaker configurations.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithConfig(broker, circuitbreaker.TradingConfig(), circuitbreaker.MarketDataConfig())
}

// NewCircuitBreakerBrokerWithConfig wraps broker with caller-supplied breaker configs.
func NewCircuitBreakerBrokerWithConfig(broker Broker, trading, market circuitbreaker.Config) *CircuitBreakerBroker {
	return &CircuitBreakerBroker{
		broker:  broker,
		trading: circuitbreaker.New(trading),
		market:  circuitbreaker.New(market),
	}
}

// TradingState reports the trading breaker's current state.
func (c *CircuitBreakerBroker) TradingState() circuitbreaker.State { return c.trading.State() }

// MarketDataState reports the market-data breaker's current state.
func (c *CircuitBreakerBroker) MarketDataState() circuitbreaker.State { return c.market.State() }

func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return circuitbreaker.Execute(c.market, func() (domain.Quote, error) {
		return c.broker.GetLatestQuote(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return circuitbreaker.Execute(c.market, func() ([]domain.BrokerPosition, error) {
		return c.broker.GetPositions(ctx)
	})
}

func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	return circuitbreaker.Execute(c.trading, func() (domain.OrderResponse, error) {
		return c.broker.SubmitOrder(ctx, req)
	})
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := circuitbreaker.Execute(c.trading, func() (struct{}, error) {
		return struct{}{}, c.broker.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, status string) ([]domain.OrderResponse, error) {
	return circuitbreaker.Execute(c.trading, func() ([]domain.OrderResponse, error) {
		return c.broker.GetOrders(ctx, status)
	})
}

var _ Broker = (*CircuitBreakerBroker)(nil)
