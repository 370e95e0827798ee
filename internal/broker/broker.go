// Package broker defines the external broker collaborator contract (§6) and
// a concrete REST implementation. The Broker interface is the abstract
// collaborator every engine in this service submits orders through; it is
// modeled on the teacher's own Broker interface but retargeted from a
// strangle-specific options API to the spec's generic quote/position/order
// surface.
package broker

import (
	"context"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
)

// Broker is the abstract collaborator for market data and order execution (§6).
type Broker interface {
	// GetLatestQuote fetches the current bid/ask/last for symbol. Failure
	// indicates a transient market-data outage.
	GetLatestQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetPositions returns every live broker position.
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)

	// SubmitOrder submits req and returns the broker's acknowledgement.
	// The returned BrokerOrderID becomes the order's brokerOrderId.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error)

	// CancelOrder cancels a previously submitted order by its broker id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrders returns broker-side orders matching status, for reconciliation.
	GetOrders(ctx context.Context, status string) ([]domain.OrderResponse, error)
}
