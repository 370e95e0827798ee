package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
)

// RestClient is a generic REST implementation of Broker built on resty,
// wired the way 0xtitan6-polymarket-mm/internal/exchange/client.go wires its
// CLOB client: base URL + timeout + bounded retry-on-5xx at the transport
// layer. This sits beneath, and is distinct from, the business-level Retry
// Engine (§4.B) — a transport retry here absorbs connection blips; a
// permanent 4xx still surfaces to the caller for the Retry Engine's
// retryable-error classification to judge.
type RestClient struct {
	http      *resty.Client
	accountID string
}

// Option configures a RestClient at construction time.
type Option func(*RestClient)

// WithTimeout overrides the per-request timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *RestClient) { c.http.SetTimeout(d) }
}

// WithHTTPRetry overrides the transport-level retry count (default 2).
func WithHTTPRetry(count int, wait, maxWait time.Duration) Option {
	return func(c *RestClient) {
		c.http.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(maxWait)
	}
}

// NewRestClient constructs a broker REST client against baseURL, authenticating
// every request with apiKey as a bearer token.
func NewRestClient(baseURL, apiKey, accountID string, opts ...Option) *RestClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json")

	c := &RestClient{http: httpClient, accountID: accountID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type quoteWire struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// GetLatestQuote fetches bid/ask/last for symbol.
func (c *RestClient) GetLatestQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var wire quoteWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/markets/quotes")
	if err != nil {
		return domain.Quote{}, fmt.Errorf("get quote %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Quote{}, fmt.Errorf("get quote %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return domain.Quote{
		Symbol: wire.Symbol,
		Bid:    decimal.NewFromFloat(wire.Bid),
		Ask:    decimal.NewFromFloat(wire.Ask),
		Last:   decimal.NewFromFloat(wire.Last),
		At:     time.Now().UTC().UnixNano(),
	}, nil
}

type positionWire struct {
	Symbol          string  `json:"symbol"`
	Quantity        float64 `json:"quantity"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	MarketValue     float64 `json:"market_value"`
	UnrealizedPL    float64 `json:"unrealized_pl"`
	UnrealizedPLPct float64 `json:"unrealized_plpc"`
}

// GetPositions returns every live broker position.
func (c *RestClient) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var wire []positionWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&wire).
		Get(fmt.Sprintf("/accounts/%s/positions", c.accountID))
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]domain.BrokerPosition, len(wire))
	for i, p := range wire {
		out[i] = domain.BrokerPosition{
			Symbol:          p.Symbol,
			Quantity:        decimal.NewFromFloat(p.Quantity),
			AvgEntryPrice:   decimal.NewFromFloat(p.AvgEntryPrice),
			CurrentPrice:    decimal.NewFromFloat(p.CurrentPrice),
			MarketValue:     decimal.NewFromFloat(p.MarketValue),
			UnrealizedPL:    decimal.NewFromFloat(p.UnrealizedPL),
			UnrealizedPLPct: decimal.NewFromFloat(p.UnrealizedPLPct),
		}
	}
	return out, nil
}

type orderResponseWire struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	FilledQty      float64 `json:"filled_qty"`
	FilledAvgPrice float64 `json:"filled_avg_price"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty"`
	Type           string  `json:"type"`
	LimitPrice     float64 `json:"limit_price"`
}

func (w orderResponseWire) toDomain() domain.OrderResponse {
	return domain.OrderResponse{
		BrokerOrderID:  w.ID,
		Status:         w.Status,
		FilledQty:      decimal.NewFromFloat(w.FilledQty),
		FilledAvgPrice: decimal.NewFromFloat(w.FilledAvgPrice),
		Symbol:         w.Symbol,
		Side:           domain.OrderSide(w.Side),
		Quantity:       decimal.NewFromFloat(w.Qty),
		Type:           domain.OrderType(w.Type),
		LimitPrice:     decimal.NewFromFloat(w.LimitPrice),
	}
}

// SubmitOrder submits req and returns the broker's acknowledgement.
func (c *RestClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	body := map[string]string{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"type":            string(req.Type),
		"quantity":        req.Quantity.String(),
		"duration":        string(req.TimeInForce),
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = req.LimitPrice.String()
	}

	var wire orderResponseWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(body).
		SetResult(&wire).
		Post(fmt.Sprintf("/accounts/%s/orders", c.accountID))
	if err != nil {
		return domain.OrderResponse{}, fmt.Errorf("submit order %s: %w", req.ClientOrderID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return domain.OrderResponse{}, fmt.Errorf("submit order %s: status %d: %s",
			req.ClientOrderID, resp.StatusCode(), resp.String())
	}
	return wire.toDomain(), nil
}

// CancelOrder cancels a previously submitted order by its broker id.
func (c *RestClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/accounts/%s/orders/%s", c.accountID, brokerOrderID))
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("cancel order %s: status %d: %s", brokerOrderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrders returns broker-side orders matching status, for reconciliation.
func (c *RestClient) GetOrders(ctx context.Context, status string) ([]domain.OrderResponse, error) {
	var wire []orderResponseWire
	req := c.http.R().SetContext(ctx).SetResult(&wire)
	if status != "" {
		req = req.SetQueryParam("status", status)
	}
	resp, err := req.Get(fmt.Sprintf("/accounts/%s/orders", c.accountID))
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]domain.OrderResponse, len(wire))
	for i, w := range wire {
		out[i] = w.toDomain()
	}
	return out, nil
}
