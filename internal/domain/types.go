// Package domain holds the shared entity types evaluated and persisted by
// every engine in the service: automation rules, managed positions, alerts,
// quotes, and the order-facing request/response shapes.
package domain

import "github.com/shopspring/decimal"

// OrderSide is the direction of an order or position.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Sign returns +1 for buy, -1 for sell, used throughout derived-price math.
func (s OrderSide) Sign() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the pricing strategy of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long a broker keeps a working order alive.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// RuleType classifies the kind of automation an AutomationRule encodes.
type RuleType string

const (
	RuleStopLoss     RuleType = "STOP_LOSS"
	RuleTakeProfit   RuleType = "TAKE_PROFIT"
	RuleOCO          RuleType = "OCO"
	RuleTrailingStop RuleType = "TRAILING_STOP"
	RuleLimitOrder   RuleType = "LIMIT_ORDER"
)

// TriggerType classifies how a rule's triggerValue is compared against the quote.
type TriggerType string

const (
	TriggerPriceAbove TriggerType = "PRICE_ABOVE"
	TriggerPriceBelow TriggerType = "PRICE_BELOW"
	TriggerPercentGain TriggerType = "PERCENT_GAIN"
	TriggerPercentLoss TriggerType = "PERCENT_LOSS"
	TriggerDollarGain  TriggerType = "DOLLAR_GAIN"
	TriggerDollarLoss  TriggerType = "DOLLAR_LOSS"
)

// IsPercentOrDollar reports whether this trigger type requires an entry price.
func (t TriggerType) IsPercentOrDollar() bool {
	switch t {
	case TriggerPercentGain, TriggerPercentLoss, TriggerDollarGain, TriggerDollarLoss:
		return true
	default:
		return false
	}
}

// RuleStatus is the lifecycle status of an AutomationRule.
type RuleStatus string

const (
	RuleStatusActive    RuleStatus = "active"
	RuleStatusTriggered RuleStatus = "triggered"
	RuleStatusCancelled RuleStatus = "cancelled"
	RuleStatusExpired   RuleStatus = "expired"
)

// PositionStatus is the lifecycle status of a ManagedPosition.
type PositionStatus string

const (
	PositionActive   PositionStatus = "active"
	PositionInactive PositionStatus = "inactive"
	PositionClosed   PositionStatus = "closed"
)

// CloseReason records why a ManagedPosition was closed.
type CloseReason string

const (
	CloseReasonTakeProfit   CloseReason = "TP_HIT"
	CloseReasonStopLoss     CloseReason = "SL_HIT"
	CloseReasonTrailingStop CloseReason = "TRAILING_STOP"
	CloseReasonTimeStop     CloseReason = "TIME_STOP"
	CloseReasonKillSwitch   CloseReason = "KILL_SWITCH"
	CloseReasonUnknown      CloseReason = "UNKNOWN"
)

// AlertType enumerates the taxonomy of position alerts (§4.G).
type AlertType string

const (
	AlertTakeProfit      AlertType = "TP_HIT"
	AlertStopLoss        AlertType = "SL_HIT"
	AlertTrailingStop    AlertType = "TRAILING_TRIGGERED"
	AlertTimeStop        AlertType = "TIME_STOP"
	AlertTimeWarning     AlertType = "TIME_WARNING"
	AlertReview          AlertType = "REVIEW"
)

// Regime is the market-regime classification returned by the regime collaborator.
type Regime string

const (
	RegimeTrend        Regime = "TREND"
	RegimeChop         Regime = "CHOP"
	RegimeVolExpansion Regime = "VOL_EXPANSION"
	RegimeUntradeable  Regime = "UNTRADEABLE"
)

// Quote is a market-data snapshot for a symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	At     int64 // unix nanos, UTC
}

// Mid returns (bid+ask)/2, falling back to Last when either side is zero.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// OrderRequest is the broker-facing shape submitted by the Order Queue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
}

// OrderResponse is the broker's acknowledgement/update shape.
type OrderResponse struct {
	BrokerOrderID   string
	Status          string
	FilledQty       decimal.Decimal
	FilledAvgPrice  decimal.Decimal
	Symbol          string
	Side            OrderSide
	Quantity        decimal.Decimal
	Type            OrderType
	LimitPrice      decimal.Decimal
}

// BrokerPosition is the broker's reported live position.
type BrokerPosition struct {
	Symbol          string
	Quantity        decimal.Decimal
	AvgEntryPrice   decimal.Decimal
	CurrentPrice    decimal.Decimal
	MarketValue     decimal.Decimal
	UnrealizedPL    decimal.Decimal
	UnrealizedPLPct decimal.Decimal
}

// RiskConfig is the singleton, latest-wins risk configuration (§3).
type RiskConfig struct {
	MaxPositionSize decimal.Decimal
	MaxOrderSize    decimal.Decimal
	MaxDailyLoss    decimal.Decimal
	AllowedSymbols  []string
	TradingEnabled  bool
}

// DefaultRiskConfig returns the conservative defaults used when no config row exists.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSize: decimal.NewFromInt(1000),
		MaxOrderSize:    decimal.NewFromInt(100),
		MaxDailyLoss:    decimal.NewFromInt(1000),
		AllowedSymbols: []string{
			"SPY", "QQQ", "AAPL", "MSFT", "AMZN", "GOOGL", "META", "NVDA", "TSLA", "IWM",
		},
		TradingEnabled: false,
	}
}

// StrategyPerformance aggregates closed managed positions sharing a
// strategyId, the per-strategy analogue of the global Statistics surface.
type StrategyPerformance struct {
	StrategyID    string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       decimal.Decimal
	TotalPnL      decimal.Decimal
}

// PositionSnapshot is a retention-bounded time-series row written each monitor tick.
type PositionSnapshot struct {
	Symbol          string
	Quantity        decimal.Decimal
	AvgEntryPrice   decimal.Decimal
	CurrentPrice    decimal.Decimal
	MarketValue     decimal.Decimal
	UnrealizedPL    decimal.Decimal
	UnrealizedPLPct decimal.Decimal
	Timestamp       int64 // unix nanos, UTC
}
