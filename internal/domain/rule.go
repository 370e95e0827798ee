package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Validation errors returned by rule construction (§4.F Creation).
var (
	ErrTriggerValueNotPositive = errors.New("trigger value must be positive")
	ErrEntryPriceRequired      = errors.New("entry price or position id required")
)

// AutomationRule is a price/percent-threshold automation (§3).
type AutomationRule struct {
	ID           string
	RuleType     RuleType
	TriggerType  TriggerType
	Symbol       string
	TriggerValue decimal.Decimal
	EntryPrice   *decimal.Decimal
	PositionID   *string
	OrderSide    OrderSide
	OrderType    OrderType
	Quantity     *decimal.Decimal
	LimitPrice   *decimal.Decimal
	OCOGroupID   *string
	ExpiresAt    *time.Time

	Status  RuleStatus
	Enabled bool

	TriggeredAt *time.Time
	OrderID     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAutomationRule validates and constructs a rule per §4.F's creation rules.
func NewAutomationRule(r AutomationRule) (*AutomationRule, error) {
	if r.TriggerValue.Sign() <= 0 {
		return nil, ErrTriggerValueNotPositive
	}
	if r.TriggerType.IsPercentOrDollar() && r.EntryPrice == nil && r.PositionID == nil {
		return nil, ErrEntryPriceRequired
	}
	if (r.TriggerType == TriggerPercentGain || r.TriggerType == TriggerPercentLoss) && r.EntryPrice != nil && r.EntryPrice.IsZero() {
		return nil, ErrEntryPriceRequired
	}

	now := time.Now().UTC()
	rule := r
	rule.Symbol = strings.ToUpper(r.Symbol)
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = RuleStatusActive
	}
	rule.Enabled = true
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return &rule, nil
}

// CreateStopLossRule is a helper factory normalising into the canonical shape.
func CreateStopLossRule(symbol string, triggerValue decimal.Decimal, entryPrice decimal.Decimal,
	side OrderSide, quantity *decimal.Decimal) (*AutomationRule, error) {
	ep := entryPrice
	return NewAutomationRule(AutomationRule{
		RuleType:     RuleStopLoss,
		TriggerType:  TriggerPercentLoss,
		Symbol:       symbol,
		TriggerValue: triggerValue,
		EntryPrice:   &ep,
		OrderSide:    side,
		OrderType:    OrderTypeMarket,
		Quantity:     quantity,
	})
}

// CreateTakeProfitRule is a helper factory normalising into the canonical shape.
func CreateTakeProfitRule(symbol string, triggerValue decimal.Decimal, entryPrice decimal.Decimal,
	side OrderSide, quantity *decimal.Decimal) (*AutomationRule, error) {
	ep := entryPrice
	return NewAutomationRule(AutomationRule{
		RuleType:     RuleTakeProfit,
		TriggerType:  TriggerPercentGain,
		Symbol:       symbol,
		TriggerValue: triggerValue,
		EntryPrice:   &ep,
		OrderSide:    side,
		OrderType:    OrderTypeMarket,
		Quantity:     quantity,
	})
}

// CreateLimitOrderRule is a helper factory for a plain price-crossing limit entry.
func CreateLimitOrderRule(symbol string, triggerType TriggerType, triggerValue decimal.Decimal,
	limitPrice decimal.Decimal, side OrderSide, quantity *decimal.Decimal) (*AutomationRule, error) {
	lp := limitPrice
	return NewAutomationRule(AutomationRule{
		RuleType:     RuleLimitOrder,
		TriggerType:  triggerType,
		Symbol:       symbol,
		TriggerValue: triggerValue,
		OrderSide:    side,
		OrderType:    OrderTypeLimit,
		LimitPrice:   &lp,
		Quantity:     quantity,
	})
}

// CreateOCORule allocates a shared ocoGroupId and writes both legs with it.
func CreateOCORule(symbol string, legA, legB AutomationRule) (*AutomationRule, *AutomationRule, error) {
	groupID := fmt.Sprintf("oco_%s", uuid.NewString())
	legA.RuleType = RuleOCO
	legB.RuleType = RuleOCO
	legA.Symbol = symbol
	legB.Symbol = symbol
	legA.OCOGroupID = &groupID
	legB.OCOGroupID = &groupID

	ruleA, err := NewAutomationRule(legA)
	if err != nil {
		return nil, nil, fmt.Errorf("oco leg a: %w", err)
	}
	ruleB, err := NewAutomationRule(legB)
	if err != nil {
		return nil, nil, fmt.Errorf("oco leg b: %w", err)
	}
	return ruleA, ruleB, nil
}

// Cancel transitions the rule to cancelled and disables it, the explicit
// transition function replacing the source's ad hoc field mutation.
func (r *AutomationRule) Cancel() {
	r.Status = RuleStatusCancelled
	r.Enabled = false
	r.UpdatedAt = time.Now().UTC()
}

// Expire transitions the rule to expired.
func (r *AutomationRule) Expire() {
	r.Status = RuleStatusExpired
	r.UpdatedAt = time.Now().UTC()
}

// MarkTriggered records the trigger outcome and transitions to triggered.
func (r *AutomationRule) MarkTriggered(orderID string, at time.Time) {
	r.Status = RuleStatusTriggered
	r.TriggeredAt = &at
	r.OrderID = &orderID
	r.UpdatedAt = at
}

// IsExpired reports whether the rule should be swept to expired this tick.
func (r *AutomationRule) IsExpired(now time.Time) bool {
	return r.Status == RuleStatusActive && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// TriggerPrice computes the reference price for percent/dollar rules, or nil
// for price-based rules where triggerValue is itself the reference price.
func (r *AutomationRule) TriggerPrice() *decimal.Decimal {
	if r.EntryPrice == nil {
		return nil
	}
	entry := *r.EntryPrice
	var price decimal.Decimal
	switch r.TriggerType {
	case TriggerPercentGain:
		price = entry.Mul(decimal.NewFromInt(1).Add(r.TriggerValue.Div(decimal.NewFromInt(100))))
	case TriggerPercentLoss:
		price = entry.Mul(decimal.NewFromInt(1).Sub(r.TriggerValue.Div(decimal.NewFromInt(100))))
	case TriggerDollarGain:
		price = entry.Add(r.TriggerValue)
	case TriggerDollarLoss:
		price = entry.Sub(r.TriggerValue)
	default:
		return nil
	}
	return &price
}

// Evaluate reports whether mid crosses this rule's trigger, per §4.F step 3.
func (r *AutomationRule) Evaluate(mid decimal.Decimal) bool {
	invert := r.OrderSide == SideSell

	switch r.TriggerType {
	case TriggerPriceAbove:
		return mid.GreaterThanOrEqual(r.TriggerValue)
	case TriggerPriceBelow:
		return mid.LessThanOrEqual(r.TriggerValue)
	case TriggerPercentGain:
		if r.EntryPrice == nil || r.EntryPrice.IsZero() {
			return false
		}
		pct := mid.Sub(*r.EntryPrice).Div(*r.EntryPrice).Mul(decimal.NewFromInt(100))
		if invert {
			pct = pct.Neg()
		}
		return pct.GreaterThanOrEqual(r.TriggerValue)
	case TriggerPercentLoss:
		if r.EntryPrice == nil || r.EntryPrice.IsZero() {
			return false
		}
		pct := r.EntryPrice.Sub(mid).Div(*r.EntryPrice).Mul(decimal.NewFromInt(100))
		if invert {
			pct = pct.Neg()
		}
		return pct.GreaterThanOrEqual(r.TriggerValue)
	case TriggerDollarGain:
		if r.EntryPrice == nil {
			return false
		}
		diff := mid.Sub(*r.EntryPrice)
		if invert {
			diff = diff.Neg()
		}
		return diff.GreaterThanOrEqual(r.TriggerValue)
	case TriggerDollarLoss:
		if r.EntryPrice == nil {
			return false
		}
		diff := r.EntryPrice.Sub(mid)
		if invert {
			diff = diff.Neg()
		}
		return diff.GreaterThanOrEqual(r.TriggerValue)
	default:
		return false
	}
}
