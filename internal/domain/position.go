package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ManagedPosition is tracked with TP/SL/time/trailing/confidence semantics (§3, §4.G).
type ManagedPosition struct {
	ID         string
	StrategyID *string

	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	Confidence    int
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
	TimeStopHours decimal.Decimal
	TrailingStopPct *decimal.Decimal
	HighWaterMark decimal.Decimal
	EnteredAt     time.Time
	Status        PositionStatus

	ClosedAt    *time.Time
	ClosePrice  *decimal.Decimal
	CloseReason *CloseReason
	PnL         *decimal.Decimal
	PnLPct      *decimal.Decimal

	// TrailingArmed is persisted with the position but is not set or read by
	// the position engine; the trailing stop tracks the high-water mark from
	// entry with no profit-threshold gate.
	TrailingArmed bool
}

// TakeProfitPrice is entry·(1 + sign·tpPct/100).
func (p *ManagedPosition) TakeProfitPrice() decimal.Decimal {
	sign := decimal.NewFromInt(int64(p.Side.Sign()))
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(sign.Mul(p.TakeProfitPct).Div(decimal.NewFromInt(100))))
}

// StopLossPrice is entry·(1 − sign·slPct/100).
func (p *ManagedPosition) StopLossPrice() decimal.Decimal {
	sign := decimal.NewFromInt(int64(p.Side.Sign()))
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(sign.Mul(p.StopLossPct).Div(decimal.NewFromInt(100))))
}

// HoursElapsed since EnteredAt, as of now.
func (p *ManagedPosition) HoursElapsed(now time.Time) decimal.Decimal {
	return decimal.NewFromFloat(now.Sub(p.EnteredAt).Hours())
}

// HoursRemaining is max(0, timeStopHours - hoursElapsed).
func (p *ManagedPosition) HoursRemaining(now time.Time) decimal.Decimal {
	rem := p.TimeStopHours.Sub(p.HoursElapsed(now))
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// favourable reports whether price moved in the profitable direction relative to ref.
func (p *ManagedPosition) favourable(price, ref decimal.Decimal) bool {
	if p.Side == SideSell {
		return price.LessThan(ref)
	}
	return price.GreaterThan(ref)
}

// UpdateHighWaterMark advances HighWaterMark only in the favourable direction,
// preserving the monotone invariant (§8 invariant 1).
func (p *ManagedPosition) UpdateHighWaterMark(price decimal.Decimal) {
	if p.favourable(price, p.HighWaterMark) {
		p.HighWaterMark = price
	}
}

// Close marks the position closed and computes terminal P&L (§4.G close procedure).
func (p *ManagedPosition) Close(closePrice decimal.Decimal, reason CloseReason, at time.Time) {
	sign := decimal.NewFromInt(int64(p.Side.Sign()))
	diff := closePrice.Sub(p.EntryPrice)
	pnl := diff.Mul(p.Quantity).Mul(sign)
	var pnlPct decimal.Decimal
	if !p.EntryPrice.IsZero() {
		pnlPct = diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Mul(sign)
	}

	p.Status = PositionClosed
	p.ClosedAt = &at
	p.ClosePrice = &closePrice
	p.CloseReason = &reason
	p.PnL = &pnl
	p.PnLPct = &pnlPct
}

// Alert is a one-shot (per type) notification bound to a position (§3).
type Alert struct {
	ID         string
	PositionID string
	Type       AlertType
	Message    string

	Triggered   bool
	TriggeredAt *time.Time
	Dismissed   bool
	DismissedAt *time.Time

	CreatedAt time.Time
}
