package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestPosition(side OrderSide) *ManagedPosition {
	return &ManagedPosition{
		ID:            "p1",
		Symbol:        "SPY",
		Side:          side,
		Quantity:      decimal.NewFromInt(10),
		EntryPrice:    decimal.NewFromInt(100),
		TakeProfitPct: decimal.NewFromInt(10),
		StopLossPct:   decimal.NewFromInt(5),
		TimeStopHours: decimal.NewFromInt(24),
		HighWaterMark: decimal.NewFromInt(100),
		EnteredAt:     time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		Status:        PositionActive,
	}
}

func TestManagedPosition_TakeProfitPrice_BuySide(t *testing.T) {
	p := newTestPosition(SideBuy)
	assert.True(t, p.TakeProfitPrice().Equal(decimal.NewFromInt(110)))
}

func TestManagedPosition_TakeProfitPrice_SellSide(t *testing.T) {
	p := newTestPosition(SideSell)
	assert.True(t, p.TakeProfitPrice().Equal(decimal.NewFromInt(90)))
}

func TestManagedPosition_StopLossPrice_BuySide(t *testing.T) {
	p := newTestPosition(SideBuy)
	assert.True(t, p.StopLossPrice().Equal(decimal.NewFromInt(95)))
}

func TestManagedPosition_StopLossPrice_SellSide(t *testing.T) {
	p := newTestPosition(SideSell)
	assert.True(t, p.StopLossPrice().Equal(decimal.NewFromInt(105)))
}

func TestManagedPosition_HoursElapsed(t *testing.T) {
	p := newTestPosition(SideBuy)
	now := p.EnteredAt.Add(6 * time.Hour)
	assert.True(t, p.HoursElapsed(now).Equal(decimal.NewFromInt(6)))
}

func TestManagedPosition_HoursRemaining_ClampsAtZeroPastTimeStop(t *testing.T) {
	p := newTestPosition(SideBuy)
	now := p.EnteredAt.Add(30 * time.Hour)
	assert.True(t, p.HoursRemaining(now).IsZero())
}

func TestManagedPosition_HoursRemaining_BeforeTimeStop(t *testing.T) {
	p := newTestPosition(SideBuy)
	now := p.EnteredAt.Add(20 * time.Hour)
	assert.True(t, p.HoursRemaining(now).Equal(decimal.NewFromInt(4)))
}

func TestManagedPosition_UpdateHighWaterMark_BuySideOnlyAdvancesUpward(t *testing.T) {
	p := newTestPosition(SideBuy)
	p.UpdateHighWaterMark(decimal.NewFromInt(105))
	assert.True(t, p.HighWaterMark.Equal(decimal.NewFromInt(105)))

	p.UpdateHighWaterMark(decimal.NewFromInt(102))
	assert.True(t, p.HighWaterMark.Equal(decimal.NewFromInt(105)), "high water mark must not retreat")
}

func TestManagedPosition_UpdateHighWaterMark_SellSideOnlyAdvancesDownward(t *testing.T) {
	p := newTestPosition(SideSell)
	p.UpdateHighWaterMark(decimal.NewFromInt(95))
	assert.True(t, p.HighWaterMark.Equal(decimal.NewFromInt(95)))

	p.UpdateHighWaterMark(decimal.NewFromInt(98))
	assert.True(t, p.HighWaterMark.Equal(decimal.NewFromInt(95)), "high water mark must not retreat")
}

func TestManagedPosition_Close_BuySideProfit(t *testing.T) {
	p := newTestPosition(SideBuy)
	at := p.EnteredAt.Add(time.Hour)
	p.Close(decimal.NewFromInt(110), CloseReasonTakeProfit, at)

	assert.Equal(t, PositionClosed, p.Status)
	assert.Equal(t, CloseReasonTakeProfit, *p.CloseReason)
	assert.True(t, p.PnL.Equal(decimal.NewFromInt(100)))
	assert.True(t, p.PnLPct.Equal(decimal.NewFromInt(10)))
}

func TestManagedPosition_Close_SellSideProfit(t *testing.T) {
	p := newTestPosition(SideSell)
	at := p.EnteredAt.Add(time.Hour)
	p.Close(decimal.NewFromInt(90), CloseReasonStopLoss, at)

	assert.True(t, p.PnL.Equal(decimal.NewFromInt(100)))
	assert.True(t, p.PnLPct.Equal(decimal.NewFromInt(10)))
}

func TestManagedPosition_Close_SellSideLoss(t *testing.T) {
	p := newTestPosition(SideSell)
	at := p.EnteredAt.Add(time.Hour)
	p.Close(decimal.NewFromInt(110), CloseReasonTimeStop, at)

	assert.True(t, p.PnL.Equal(decimal.NewFromInt(-100)))
	assert.True(t, p.PnLPct.Equal(decimal.NewFromInt(-10)))
}
