package sqlstore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	return s
}

func TestStore_RuleRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rule, err := domain.CreateTakeProfitRule("spy", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateRule(rule))

	got, err := s.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPY", got.Symbol)
	assert.True(t, got.TriggerValue.Equal(decimal.NewFromInt(5)))
}

func TestStore_GetRule_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRule("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_CancelSiblingRules_Transactional(t *testing.T) {
	s := newTestStore(t)

	legA, legB, err := domain.CreateOCORule("SPY",
		domain.AutomationRule{RuleType: domain.RuleTakeProfit, TriggerType: domain.TriggerPriceAbove, TriggerValue: decimal.NewFromInt(110), OrderSide: domain.SideSell},
		domain.AutomationRule{RuleType: domain.RuleStopLoss, TriggerType: domain.TriggerPriceBelow, TriggerValue: decimal.NewFromInt(90), OrderSide: domain.SideSell},
	)
	require.NoError(t, err)
	require.NoError(t, s.CreateRule(legA))
	require.NoError(t, s.CreateRule(legB))

	n, err := s.CancelSiblingRules(*legA.OCOGroupID, legA.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sibling, err := s.GetRule(legB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusCancelled, sibling.Status)
}

func TestStore_ExpireStaleRules(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	rule, err := domain.CreateTakeProfitRule("SPY", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	rule.ExpiresAt = &past
	require.NoError(t, s.CreateRule(rule))

	n, err := s.ExpireStaleRules(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_RiskConfig_DefaultsWhenNoRowExists(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.GetRiskConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRiskConfig(), cfg)
}

func TestStore_PositionHistoryAndStatistics(t *testing.T) {
	s := newTestStore(t)

	closePrice := decimal.NewFromInt(110)
	pnl := decimal.NewFromInt(100)
	pnlPct := decimal.NewFromInt(10)
	reason := domain.CloseReasonTakeProfit
	closedAt := time.Now().UTC()

	pos := &domain.ManagedPosition{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100), Status: domain.PositionClosed, Confidence: 8,
		ClosedAt: &closedAt, ClosePrice: &closePrice, CloseReason: &reason, PnL: &pnl, PnLPct: &pnlPct,
	}
	require.NoError(t, s.CreateManagedPosition(pos))

	history, err := s.GetPositionHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].PnL.Equal(pnl))

	stats, err := s.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 1, stats.ByCloseReason[domain.CloseReasonTakeProfit])
}
