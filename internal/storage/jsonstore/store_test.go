package jsonstore

import (
	"path/filepath"
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
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)
	return s
}

func TestStore_RulePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)

	rule, err := domain.CreateTakeProfitRule("spy", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateRule(rule))

	reopened, err := New(path)
	require.NoError(t, err)
	got, err := reopened.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPY", got.Symbol)
	assert.Equal(t, domain.RuleStatusActive, got.Status)
}

func TestStore_GetActiveRules_FiltersBySymbolAndStatus(t *testing.T) {
	s := newTestStore(t)

	active, err := domain.CreateTakeProfitRule("SPY", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateRule(active))

	cancelled, err := domain.CreateStopLossRule("QQQ", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	cancelled.Cancel()
	require.NoError(t, s.CreateRule(cancelled))

	rules, err := s.GetActiveRules("")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, active.ID, rules[0].ID)

	rules, err = s.GetActiveRules("QQQ")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestStore_CancelSiblingRules(t *testing.T) {
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
	assert.False(t, sibling.Enabled)

	triggering, err := s.GetRule(legA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusActive, triggering.Status)
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

	got, err := s.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusExpired, got.Status)
}

func TestStore_AlertIdempotence(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindTriggeredAlert("pos-1", domain.AlertTakeProfit)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateAlert(&domain.Alert{PositionID: "pos-1", Type: domain.AlertTakeProfit, Triggered: true}))

	found, err := s.FindTriggeredAlert("pos-1", domain.AlertTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", found.PositionID)
}

func TestStore_RiskConfig_DefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.GetRiskConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRiskConfig(), cfg)

	cfg.TradingEnabled = true
	require.NoError(t, s.SetRiskConfig(cfg))

	got, err := s.GetRiskConfig()
	require.NoError(t, err)
	assert.True(t, got.TradingEnabled)
}

func TestStore_Statistics_NullPnlCountsAsLoss(t *testing.T) {
	s := newTestStore(t)

	pos := &domain.ManagedPosition{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100), Status: domain.PositionClosed, Confidence: 7,
	}
	require.NoError(t, s.CreateManagedPosition(pos))

	stats, err := s.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 1, stats.LosingTrades)
	assert.Equal(t, 1, stats.ByCloseReason[domain.CloseReasonUnknown])
}
