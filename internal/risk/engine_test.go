package risk

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage/jsonstore"
)

func newTestEngine(t *testing.T) (*Engine, *jsonstore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := jsonstore.New(path)
	require.NoError(t, err)

	cfg := domain.DefaultRiskConfig()
	cfg.TradingEnabled = true
	require.NoError(t, store.SetRiskConfig(cfg))

	clock := func() time.Time { return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) }
	engine := NewEngine(store, FixedRegimeProvider{Regime: domain.RegimeTrend}, clock)
	return engine, store
}

func TestCheckIntent_ApprovesWithinLimits(t *testing.T) {
	engine, _ := newTestEngine(t)

	result := engine.CheckIntent(Intent{
		Symbol:    "SPY",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: domain.OrderTypeMarket,
	})

	require.True(t, result.Approved)
	names := checkNames(result.Checks)
	assert.Equal(t, []string{
		"trading_enabled", "symbol_allowed", "order_size", "position_size",
		"daily_loss_limit", "sanity_check", "regime_check",
	}, names)
}

func TestCheckIntent_RejectsWhenTradingDisabled(t *testing.T) {
	engine, store := newTestEngine(t)
	cfg, err := store.GetRiskConfig()
	require.NoError(t, err)
	cfg.TradingEnabled = false
	require.NoError(t, store.SetRiskConfig(cfg))

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Len(t, result.Checks, 1)
	assert.Equal(t, "trading_enabled", result.Checks[0].Name)
}

func TestCheckIntent_RejectsDisallowedSymbol(t *testing.T) {
	engine, _ := newTestEngine(t)

	result := engine.CheckIntent(Intent{Symbol: "GME", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Equal(t, "symbol_allowed", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_RejectsOversizedOrder(t *testing.T) {
	engine, store := newTestEngine(t)
	cfg, err := store.GetRiskConfig()
	require.NoError(t, err)
	cfg.MaxOrderSize = decimal.NewFromInt(5)
	require.NoError(t, store.SetRiskConfig(cfg))

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(10), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Equal(t, "order_size", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_PositionSizeAccumulatesAcrossFills(t *testing.T) {
	engine, store := newTestEngine(t)
	cfg, err := store.GetRiskConfig()
	require.NoError(t, err)
	cfg.MaxPositionSize = decimal.NewFromInt(15)
	require.NoError(t, store.SetRiskConfig(cfg))

	engine.RecordFill("SPY", domain.SideBuy, decimal.NewFromInt(10), decimal.Zero)

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(10), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Equal(t, "position_size", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_DailyLossLimitBlocksFurtherEntries(t *testing.T) {
	engine, store := newTestEngine(t)
	cfg, err := store.GetRiskConfig()
	require.NoError(t, err)
	cfg.MaxDailyLoss = decimal.NewFromInt(100)
	require.NoError(t, store.SetRiskConfig(cfg))

	engine.RecordFill("SPY", domain.SideSell, decimal.NewFromInt(1), decimal.NewFromInt(-100))

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Equal(t, "daily_loss_limit", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_RegimeUntradeableRejects(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.regime = FixedRegimeProvider{Regime: domain.RegimeUntradeable}

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)
	assert.Equal(t, "regime_check", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_VolExpansionAddsSizeAdjustmentCheck(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.regime = FixedRegimeProvider{Regime: domain.RegimeVolExpansion}

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	require.True(t, result.Approved)
	assert.InDelta(t, 0.5, result.SizeMultiplier, 0.0001)
	assert.Equal(t, "regime_size_adjustment", result.Checks[len(result.Checks)-1].Name)
}

func TestCheckIntent_SkipRegimeCheckOmitsRegimeChecks(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.regime = FixedRegimeProvider{Regime: domain.RegimeUntradeable}

	result := engine.CheckIntent(Intent{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1),
		OrderType: domain.OrderTypeMarket, SkipRegimeCheck: true,
	})
	require.True(t, result.Approved)
	for _, c := range result.Checks {
		assert.NotEqual(t, "regime_check", c.Name)
	}
}

func TestKillSwitch_ActivateAndDeactivate(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.ActivateKillSwitch())
	cfg, err := store.GetRiskConfig()
	require.NoError(t, err)
	assert.False(t, cfg.TradingEnabled)

	result := engine.CheckIntent(Intent{Symbol: "SPY", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket})
	assert.False(t, result.Approved)

	require.NoError(t, engine.DeactivateKillSwitch())
	cfg, err = store.GetRiskConfig()
	require.NoError(t, err)
	assert.True(t, cfg.TradingEnabled)
}

type fakeLiquidator struct {
	calls int
	err   error
}

func (f *fakeLiquidator) LiquidateAll() (int, error) {
	f.calls++
	return f.calls, f.err
}

func TestKillSwitch_ActivateCallsLiquidatorWhenWired(t *testing.T) {
	engine, _ := newTestEngine(t)
	liquidator := &fakeLiquidator{}
	engine.SetLiquidator(liquidator)

	require.NoError(t, engine.ActivateKillSwitch())
	assert.Equal(t, 1, liquidator.calls)
}

func TestKillSwitch_SurfacesLiquidationFailure(t *testing.T) {
	engine, store := newTestEngine(t)
	liquidator := &fakeLiquidator{err: assert.AnError}
	engine.SetLiquidator(liquidator)

	err := engine.ActivateKillSwitch()
	require.Error(t, err)

	cfg, cfgErr := store.GetRiskConfig()
	require.NoError(t, cfgErr)
	assert.False(t, cfg.TradingEnabled, "trading must stay blocked even when liquidation itself fails")
}

func checkNames(checks []Check) []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name
	}
	return names
}
