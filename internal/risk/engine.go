// Package risk implements the pre-trade intent gate (§4.E): an ordered
// sequence of named checks run against every order before it reaches the
// Order Queue, plus the in-process kill switch mirrored from persisted
// config.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// RegimeProvider classifies the current market regime for a symbol. It is a
// replaceable collaborator; only the returned Regime matters to the engine.
type RegimeProvider interface {
	Classify(symbol string) (domain.Regime, error)
}

// Liquidator flattens every open managed position, run when the kill switch
// activates so existing exposure is closed rather than merely blocked from
// growing.
type Liquidator interface {
	LiquidateAll() (closed int, err error)
}

// Check is one named, ordered entry in a CheckIntent result.
type Check struct {
	Name    string
	Passed  bool
	Details string
}

// Intent describes a proposed order for pre-trade approval.
type Intent struct {
	Symbol          string
	Side            domain.OrderSide
	Quantity        decimal.Decimal
	OrderType       domain.OrderType
	SkipRegimeCheck bool
}

// Result is the outcome of CheckIntent.
type Result struct {
	Approved       bool
	Reason         string
	Checks         []Check
	SizeMultiplier float64
}

// Engine runs ordered risk checks and owns the in-process kill switch and
// same-day position/P&L bookkeeping used by the position_size and
// daily_loss_limit checks.
type Engine struct {
	mu      sync.RWMutex
	store   storage.Interface
	regime  RegimeProvider
	clock   func() time.Time
	cfg     domain.RiskConfig
	loaded  bool
	signed  map[string]decimal.Decimal // symbol -> current signed quantity
	dailyPnL decimal.Decimal
	dayKey  int
	liquidator Liquidator
}

// SetLiquidator wires the collaborator ActivateKillSwitch calls to flatten
// open exposure. Optional: a nil liquidator leaves ActivateKillSwitch's
// block-new-entries behavior unchanged.
func (e *Engine) SetLiquidator(l Liquidator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liquidator = l
}

// NewEngine constructs a risk Engine. clock defaults to time.Now when nil.
func NewEngine(store storage.Interface, regime RegimeProvider, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:  store,
		regime: regime,
		clock:  clock,
		signed: make(map[string]decimal.Decimal),
	}
}

func (e *Engine) refreshConfig() (domain.RiskConfig, error) {
	cfg, err := e.store.GetRiskConfig()
	if err != nil {
		return domain.RiskConfig{}, fmt.Errorf("loading risk config: %w", err)
	}
	e.cfg = cfg
	e.loaded = true
	return cfg, nil
}

func (e *Engine) checkDayReset() {
	today := e.clock().UTC().YearDay()
	if e.dayKey != today {
		e.dayKey = today
		e.dailyPnL = decimal.Zero
	}
}

// CheckIntent runs the ordered checks of §4.E and returns their outcome.
func (e *Engine) CheckIntent(intent Intent) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkDayReset()

	cfg, err := e.refreshConfig()
	if err != nil {
		return Result{Approved: false, Reason: err.Error()}
	}

	var checks []Check
	fail := func(name, details string) Result {
		checks = append(checks, Check{Name: name, Passed: false, Details: details})
		return Result{Approved: false, Reason: details, Checks: checks}
	}

	// 1. trading_enabled
	if !cfg.TradingEnabled {
		return fail("trading_enabled", "trading is disabled or the kill switch is active")
	}
	checks = append(checks, Check{Name: "trading_enabled", Passed: true})

	// 2. symbol_allowed
	symbol := strings.ToUpper(intent.Symbol)
	if len(cfg.AllowedSymbols) > 0 && !containsSymbol(cfg.AllowedSymbols, symbol) {
		return fail("symbol_allowed", fmt.Sprintf("%s is not in the allowed symbol list", symbol))
	}
	checks = append(checks, Check{Name: "symbol_allowed", Passed: true})

	// 3. order_size
	if intent.Quantity.GreaterThan(cfg.MaxOrderSize) {
		return fail("order_size", fmt.Sprintf("quantity %s exceeds max order size %s", intent.Quantity, cfg.MaxOrderSize))
	}
	checks = append(checks, Check{Name: "order_size", Passed: true})

	// 4. position_size
	current := e.signed[symbol]
	projected := current.Add(intent.Quantity.Mul(decimal.NewFromInt(int64(intent.Side.Sign()))))
	if projected.Abs().GreaterThan(cfg.MaxPositionSize) {
		return fail("position_size", fmt.Sprintf("resulting position %s would exceed max position size %s", projected, cfg.MaxPositionSize))
	}
	checks = append(checks, Check{Name: "position_size", Passed: true})

	// 5. daily_loss_limit
	if e.dailyPnL.Abs().GreaterThanOrEqual(cfg.MaxDailyLoss) && e.dailyPnL.IsNegative() {
		return fail("daily_loss_limit", fmt.Sprintf("daily loss %s has reached the limit %s", e.dailyPnL, cfg.MaxDailyLoss))
	}
	checks = append(checks, Check{Name: "daily_loss_limit", Passed: true})

	// 6. sanity_check
	if !intent.Quantity.IsPositive() {
		return fail("sanity_check", "quantity must be positive")
	}
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		return fail("sanity_check", "side must be buy or sell")
	}
	if intent.OrderType != domain.OrderTypeMarket && intent.OrderType != domain.OrderTypeLimit {
		return fail("sanity_check", "order type must be market or limit")
	}
	checks = append(checks, Check{Name: "sanity_check", Passed: true})

	// 7. regime_check
	sizeMultiplier := 1.0
	if !intent.SkipRegimeCheck && e.regime != nil {
		reg, err := e.regime.Classify(symbol)
		if err != nil {
			return fail("regime_check", fmt.Sprintf("regime classification failed: %v", err))
		}
		switch reg {
		case domain.RegimeUntradeable:
			return fail("regime_check", "market regime is untradeable")
		case domain.RegimeVolExpansion:
			sizeMultiplier = 0.5
		case domain.RegimeChop:
			sizeMultiplier = 0.7
		case domain.RegimeTrend:
			sizeMultiplier = 1.0
		}
		checks = append(checks, Check{Name: "regime_check", Passed: true, Details: string(reg)})
		if sizeMultiplier < 1 {
			checks = append(checks, Check{
				Name:    "regime_size_adjustment",
				Passed:  true,
				Details: fmt.Sprintf("recommended size fraction %.2f", sizeMultiplier),
			})
		}
	}

	return Result{Approved: true, Checks: checks, SizeMultiplier: sizeMultiplier}
}

// RecordFill updates the same-day signed-position and P&L bookkeeping that
// feeds the position_size and daily_loss_limit checks.
func (e *Engine) RecordFill(symbol string, side domain.OrderSide, quantity, pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkDayReset()
	symbol = strings.ToUpper(symbol)
	e.signed[symbol] = e.signed[symbol].Add(quantity.Mul(decimal.NewFromInt(int64(side.Sign()))))
	e.dailyPnL = e.dailyPnL.Add(pnl)
}

// ActivateKillSwitch disables trading, persists the change, and — when a
// liquidator is wired — flattens every open managed position through the
// Order Queue's PriorityCritical tier. A liquidation failure is returned
// alongside the already-persisted kill switch state; trading stays blocked
// either way.
func (e *Engine) ActivateKillSwitch() error {
	e.mu.Lock()
	cfg, err := e.refreshConfig()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cfg.TradingEnabled = false
	if err := e.store.SetRiskConfig(cfg); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persisting kill switch: %w", err)
	}
	e.cfg = cfg
	liquidator := e.liquidator
	e.mu.Unlock()

	if liquidator == nil {
		return nil
	}
	if _, err := liquidator.LiquidateAll(); err != nil {
		return fmt.Errorf("liquidating open positions: %w", err)
	}
	return nil
}

// DeactivateKillSwitch re-enables trading and persists the change.
func (e *Engine) DeactivateKillSwitch() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.refreshConfig()
	if err != nil {
		return err
	}
	cfg.TradingEnabled = true
	if err := e.store.SetRiskConfig(cfg); err != nil {
		return fmt.Errorf("persisting kill switch: %w", err)
	}
	e.cfg = cfg
	return nil
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
