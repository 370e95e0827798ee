// Package positions implements the Managed Position Engine (§4.G): entry
// creation gated by confidence and risk, per-tick TP/SL/trailing/time-stop
// trigger evaluation, alert idempotence, and the close procedure.
package positions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/orderqueue"
	"github.com/eddiefleurent/automation-orchestrator/internal/risk"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// ConfidenceResult is the outcome of the confidence collaborator (§6): a
// replaceable, pure-function-style scorer the core invokes but never
// implements itself.
type ConfidenceResult struct {
	Score                  int
	Recommendation         string // "ENTER" or "SKIP"
	SuggestedTakeProfitPct *decimal.Decimal
	SuggestedStopLossPct   *decimal.Decimal
}

// RecommendationSkip is the confidence collaborator's veto recommendation.
const RecommendationSkip = "SKIP"

// ConfidenceProvider scores a prospective or open position.
type ConfidenceProvider interface {
	Score(symbol string) (ConfidenceResult, error)
}

// FixedConfidenceProvider is a reference ConfidenceProvider for dry-run and
// test wiring; production deployments supply a real scoring model.
type FixedConfidenceProvider struct {
	Result ConfidenceResult
}

// Score always returns the configured result.
func (f FixedConfidenceProvider) Score(string) (ConfidenceResult, error) {
	if f.Result.Recommendation == "" {
		return ConfidenceResult{Score: 7, Recommendation: "ENTER"}, nil
	}
	return f.Result, nil
}

// defaultTimeStopHours is applied when a creation request omits one.
const defaultTimeStopHours = 4

// CreateRequest describes a prospective managed position.
type CreateRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	TakeProfitPct *decimal.Decimal
	StopLossPct   *decimal.Decimal
	TimeStopHours *decimal.Decimal
	TrailingStopPct *decimal.Decimal
	StrategyID    *string
	SkipRiskCheck bool
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Position *domain.ManagedPosition
	Skipped  bool
	Reason   string
}

// Engine owns managed-position creation, trigger evaluation and the close
// procedure.
type Engine struct {
	store      storage.Interface
	queue      *orderqueue.Queue
	risk       *risk.Engine
	confidence ConfidenceProvider
	clock      func() time.Time
}

// NewEngine constructs a positions Engine. clock defaults to time.Now when nil.
func NewEngine(store storage.Interface, queue *orderqueue.Queue, riskEngine *risk.Engine,
	confidence ConfidenceProvider, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{store: store, queue: queue, risk: riskEngine, confidence: confidence, clock: clock}
}

// Create runs the §4.G creation sequence: confidence gate, risk gate, entry
// submission, and persistence.
func (e *Engine) Create(req CreateRequest) (CreateResult, error) {
	score, err := e.confidence.Score(req.Symbol)
	if err != nil {
		return CreateResult{}, fmt.Errorf("scoring confidence: %w", err)
	}
	if score.Recommendation == RecommendationSkip {
		return CreateResult{Skipped: true, Reason: "skipped: low confidence recommendation"}, nil
	}

	tpPct := req.TakeProfitPct
	if tpPct == nil {
		tpPct = score.SuggestedTakeProfitPct
	}
	slPct := req.StopLossPct
	if slPct == nil {
		slPct = score.SuggestedStopLossPct
	}
	if tpPct == nil || slPct == nil {
		return CreateResult{}, errors.New("no take-profit/stop-loss percentage available from request or confidence collaborator")
	}

	timeStopHours := decimal.NewFromInt(defaultTimeStopHours)
	if req.TimeStopHours != nil {
		timeStopHours = *req.TimeStopHours
	}

	if !req.SkipRiskCheck {
		result := e.risk.CheckIntent(risk.Intent{
			Symbol:    req.Symbol,
			Side:      req.Side,
			Quantity:  req.Quantity,
			OrderType: domain.OrderTypeMarket,
		})
		if !result.Approved {
			return CreateResult{Skipped: true, Reason: "rejected by risk engine: " + result.Reason}, nil
		}
	}

	order, err := e.queue.Enqueue(
		orderqueue.NewMarketOrder(req.Symbol, req.Side, req.Quantity),
		orderqueue.PriorityNormal,
		map[string]string{"purpose": "position_entry"},
	)
	if err != nil {
		return CreateResult{}, fmt.Errorf("submitting entry order: %w", err)
	}

	now := e.clock().UTC()
	if err := e.store.RecordExecution(&storage.AutomationExecution{
		ID:            "exec_" + order.ID,
		TriggerPrice:  req.EntryPrice,
		ExecutedPrice: req.EntryPrice,
		Quantity:      req.Quantity,
		OrderID:       order.ID,
		OrderStatus:   string(order.State),
		CreatedAt:     now,
	}); err != nil {
		return CreateResult{}, fmt.Errorf("recording entry audit: %w", err)
	}

	pos := &domain.ManagedPosition{
		Symbol:          strings.ToUpper(req.Symbol),
		Side:            req.Side,
		Quantity:        req.Quantity,
		EntryPrice:      req.EntryPrice,
		Confidence:      score.Score,
		TakeProfitPct:   *tpPct,
		StopLossPct:     *slPct,
		TimeStopHours:   timeStopHours,
		TrailingStopPct: req.TrailingStopPct,
		HighWaterMark:   req.EntryPrice,
		EnteredAt:       now,
		Status:          domain.PositionActive,
		StrategyID:      req.StrategyID,
	}
	if err := e.store.CreateManagedPosition(pos); err != nil {
		return CreateResult{}, fmt.Errorf("persisting managed position: %w", err)
	}
	return CreateResult{Position: pos}, nil
}

// TickResult is the per-tick outcome of CheckAll.
type TickResult struct {
	PositionsChecked int
	PositionsClosed  int
	AlertsCreated    int
	Errors           []error
}

// CheckAll evaluates every active managed position's triggers against the
// supplied quotes (already deduplicated and fetched by the caller, per
// §4.H). A single position's failure is accumulated into Errors without
// aborting the tick.
func (e *Engine) CheckAll(quotes map[string]domain.Quote) TickResult {
	var result TickResult

	positions, err := e.store.GetActiveManagedPositions()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("loading active positions: %w", err))
		return result
	}

	for _, pos := range positions {
		result.PositionsChecked++
		quote, ok := quotes[pos.Symbol]
		currentPrice := pos.EntryPrice
		if ok {
			currentPrice = quote.Mid()
		}

		closed, alerts, err := e.evaluateOne(pos, currentPrice)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		result.AlertsCreated += alerts
		if closed {
			result.PositionsClosed++
		}
	}
	return result
}

// evaluateOne runs the ordered trigger table for one position (§4.G). Once a
// closing trigger fires, later closing triggers are skipped.
func (e *Engine) evaluateOne(pos *domain.ManagedPosition, price decimal.Decimal) (closed bool, alertsCreated int, err error) {
	now := e.clock().UTC()
	pos.UpdateHighWaterMark(price)

	invert := pos.Side == domain.SideSell
	hit := func(target decimal.Decimal, isUpper bool) bool {
		if isUpper != invert {
			return price.GreaterThanOrEqual(target)
		}
		return price.LessThanOrEqual(target)
	}

	if hit(pos.TakeProfitPrice(), true) {
		if err := e.closePosition(pos, price, domain.CloseReasonTakeProfit); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}
	if hit(pos.StopLossPrice(), false) {
		if err := e.closePosition(pos, price, domain.CloseReasonStopLoss); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}

	if pos.TrailingStopPct != nil {
		trail := pos.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(pos.TrailingStopPct.Div(decimal.NewFromInt(100))))
		if invert {
			trail = pos.HighWaterMark.Mul(decimal.NewFromInt(1).Add(pos.TrailingStopPct.Div(decimal.NewFromInt(100))))
		}
		triggered := price.LessThanOrEqual(trail)
		if invert {
			triggered = price.GreaterThanOrEqual(trail)
		}
		if triggered {
			if err := e.closePosition(pos, price, domain.CloseReasonTrailingStop); err != nil {
				return false, 0, err
			}
			return true, 0, nil
		}
	}

	if pos.HoursRemaining(now).Sign() <= 0 {
		if err := e.closePosition(pos, price, domain.CloseReasonTimeStop); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}

	created := 0
	hoursRemaining := pos.HoursRemaining(now)
	if hoursRemaining.Sign() > 0 && hoursRemaining.LessThanOrEqual(decimal.NewFromInt(1)) {
		_, n, err := e.createAlertOnce(pos, domain.AlertTimeWarning, "time stop within 1 hour")
		if err != nil {
			return false, created, err
		}
		created += n
	}

	score, err := e.confidence.Score(pos.Symbol)
	if err == nil && score.Score <= 3 && pos.Confidence >= 6 {
		_, n, err := e.createAlertOnce(pos, domain.AlertReview, "confidence dropped below review threshold")
		if err != nil {
			return false, created, err
		}
		created += n
	}

	return false, created, nil
}

// createAlertOnce persists an advisory alert unless an identical
// (positionId, type) alert already fired (§4.G alert idempotence). created
// reports whether this call is the one that created the alert, so a caller
// gating a side effect on first-fire (e.g. the close procedure) can skip it
// on a repeat tick.
func (e *Engine) createAlertOnce(pos *domain.ManagedPosition, alertType domain.AlertType, message string) (created bool, alertsCreated int, err error) {
	_, err = e.store.FindTriggeredAlert(pos.ID, alertType)
	if err == nil {
		return false, 0, nil // already fired
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, 0, err
	}

	now := e.clock().UTC()
	if err := e.store.CreateAlert(&domain.Alert{
		PositionID:  pos.ID,
		Type:        alertType,
		Message:     message,
		Triggered:   true,
		TriggeredAt: &now,
		CreatedAt:   now,
	}); err != nil {
		return false, 0, err
	}
	return true, 1, nil
}

// closePosition issues the opposite-side close order and, only once it is
// accepted onto the Order Queue, persists the closed state. A submission
// failure abandons this tick without mutating the position (§4.G close
// procedure). The close alert's idempotence check gates the whole
// procedure: a tick that re-evaluates a position already mid-close (its
// exit order still in flight through the queue) must not resubmit a
// duplicate exit order.
func (e *Engine) closePosition(pos *domain.ManagedPosition, price decimal.Decimal, reason domain.CloseReason) error {
	return e.closePositionAt(pos, price, reason, orderqueue.PriorityHigh)
}

func (e *Engine) closePositionAt(pos *domain.ManagedPosition, price decimal.Decimal, reason domain.CloseReason, priority orderqueue.Priority) error {
	created, _, err := e.createAlertOnce(pos, closeReasonAlertType(reason), string(reason))
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	exitSide := domain.SideSell
	if pos.Side == domain.SideSell {
		exitSide = domain.SideBuy
	}
	order, err := e.queue.Enqueue(
		orderqueue.NewMarketOrder(pos.Symbol, exitSide, pos.Quantity.Abs()),
		priority,
		map[string]string{"purpose": "position_close", "position_id": pos.ID},
	)
	if err != nil {
		return fmt.Errorf("submitting close order: %w", err)
	}

	now := e.clock().UTC()
	pos.Close(price, reason, now)
	if err := e.store.UpdateManagedPosition(pos); err != nil {
		return fmt.Errorf("persisting closed position: %w", err)
	}
	if err := e.store.RecordExecution(&storage.AutomationExecution{
		ID:            "exec_" + order.ID,
		TriggerPrice:  price,
		ExecutedPrice: price,
		Quantity:      pos.Quantity.Abs(),
		OrderID:       order.ID,
		OrderStatus:   string(order.State),
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("recording close audit: %w", err)
	}

	if pos.StrategyID != nil {
		// Best-effort: the position is already closed and its exit order
		// already submitted, so a failure here must not undo either.
		_, _ = e.store.GetStrategyPerformance(*pos.StrategyID)
	}
	return nil
}

// LiquidateAll force-closes every active managed position at
// PriorityCritical, the flattening path run when the kill switch activates.
// It reuses closePosition so the same alert-idempotence gate and audit
// trail apply; a single position's failure is accumulated, not fatal to the
// rest of the sweep.
func (e *Engine) LiquidateAll() (closed int, err error) {
	positions, loadErr := e.store.GetActiveManagedPositions()
	if loadErr != nil {
		return 0, fmt.Errorf("loading active positions: %w", loadErr)
	}

	var errs []error
	for _, pos := range positions {
		if closeErr := e.closePositionAt(pos, pos.HighWaterMark, domain.CloseReasonKillSwitch, orderqueue.PriorityCritical); closeErr != nil {
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, closeErr))
			continue
		}
		closed++
	}
	if len(errs) > 0 {
		return closed, errors.Join(errs...)
	}
	return closed, nil
}

func closeReasonAlertType(reason domain.CloseReason) domain.AlertType {
	switch reason {
	case domain.CloseReasonTakeProfit:
		return domain.AlertTakeProfit
	case domain.CloseReasonStopLoss:
		return domain.AlertStopLoss
	case domain.CloseReasonTrailingStop:
		return domain.AlertTrailingStop
	case domain.CloseReasonTimeStop:
		return domain.AlertTimeStop
	default:
		return domain.AlertReview
	}
}
