// Package rules implements the Automation Rule Engine (§4.F): rule CRUD,
// per-tick trigger evaluation, OCO sibling cancellation, expiry sweep, and
// enriched read paths used outside the monitor tick.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/automation-orchestrator/internal/broker"
	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/orderqueue"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// Engine owns rule persistence, evaluation and submission through the Order
// Queue.
type Engine struct {
	store  storage.Interface
	queue  *orderqueue.Queue
	broker broker.Broker
	clock  func() time.Time
}

// NewEngine constructs a rules Engine. clock defaults to time.Now when nil.
func NewEngine(store storage.Interface, queue *orderqueue.Queue, brokerClient broker.Broker, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{store: store, queue: queue, broker: brokerClient, clock: clock}
}

// Create validates and persists a new rule. Callers build the rule via one
// of the domain factories (CreateStopLossRule, CreateTakeProfitRule, ...).
func (e *Engine) Create(rule *domain.AutomationRule) error {
	return e.store.CreateRule(rule)
}

// Cancel transitions a rule to cancelled and persists the change.
func (e *Engine) Cancel(id string) error {
	rule, err := e.store.GetRule(id)
	if err != nil {
		return fmt.Errorf("loading rule %s: %w", id, err)
	}
	rule.Cancel()
	return e.store.UpdateRule(rule)
}

// EnrichedRule pairs a rule with its current-tick derived pricing, per the
// getActiveRules/getAllRules read-path contract. Fields are nil when the
// quote fetch failed; DistanceToTriggerPct is also nil when the mid price is
// zero. A rule with no entry-derived reference price uses its TriggerValue as
// TriggerPrice.
type EnrichedRule struct {
	*domain.AutomationRule
	CurrentPrice          *decimal.Decimal
	TriggerPrice          *decimal.Decimal
	DistanceToTrigger     *decimal.Decimal
	DistanceToTriggerPct  *decimal.Decimal
}

// ListActive returns active rules without the read-path enrichment
// (no quote fetch), for callers that only need rule/symbol bookkeeping — the
// monitor tick's own dedup quote fetch uses this instead of GetActiveRules.
func (e *Engine) ListActive() ([]*domain.AutomationRule, error) {
	rules, err := e.store.GetActiveRules("")
	if errors.Is(err, storage.ErrMissing) {
		return nil, nil
	}
	return rules, err
}

// GetActiveRules returns active rules (optionally filtered by symbol)
// enriched with current-price derived fields. A missing rule table yields an
// empty result; other storage errors propagate.
func (e *Engine) GetActiveRules(ctx context.Context, symbol string) ([]EnrichedRule, error) {
	rules, err := e.store.GetActiveRules(symbol)
	if err != nil {
		if errors.Is(err, storage.ErrMissing) {
			return nil, nil
		}
		return nil, err
	}
	return e.enrich(ctx, rules)
}

// GetAllRules returns up to limit rules, unfiltered by status, enriched the
// same way as GetActiveRules.
func (e *Engine) GetAllRules(ctx context.Context, limit int) ([]EnrichedRule, error) {
	rules, err := e.store.GetAllRules(limit)
	if err != nil {
		if errors.Is(err, storage.ErrMissing) {
			return nil, nil
		}
		return nil, err
	}
	return e.enrich(ctx, rules)
}

// enrich deduplicates rule symbols and fetches each exactly once via an
// errgroup fan-out (one goroutine per distinct symbol, no concurrency limit)
// before computing derived fields.
func (e *Engine) enrich(ctx context.Context, rules []*domain.AutomationRule) ([]EnrichedRule, error) {
	symbols := map[string]struct{}{}
	for _, r := range rules {
		symbols[r.Symbol] = struct{}{}
	}

	quotes := make(map[string]domain.Quote, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			q, err := e.broker.GetLatestQuote(gctx, symbol)
			if err != nil {
				// A failed quote leaves the rule's derived fields unset; it
				// does not drop the rule or abort the batch.
				return nil
			}
			mu.Lock()
			quotes[symbol] = q
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]EnrichedRule, len(rules))
	for i, r := range rules {
		out[i] = EnrichedRule{AutomationRule: r}
		q, ok := quotes[r.Symbol]
		if !ok {
			continue
		}
		mid := q.Mid()
		out[i].CurrentPrice = &mid
		tp := r.TriggerPrice()
		if tp == nil {
			tp = &r.TriggerValue
		}
		out[i].TriggerPrice = tp
		dist := tp.Sub(mid)
		out[i].DistanceToTrigger = &dist
		if !mid.IsZero() {
			pct := dist.Div(mid).Mul(decimal.NewFromInt(100))
			out[i].DistanceToTriggerPct = &pct
		}
	}
	return out, nil
}

// ExpireStale sweeps active-but-expired rules each tick. A missing rule
// table is reported as zero swept rather than an error.
func (e *Engine) ExpireStale(now time.Time) (int, error) {
	n, err := e.store.ExpireStaleRules(now)
	if errors.Is(err, storage.ErrMissing) {
		return 0, nil
	}
	return n, err
}

// TickResult is the per-tick outcome of EvaluateTick.
type TickResult struct {
	RulesChecked   int
	RulesTriggered int
	TriggeredRules []string
	Errors         []error
}

// EvaluateTick evaluates every active enabled rule against the supplied
// quotes (already deduplicated and fetched by the caller, per §4.H), and
// positions (for sizing rules with no explicit quantity). A single rule's
// failure is accumulated into Errors without aborting the tick; the rule
// stays active so the next tick retries it.
func (e *Engine) EvaluateTick(ctx context.Context, quotes map[string]domain.Quote, positions []domain.BrokerPosition) TickResult {
	var result TickResult

	rules, err := e.store.GetActiveRules("")
	if err != nil {
		if errors.Is(err, storage.ErrMissing) {
			return result
		}
		result.Errors = append(result.Errors, fmt.Errorf("loading active rules: %w", err))
		return result
	}

	for _, rule := range rules {
		if !rule.Enabled || rule.Status != domain.RuleStatusActive {
			continue
		}
		result.RulesChecked++

		quote, ok := quotes[rule.Symbol]
		if !ok {
			continue
		}
		if !rule.Evaluate(quote.Mid()) {
			continue
		}
		if _, ok := resolveQuantity(rule, positions); !ok {
			continue
		}

		if err := e.fire(ctx, rule, quote.Mid(), positions); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		result.RulesTriggered++
		result.TriggeredRules = append(result.TriggeredRules, rule.ID)
	}
	return result
}

// fire submits the rule's order, transitions it to triggered, persists the
// execution record, and cancels OCO siblings (§4.F step 4).
func (e *Engine) fire(ctx context.Context, rule *domain.AutomationRule, triggerPrice decimal.Decimal, positions []domain.BrokerPosition) error {
	qty, ok := resolveQuantity(rule, positions)
	if !ok {
		return nil // no matching position and no explicit quantity: skip silently
	}

	req := orderqueue.NewMarketOrder(rule.Symbol, rule.OrderSide, qty)
	if rule.OrderType == domain.OrderTypeLimit && rule.LimitPrice != nil {
		req = orderqueue.NewLimitOrder(rule.Symbol, rule.OrderSide, qty, *rule.LimitPrice)
	}

	order, err := e.queue.Enqueue(req, orderqueue.PriorityNormal, map[string]string{"rule_id": rule.ID})
	if err != nil {
		return fmt.Errorf("submitting order: %w", err)
	}

	now := e.clock().UTC()
	rule.MarkTriggered(order.ID, now)

	// OCO siblings must be cancelled before the triggering rule's own status
	// update is persisted: sqlstore runs each of these as its own transaction,
	// so call-site order is the only thing preventing a crash between the two
	// from leaving a sibling active against an already-triggered rule.
	if rule.OCOGroupID != nil {
		if _, err := e.store.CancelSiblingRules(*rule.OCOGroupID, rule.ID); err != nil {
			return fmt.Errorf("cancelling oco siblings: %w", err)
		}
	}

	if err := e.store.UpdateRule(rule); err != nil {
		return fmt.Errorf("persisting triggered rule: %w", err)
	}

	if err := e.store.RecordExecution(&storage.AutomationExecution{
		ID:            "exec_" + order.ID,
		RuleID:        rule.ID,
		TriggerPrice:  triggerPrice,
		ExecutedPrice: triggerPrice,
		Quantity:      qty,
		OrderID:       order.ID,
		OrderStatus:   string(order.State),
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// resolveQuantity is rule.Quantity when set, else the absolute quantity of
// the matching live broker position. ok is false when neither is available.
func resolveQuantity(rule *domain.AutomationRule, positions []domain.BrokerPosition) (decimal.Decimal, bool) {
	if rule.Quantity != nil {
		return *rule.Quantity, true
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, rule.Symbol) {
			return p.Quantity.Abs(), true
		}
	}
	return decimal.Decimal{}, false
}
