// Package monitor implements the scheduled tick loop (§4.H): one
// monitorAndExecute pass expires stale rules, evaluates active rules and
// managed positions against deduplicated, concurrently-fetched quotes, and
// records position snapshots.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/automation-orchestrator/internal/broker"
	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/oms"
	"github.com/eddiefleurent/automation-orchestrator/internal/positions"
	"github.com/eddiefleurent/automation-orchestrator/internal/rules"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// TickResult is the aggregate outcome of one monitorAndExecute pass.
type TickResult struct {
	RulesExpired      int
	RulesChecked      int
	RulesTriggered    int
	TriggeredRules    []string
	PositionsChecked  int
	PositionsClosed   int
	AlertsCreated     int
	SnapshotsRecorded int
	Errors            []error
}

// Loop owns the tick-level single-flight guard and the engines it drives.
type Loop struct {
	broker    broker.Broker
	rules     *rules.Engine
	positions *positions.Engine
	store     storage.Interface
	oms       *oms.Manager
	clock     func() time.Time

	// guard is a buffered channel of size 1 used as a non-blocking lock: a
	// tick that finds it full returns immediately instead of overlapping
	// with one already in flight, the same single-flight idiom the teacher
	// uses for its own trading cycle.
	guard chan struct{}
}

// NewLoop constructs a monitor Loop. clock defaults to time.Now when nil.
func NewLoop(brokerClient broker.Broker, rulesEngine *rules.Engine, positionsEngine *positions.Engine,
	store storage.Interface, omsManager *oms.Manager, clock func() time.Time) *Loop {
	if clock == nil {
		clock = time.Now
	}
	return &Loop{
		broker:    brokerClient,
		rules:     rulesEngine,
		positions: positionsEngine,
		store:     store,
		oms:       omsManager,
		clock:     clock,
		guard:     make(chan struct{}, 1),
	}
}

// Tick runs one monitorAndExecute pass. A tick that overlaps one already in
// flight is a no-op returning a zero TickResult (§4.H, §5).
func (l *Loop) Tick(ctx context.Context) TickResult {
	select {
	case l.guard <- struct{}{}:
		defer func() { <-l.guard }()
	default:
		return TickResult{}
	}

	var result TickResult
	now := l.clock().UTC()

	expired, err := l.rules.ExpireStale(now)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("expiring stale rules: %w", err))
	}
	result.RulesExpired = expired

	activeRules, brokerPositions, managedPositions, err := l.fetchTickInputs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	quotes, quoteErrs := l.fetchQuotes(ctx, dedupSymbols(activeRules, brokerPositions, managedPositions))
	result.Errors = append(result.Errors, quoteErrs...)

	ruleResult := l.rules.EvaluateTick(ctx, quotes, brokerPositions)
	result.RulesChecked = ruleResult.RulesChecked
	result.RulesTriggered = ruleResult.RulesTriggered
	result.TriggeredRules = ruleResult.TriggeredRules
	result.Errors = append(result.Errors, ruleResult.Errors...)

	for _, p := range brokerPositions {
		price := p.CurrentPrice
		if q, ok := quotes[p.Symbol]; ok {
			price = q.Mid()
		}
		if err := l.store.RecordSnapshot(domain.PositionSnapshot{
			Symbol:          p.Symbol,
			Quantity:        p.Quantity,
			AvgEntryPrice:   p.AvgEntryPrice,
			CurrentPrice:    price,
			MarketValue:     p.MarketValue,
			UnrealizedPL:    p.UnrealizedPL,
			UnrealizedPLPct: p.UnrealizedPLPct,
			Timestamp:       now.UnixNano(),
		}); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("recording snapshot for %s: %w", p.Symbol, err))
			continue
		}
		result.SnapshotsRecorded++
	}

	posResult := l.positions.CheckAll(quotes)
	result.PositionsChecked = posResult.PositionsChecked
	result.PositionsClosed = posResult.PositionsClosed
	result.AlertsCreated = posResult.AlertsCreated
	result.Errors = append(result.Errors, posResult.Errors...)

	return result
}

// fetchTickInputs fetches active rules, live broker positions and active
// managed positions concurrently (§4.H step 2).
func (l *Loop) fetchTickInputs(ctx context.Context) (activeRules []*domain.AutomationRule, brokerPositions []domain.BrokerPosition, managedPositions []*domain.ManagedPosition, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, err := l.rules.ListActive()
		if err != nil {
			return fmt.Errorf("loading active rules: %w", err)
		}
		activeRules = r
		return nil
	})
	g.Go(func() error {
		p, err := l.broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("loading broker positions: %w", err)
		}
		brokerPositions = p
		return nil
	})
	g.Go(func() error {
		p, err := l.store.GetActiveManagedPositions()
		if err != nil {
			return fmt.Errorf("loading managed positions: %w", err)
		}
		managedPositions = p
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return activeRules, brokerPositions, managedPositions, nil
}

// fetchQuotes fetches one quote per distinct symbol concurrently. A failed
// quote is recorded as an error but does not abort the remaining fetches.
func (l *Loop) fetchQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, []error) {
	quotes := make(map[string]domain.Quote, len(symbols))
	errs := make([]error, 0)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			q, err := l.broker.GetLatestQuote(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("fetching quote for %s: %w", symbol, err))
				return nil
			}
			quotes[symbol] = q
			return nil
		})
	}
	_ = g.Wait()
	return quotes, errs
}

func dedupSymbols(activeRules []*domain.AutomationRule, brokerPositions []domain.BrokerPosition, managedPositions []*domain.ManagedPosition) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(symbol string) {
		if symbol == "" {
			return
		}
		if _, ok := seen[symbol]; ok {
			return
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	for _, r := range activeRules {
		add(r.Symbol)
	}
	for _, p := range brokerPositions {
		add(p.Symbol)
	}
	for _, p := range managedPositions {
		add(p.Symbol)
	}
	return out
}

// CleanupSnapshots removes position snapshots older than retention, run on
// its own slower cadence (§4.H, default 30 days).
func (l *Loop) CleanupSnapshots(retention time.Duration) (int, error) {
	cutoff := l.clock().UTC().Add(-retention)
	return l.store.CleanupSnapshots(cutoff)
}

// PruneCompleted evicts terminal OMS orders older than maxAge, run on its
// own slower cadence (§4.H, e.g. hourly).
func (l *Loop) PruneCompleted(maxAge time.Duration) int {
	return l.oms.PruneCompleted(l.clock().UTC(), maxAge)
}
