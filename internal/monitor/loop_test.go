package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/oms"
	"github.com/eddiefleurent/automation-orchestrator/internal/orderqueue"
	"github.com/eddiefleurent/automation-orchestrator/internal/positions"
	"github.com/eddiefleurent/automation-orchestrator/internal/risk"
	"github.com/eddiefleurent/automation-orchestrator/internal/rules"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage/jsonstore"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) GetLatestQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(domain.Quote), args.Error(1)
}

func (m *mockBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.BrokerPosition), args.Error(1)
}

func (m *mockBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.OrderResponse), args.Error(1)
}

func (m *mockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	args := m.Called(ctx, brokerOrderID)
	return args.Error(0)
}

func (m *mockBroker) GetOrders(ctx context.Context, status string) ([]domain.OrderResponse, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]domain.OrderResponse), args.Error(1)
}

func newTestLoop(t *testing.T) (*Loop, *jsonstore.Store, *mockBroker) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := jsonstore.New(path)
	require.NoError(t, err)

	cfg := domain.DefaultRiskConfig()
	cfg.TradingEnabled = true
	require.NoError(t, store.SetRiskConfig(cfg))

	brokerMock := new(mockBroker)
	manager := oms.NewManager()
	queue := orderqueue.New(manager, brokerMock, store, orderqueue.Config{RateLimitDelay: time.Millisecond, SubmitTimeout: time.Second})

	clock := func() time.Time { return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) }
	rulesEngine := rules.NewEngine(store, queue, brokerMock, clock)
	riskEngine := risk.NewEngine(store, risk.FixedRegimeProvider{Regime: domain.RegimeTrend}, clock)
	confidence := positions.FixedConfidenceProvider{Result: positions.ConfidenceResult{Score: 7, Recommendation: "ENTER"}}
	positionsEngine := positions.NewEngine(store, queue, riskEngine, confidence, clock)

	loop := NewLoop(brokerMock, rulesEngine, positionsEngine, store, manager, clock)
	return loop, store, brokerMock
}

func TestTick_EvaluatesRuleAgainstDedupedQuote(t *testing.T) {
	loop, store, brokerMock := newTestLoop(t)
	brokerMock.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(domain.OrderResponse{BrokerOrderID: "b1"}, nil)
	brokerMock.On("GetPositions", mock.Anything).Return([]domain.BrokerPosition{}, nil)
	brokerMock.On("GetLatestQuote", mock.Anything, "SPY").
		Return(domain.Quote{Symbol: "SPY", Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(101)}, nil)

	qty := decimal.NewFromInt(10)
	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(100),
		decimal.NewFromInt(100), domain.SideSell, &qty)
	require.NoError(t, err)
	require.NoError(t, store.CreateRule(rule))

	result := loop.Tick(context.Background())
	assert.Equal(t, 1, result.RulesChecked)
	assert.Equal(t, 1, result.RulesTriggered)
	assert.Empty(t, result.Errors)

	brokerMock.AssertNumberOfCalls(t, "GetLatestQuote", 1)
}

func TestTick_RecordsSnapshotPerBrokerPosition(t *testing.T) {
	loop, _, brokerMock := newTestLoop(t)
	brokerMock.On("GetPositions", mock.Anything).Return([]domain.BrokerPosition{
		{Symbol: "AAPL", Quantity: decimal.NewFromInt(5), CurrentPrice: decimal.NewFromInt(150)},
	}, nil)
	brokerMock.On("GetLatestQuote", mock.Anything, "AAPL").
		Return(domain.Quote{Symbol: "AAPL", Bid: decimal.NewFromInt(151), Ask: decimal.NewFromInt(151)}, nil)

	result := loop.Tick(context.Background())
	assert.Equal(t, 1, result.SnapshotsRecorded)
	assert.Empty(t, result.Errors)
}

func TestTick_ChecksManagedPositionNotMirroredByRuleOrBrokerPosition(t *testing.T) {
	loop, store, brokerMock := newTestLoop(t)
	brokerMock.On("GetPositions", mock.Anything).Return([]domain.BrokerPosition{}, nil)
	brokerMock.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(domain.OrderResponse{BrokerOrderID: "b1"}, nil)
	brokerMock.On("GetLatestQuote", mock.Anything, "MSFT").
		Return(domain.Quote{Symbol: "MSFT", Bid: decimal.NewFromInt(200), Ask: decimal.NewFromInt(200)}, nil)

	tp := decimal.NewFromInt(1)
	sl := decimal.NewFromInt(50)
	pos := domain.ManagedPosition{
		ID: "pos_1", Symbol: "MSFT", Side: domain.SideBuy,
		Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(198),
		TakeProfitPct: tp, StopLossPct: sl, HighWaterMark: decimal.NewFromInt(198),
		EnteredAt: time.Now().UTC(), Status: domain.PositionActive,
	}
	require.NoError(t, store.CreateManagedPosition(&pos))

	result := loop.Tick(context.Background())
	assert.Equal(t, 1, result.PositionsChecked)
	assert.Equal(t, 1, result.PositionsClosed)
	brokerMock.AssertCalled(t, "GetLatestQuote", mock.Anything, "MSFT")
}

func TestTick_OverlappingCallIsANoOp(t *testing.T) {
	loop, _, brokerMock := newTestLoop(t)
	release := make(chan struct{})
	brokerMock.On("GetPositions", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]domain.BrokerPosition{}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Tick(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	second := loop.Tick(context.Background())
	assert.Equal(t, TickResult{}, second)

	close(release)
	wg.Wait()
}

func TestDedupSymbols_UnionsAllThreeSources(t *testing.T) {
	rulesList := []*domain.AutomationRule{{Symbol: "SPY"}}
	brokerPositions := []domain.BrokerPosition{{Symbol: "SPY"}, {Symbol: "AAPL"}}
	managedPositions := []*domain.ManagedPosition{{Symbol: "MSFT"}}

	got := dedupSymbols(rulesList, brokerPositions, managedPositions)
	assert.ElementsMatch(t, []string{"SPY", "AAPL", "MSFT"}, got)
}

func TestCleanupSnapshots_DelegatesToStore(t *testing.T) {
	loop, store, _ := newTestLoop(t)
	require.NoError(t, store.RecordSnapshot(domain.PositionSnapshot{Symbol: "SPY", Timestamp: 1}))

	n, err := loop.CleanupSnapshots(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneCompleted_DelegatesToManager(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	n := loop.PruneCompleted(time.Hour)
	assert.Equal(t, 0, n)
}
