package rules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/oms"
	"github.com/eddiefleurent/automation-orchestrator/internal/orderqueue"
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

func newTestEngine(t *testing.T) (*Engine, *jsonstore.Store, *mockBroker) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := jsonstore.New(path)
	require.NoError(t, err)

	brokerMock := new(mockBroker)
	manager := oms.NewManager()
	queue := orderqueue.New(manager, brokerMock, store, orderqueue.Config{RateLimitDelay: time.Millisecond, SubmitTimeout: time.Second})

	clock := func() time.Time { return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) }
	engine := NewEngine(store, queue, brokerMock, clock)
	return engine, store, brokerMock
}

func TestCreate_PersistsRule(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	rule, err := domain.CreateTakeProfitRule("spy", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideBuy, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	got, err := store.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPY", got.Symbol)
}

func TestEvaluateTick_TriggersPriceAboveRule(t *testing.T) {
	engine, _, brokerMock := newTestEngine(t)
	brokerMock.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(domain.OrderResponse{BrokerOrderID: "b1"}, nil)

	qty := decimal.NewFromInt(10)
	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(100),
		decimal.NewFromInt(100), domain.SideSell, &qty)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	quotes := map[string]domain.Quote{"SPY": {Symbol: "SPY", Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(101)}}
	result := engine.EvaluateTick(context.Background(), quotes, nil)

	assert.Equal(t, 1, result.RulesChecked)
	assert.Equal(t, 1, result.RulesTriggered)
	assert.Empty(t, result.Errors)

	got, err := engine.store.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusTriggered, got.Status)
	require.NotNil(t, got.OrderID)
}

func TestEvaluateTick_SkipsUntriggeredRule(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	qty := decimal.NewFromInt(10)
	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(200),
		decimal.NewFromInt(200), domain.SideSell, &qty)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	quotes := map[string]domain.Quote{"SPY": {Symbol: "SPY", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}
	result := engine.EvaluateTick(context.Background(), quotes, nil)

	assert.Equal(t, 1, result.RulesChecked)
	assert.Equal(t, 0, result.RulesTriggered)
}

func TestEvaluateTick_SizesFromMatchingBrokerPosition(t *testing.T) {
	engine, _, brokerMock := newTestEngine(t)
	var submittedQty decimal.Decimal
	brokerMock.On("SubmitOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submittedQty = args.Get(1).(domain.OrderRequest).Quantity
		}).
		Return(domain.OrderResponse{BrokerOrderID: "b1"}, nil)

	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(100),
		decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	quotes := map[string]domain.Quote{"SPY": {Symbol: "SPY", Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(101)}}
	positions := []domain.BrokerPosition{{Symbol: "SPY", Quantity: decimal.NewFromInt(-25)}}
	result := engine.EvaluateTick(context.Background(), quotes, positions)

	require.Equal(t, 1, result.RulesTriggered)
	require.NoError(t, engine.queue.ProcessQueue(context.Background()))
	assert.True(t, submittedQty.Equal(decimal.NewFromInt(25)))
}

func TestEvaluateTick_SkipsWhenNoQuantitySource(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(100),
		decimal.NewFromInt(100), domain.SideSell, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	quotes := map[string]domain.Quote{"SPY": {Symbol: "SPY", Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(101)}}
	result := engine.EvaluateTick(context.Background(), quotes, nil)

	assert.Equal(t, 0, result.RulesTriggered)
	assert.Empty(t, result.Errors)
}

func TestEvaluateTick_CancelsOCOSiblingOnTrigger(t *testing.T) {
	engine, store, brokerMock := newTestEngine(t)
	brokerMock.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(domain.OrderResponse{BrokerOrderID: "b1"}, nil)

	qty := decimal.NewFromInt(1)
	legA, legB, err := domain.CreateOCORule("SPY",
		domain.AutomationRule{RuleType: domain.RuleTakeProfit, TriggerType: domain.TriggerPriceAbove, TriggerValue: decimal.NewFromInt(100), OrderSide: domain.SideSell, Quantity: &qty},
		domain.AutomationRule{RuleType: domain.RuleStopLoss, TriggerType: domain.TriggerPriceBelow, TriggerValue: decimal.NewFromInt(90), OrderSide: domain.SideSell, Quantity: &qty},
	)
	require.NoError(t, err)
	require.NoError(t, engine.Create(legA))
	require.NoError(t, engine.Create(legB))

	quotes := map[string]domain.Quote{"SPY": {Symbol: "SPY", Bid: decimal.NewFromInt(105), Ask: decimal.NewFromInt(105)}}
	result := engine.EvaluateTick(context.Background(), quotes, nil)
	require.Equal(t, 1, result.RulesTriggered)

	siblingB, err := store.GetRule(legB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusCancelled, siblingB.Status)
}

func TestExpireStale_SweepsExpiredRules(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	past := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	qty := decimal.NewFromInt(1)
	rule, err := domain.CreateLimitOrderRule("SPY", domain.TriggerPriceAbove, decimal.NewFromInt(100),
		decimal.NewFromInt(100), domain.SideSell, &qty)
	require.NoError(t, err)
	rule.ExpiresAt = &past
	require.NoError(t, engine.Create(rule))

	n, err := engine.ExpireStale(time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetActiveRules_EnrichesWithCurrentPrice(t *testing.T) {
	engine, _, brokerMock := newTestEngine(t)
	brokerMock.On("GetLatestQuote", mock.Anything, "SPY").
		Return(domain.Quote{Symbol: "SPY", Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101)}, nil)

	rule, err := domain.CreateTakeProfitRule("SPY", decimal.NewFromInt(5), decimal.NewFromInt(100), domain.SideBuy, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Create(rule))

	enriched, err := engine.GetActiveRules(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, enriched, 1)
	require.NotNil(t, enriched[0].CurrentPrice)
	assert.True(t, enriched[0].CurrentPrice.Equal(decimal.NewFromInt(100)))
}
