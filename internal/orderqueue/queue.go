// Package orderqueue implements the priority-ordered submission pipeline
// (§4.D): a container/heap-backed queue, rate-limited draining through the
// OMS state machine and the broker (itself wrapped by the Circuit Breaker),
// with the Retry Engine providing business-level retry policy above the
// broker's own transport retry.
package orderqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/automation-orchestrator/internal/broker"
	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/oms"
	"github.com/eddiefleurent/automation-orchestrator/internal/retry"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// Priority orders queue draining; higher weight drains first. Weights per
// §4.D: {critical:1000, high:100, normal:10, low:1}; only the relative order
// matters to the heap, so the constants below preserve that order without
// encoding the weights themselves.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Item is one queued submission request.
type Item struct {
	OrderID  string // oms.Order.ID, registered before enqueue
	Request  domain.OrderRequest
	Priority Priority
	Meta     map[string]string // e.g. linking bracket children back to their entry

	createdAt time.Time
	index     int
	attempts  int // queue-level retry count, distinct from retry.Do's per-call attempts
}

// heapSlice implements container/heap ordered by (priority desc, createdAt asc).
type heapSlice []*Item

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapSlice) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Config controls queue draining and per-call timeouts.
type Config struct {
	RateLimitDelay  time.Duration // minimum spacing between successive submissions
	SubmitTimeout   time.Duration // per-call context deadline (§5 recommends ≤5s)
	Retry           retry.Config
	MaxQueueRetries int // bound on queue-level re-enqueue attempts after a transient submission failure
}

// DefaultConfig matches §4.D/§5's documented defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitDelay:  100 * time.Millisecond,
		SubmitTimeout:   5 * time.Second,
		Retry:           retry.DefaultConfig(),
		MaxQueueRetries: 3,
	}
}

// Queue is the priority-ordered submission pipeline.
type Queue struct {
	mu             sync.Mutex
	items          heapSlice
	oms            *oms.Manager
	broker         broker.Broker
	store          storage.Interface
	cfg            Config
	lastSubmitTime time.Time
	processing     bool
}

// New constructs a Queue bound to an OMS registry, a broker collaborator,
// and the audit-trail store (§4.D step 5).
func New(omsManager *oms.Manager, brokerClient broker.Broker, store storage.Interface, cfg Config) *Queue {
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = DefaultConfig().RateLimitDelay
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.MaxQueueRetries <= 0 {
		cfg.MaxQueueRetries = DefaultConfig().MaxQueueRetries
	}
	q := &Queue{oms: omsManager, broker: brokerClient, store: store, cfg: cfg}
	heap.Init(&q.items)
	return q
}

// recordAudit best-effort persists one audit-trail row; a store failure must
// never block order-queue draining.
func (q *Queue) recordAudit(orderID string, typ storage.AuditEventType, detail string) {
	if q.store == nil {
		return
	}
	_ = q.store.RecordAuditEvent(storage.AuditEvent{
		OrderID:   orderID,
		Type:      typ,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

// Enqueue registers a new order with the OMS and adds it to the queue,
// transitioning CREATED -> PENDING.
func (q *Queue) Enqueue(req domain.OrderRequest, priority Priority, meta map[string]string) (*oms.Order, error) {
	id := uuid.NewString()
	if req.ClientOrderID == "" {
		req.ClientOrderID = "ord_" + id
	}
	order := oms.NewOrder(id, req.ClientOrderID, req.Symbol, req.Side, req.Type, req.Quantity)
	q.oms.Register(order)
	if err := q.oms.Transition(id, oms.EventQueue, ""); err != nil {
		return nil, fmt.Errorf("queuing order %s: %w", id, err)
	}

	q.mu.Lock()
	heap.Push(&q.items, &Item{OrderID: id, Request: req, Priority: priority, Meta: meta, createdAt: time.Now().UTC()})
	q.mu.Unlock()

	q.recordAudit(id, storage.AuditQueued, fmt.Sprintf("priority=%d", priority))
	return order, nil
}

// Len reports the number of items awaiting submission.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*Item), true
}

// ProcessQueue drains the queue, pacing submissions to at most one per
// RateLimitDelay, until the queue empties or ctx is cancelled. A call made
// while another is still in flight returns an "already processing" error at
// once.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return errors.New("already processing")
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, ok := q.pop()
		if !ok {
			return nil
		}

		q.mu.Lock()
		wait := q.cfg.RateLimitDelay - time.Since(q.lastSubmitTime)
		q.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		q.submit(ctx, item)

		q.mu.Lock()
		q.lastSubmitTime = time.Now()
		q.mu.Unlock()
	}
}

// submit drives one order through VALIDATE/SUBMIT and the broker call. A
// transient failure (retry.Do exhausts its own attempts against a retryable
// error) is re-enqueued with backoff up to cfg.MaxQueueRetries before the
// order is given up as FAILED; a non-retryable error is the broker rejecting
// the order outright and goes straight to REJECTED (§4.D step 4).
func (q *Queue) submit(ctx context.Context, item *Item) {
	if item.attempts == 0 {
		if err := q.oms.Transition(item.OrderID, oms.EventValidate, ""); err != nil {
			return
		}
		if err := q.oms.Transition(item.OrderID, oms.EventSubmit, ""); err != nil {
			return
		}
		q.recordAudit(item.OrderID, storage.AuditStatusUpdated, string(oms.StateSubmitting))
	}

	submitCtx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	defer cancel()

	resp, err := retry.Do(submitCtx, q.cfg.Retry, func(ctx context.Context) (domain.OrderResponse, error) {
		return q.broker.SubmitOrder(ctx, item.Request)
	})
	if err != nil {
		if errors.Is(err, retry.ErrAttemptsExhausted) && item.attempts+1 < q.cfg.MaxQueueRetries {
			item.attempts++
			q.recordAudit(item.OrderID, storage.AuditRetryScheduled, err.Error())
			q.requeue(item)
			return
		}
		if errors.Is(err, retry.ErrAttemptsExhausted) {
			_ = q.oms.Transition(item.OrderID, oms.EventFail, "")
			q.recordAudit(item.OrderID, storage.AuditFailed, err.Error())
			return
		}
		_ = q.oms.Transition(item.OrderID, oms.EventReject, "")
		q.recordAudit(item.OrderID, storage.AuditRejected, err.Error())
		return
	}

	_ = q.oms.Transition(item.OrderID, oms.EventAcknowledge, resp.BrokerOrderID)
	q.recordAudit(item.OrderID, storage.AuditStatusUpdated, string(oms.StateSubmitted))
	if resp.FilledQty.IsPositive() {
		_ = q.oms.ApplyFill(item.OrderID, resp.FilledQty, resp.FilledAvgPrice, time.Now().UTC())
	}
}

// requeue schedules item back onto the heap after a backoff delay scaled by
// its queue-level attempt count, keeping a retried item out of the drain
// loop's tight spin instead of busy-looping it back to the front.
func (q *Queue) requeue(item *Item) {
	delay := retry.Delay(q.cfg.Retry, item.attempts)
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		item.createdAt = time.Now().UTC()
		heap.Push(&q.items, item)
		q.mu.Unlock()
	})
}

// CancelOrder cancels a queued or submitted order. Pending local orders
// transition directly to CANCELLED; submitted/partial orders must first
// succeed against the broker cancel endpoint.
func (q *Queue) CancelOrder(ctx context.Context, orderID string) error {
	order, err := q.oms.Get(orderID)
	if err != nil {
		return err
	}

	if order.BrokerOrderID != nil {
		if err := q.broker.CancelOrder(ctx, *order.BrokerOrderID); err != nil {
			return fmt.Errorf("cancelling broker order %s: %w", *order.BrokerOrderID, err)
		}
	}
	return q.oms.Transition(orderID, oms.EventCancel, "")
}

// SyncOrderStatuses reconciles SUBMITTED/PARTIAL orders against the broker
// in one batch, fanning the per-status broker queries out concurrently.
func (q *Queue) SyncOrderStatuses(ctx context.Context) error {
	pending := q.pendingOrders()
	if len(pending) == 0 {
		return nil
	}

	statuses := map[string]struct{}{}
	for _, o := range pending {
		statuses[string(o.State)] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	responses := make([][]domain.OrderResponse, 0, len(statuses))
	var mu sync.Mutex
	for status := range statuses {
		status := status
		g.Go(func() error {
			resp, err := q.broker.GetOrders(gctx, status)
			if err != nil {
				return fmt.Errorf("fetching broker orders for status %s: %w", status, err)
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byBrokerID := make(map[string]domain.OrderResponse)
	for _, batch := range responses {
		for _, r := range batch {
			byBrokerID[r.BrokerOrderID] = r
		}
	}

	for _, o := range pending {
		if o.BrokerOrderID == nil {
			continue
		}
		resp, ok := byBrokerID[*o.BrokerOrderID]
		if !ok {
			// Order not reported under any polled status; the broker may have
			// filled it between polls. Reconcile against live positions
			// before leaving it stuck as SUBMITTED/PARTIAL.
			if _, err := q.reconcileBeforeTimeout(ctx, o.ID); err != nil {
				return err
			}
			continue
		}
		delta := resp.FilledQty.Sub(o.FilledQuantity)
		if delta.IsPositive() {
			_ = q.oms.ApplyFill(o.ID, delta, resp.FilledAvgPrice, time.Now().UTC())
		}
	}
	return nil
}

// reconcileBeforeTimeout checks live broker positions before treating a
// stalled order as failed, so a fill lost to a polling gap is recovered
// instead of the order being wrongly marked dead.
func (q *Queue) reconcileBeforeTimeout(ctx context.Context, orderID string) (recovered bool, err error) {
	order, err := q.oms.Get(orderID)
	if err != nil {
		return false, err
	}
	positions, err := q.broker.GetPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching broker positions for timeout reconciliation: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == order.Symbol && p.Quantity.Abs().Equal(order.Quantity) {
			_ = q.oms.ApplyFill(orderID, order.Quantity, p.AvgEntryPrice, time.Now().UTC())
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) pendingOrders() []*oms.Order {
	var pending []*oms.Order
	for _, o := range q.oms.Snapshot() {
		if o.State == oms.StateSubmitted || o.State == oms.StatePartial {
			pending = append(pending, o)
		}
	}
	return pending
}

// NewMarketOrder builds a market-order request.
func NewMarketOrder(symbol string, side domain.OrderSide, quantity decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{Symbol: symbol, Side: side, Type: domain.OrderTypeMarket, Quantity: quantity, TimeInForce: domain.TIFDay}
}

// NewLimitOrder builds a limit-order request.
func NewLimitOrder(symbol string, side domain.OrderSide, quantity, limitPrice decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{Symbol: symbol, Side: side, Type: domain.OrderTypeLimit, Quantity: quantity, LimitPrice: limitPrice, TimeInForce: domain.TIFDay}
}

// NewStopOrder builds a stop-triggered market-order request.
func NewStopOrder(symbol string, side domain.OrderSide, quantity, stopPrice decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{Symbol: symbol, Side: side, Type: domain.OrderTypeMarket, Quantity: quantity, StopPrice: stopPrice, TimeInForce: domain.TIFDay}
}

// BracketOrders builds an entry request plus its opposite-side stop-loss and
// take-profit children. The three are plain request values with no order ID
// yet; EnqueueBracket is what links the children back to the entry.
func BracketOrders(symbol string, side domain.OrderSide, quantity, entryLimit, stopPrice, takeProfitPrice decimal.Decimal) (entry domain.OrderRequest, stop domain.OrderRequest, takeProfit domain.OrderRequest) {
	exitSide := domain.SideSell
	if side == domain.SideSell {
		exitSide = domain.SideBuy
	}
	entry = NewLimitOrder(symbol, side, quantity, entryLimit)
	stop = NewStopOrder(symbol, exitSide, quantity, stopPrice)
	takeProfit = NewLimitOrder(symbol, exitSide, quantity, takeProfitPrice)
	return entry, stop, takeProfit
}

// EnqueueBracket enqueues an entry order plus its stop-loss/take-profit
// children, tagging both children's Meta["bracket_entry"] with the entry's
// OrderID once it is known so a later cancel can pull the whole group.
func (q *Queue) EnqueueBracket(symbol string, side domain.OrderSide, quantity, entryLimit, stopPrice, takeProfitPrice decimal.Decimal) (entryOrder, stopOrder, takeProfitOrder *oms.Order, err error) {
	entryReq, stopReq, tpReq := BracketOrders(symbol, side, quantity, entryLimit, stopPrice, takeProfitPrice)

	entryOrder, err = q.Enqueue(entryReq, PriorityNormal, map[string]string{"purpose": "bracket_entry"})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("enqueuing bracket entry: %w", err)
	}

	linkMeta := map[string]string{"bracket_entry": entryOrder.ID}
	stopOrder, err = q.Enqueue(stopReq, PriorityHigh, linkMeta)
	if err != nil {
		return entryOrder, nil, nil, fmt.Errorf("enqueuing bracket stop: %w", err)
	}
	takeProfitOrder, err = q.Enqueue(tpReq, PriorityHigh, linkMeta)
	if err != nil {
		return entryOrder, stopOrder, nil, fmt.Errorf("enqueuing bracket take-profit: %w", err)
	}
	return entryOrder, stopOrder, takeProfitOrder, nil
}
