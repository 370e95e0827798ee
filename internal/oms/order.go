package oms

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
)

// DefaultMaxHistoryLength bounds the append-only transitions log (§3).
const DefaultMaxHistoryLength = 100

// TransitionRecord is one entry in an order's append-only transition log.
type TransitionRecord struct {
	From OrderState
	To   OrderState
	Event Event
	At   time.Time
}

// Fill is a single (possibly partial) execution against an order.
type Fill struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}

// ErrFillRejected is returned when a fill is applied to a terminal or
// not-yet-submitted order.
var ErrFillRejected = errors.New("fill rejected: order not in a fillable state")

// Order is a single ManagedOrder tracked by the state machine (§3).
type Order struct {
	ID            string
	ClientOrderID string
	BrokerOrderID *string

	Symbol      string
	Side        domain.OrderSide
	OrderType   domain.OrderType
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce domain.TimeInForce

	State         OrderState
	PreviousState OrderState
	Transitions   []TransitionRecord

	Fills             []Fill
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	AvgFillPrice      decimal.Decimal

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time

	maxHistoryLength int
}

// NewOrder constructs an order in CREATED state with RemainingQuantity = Quantity.
func NewOrder(id, clientOrderID, symbol string, side domain.OrderSide, orderType domain.OrderType,
	quantity decimal.Decimal) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:                id,
		ClientOrderID:     clientOrderID,
		Symbol:            symbol,
		Side:              side,
		OrderType:         orderType,
		Quantity:          quantity,
		TimeInForce:       domain.TIFDay,
		State:             StateCreated,
		PreviousState:     StateCreated,
		RemainingQuantity: quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
		maxHistoryLength:  DefaultMaxHistoryLength,
	}
}

// IsTerminal reports whether the order is in a terminal state.
func (o *Order) IsTerminal() bool {
	return IsTerminal(o.State)
}

// Transition applies event, validating it against the transition table and
// recording it in the bounded history (§4.C).
func (o *Order) Transition(event Event) error {
	to, err := resolve(o.State, event)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	o.PreviousState = o.State
	o.State = to
	o.UpdatedAt = now

	o.Transitions = append(o.Transitions, TransitionRecord{From: o.PreviousState, To: to, Event: event, At: now})
	if len(o.Transitions) > o.maxHistoryLength {
		o.Transitions = o.Transitions[len(o.Transitions)-o.maxHistoryLength:]
	}

	switch event {
	case EventSubmit:
		// SUBMITTING is entered; SubmittedAt is stamped on ACKNOWLEDGE below,
		// matching the broker-assigned-id semantics of brokerOrderId.
	case EventAcknowledge:
		o.SubmittedAt = &now
	}
	if IsTerminal(to) {
		o.CompletedAt = &now
	}
	return nil
}

// AssignBrokerOrderID sets brokerOrderId exactly once, on ACKNOWLEDGE (§3 invariant).
func (o *Order) AssignBrokerOrderID(id string) {
	if o.BrokerOrderID == nil {
		o.BrokerOrderID = &id
	}
}

// ApplyFill records a fill and updates accounting, auto-emitting FILL when
// RemainingQuantity reaches zero, otherwise PARTIAL_FILL (§4.C fill handling).
func (o *Order) ApplyFill(qty, price decimal.Decimal, at time.Time) error {
	if o.State != StateSubmitted && o.State != StatePartial {
		return ErrFillRejected
	}

	priorTotal := o.FilledQuantity
	priorNotional := o.AvgFillPrice.Mul(priorTotal)
	newTotal := priorTotal.Add(qty)
	newNotional := priorNotional.Add(qty.Mul(price))

	o.Fills = append(o.Fills, Fill{Quantity: qty, Price: price, At: at})
	o.FilledQuantity = newTotal
	o.RemainingQuantity = o.Quantity.Sub(newTotal)
	if o.RemainingQuantity.Sign() < 0 {
		o.RemainingQuantity = decimal.Zero
	}
	if newTotal.Sign() > 0 {
		o.AvgFillPrice = newNotional.Div(newTotal)
	}

	if o.RemainingQuantity.Sign() <= 0 {
		return o.Transition(EventFill)
	}
	if o.State == StateSubmitted {
		return o.Transition(EventPartialFill)
	}
	// Already PARTIAL: further fills stay in PARTIAL per spec, no transition emitted.
	o.UpdatedAt = at
	return nil
}
