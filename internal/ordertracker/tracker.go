// Package ordertracker owns the per-order state machine of spec §4.3,
// generalizing the teacher's internal/orders/order_lifecycle.go idiom (a
// legality table keyed by from-state, a single changeState choke point that
// persists before it notifies) from an e-commerce order lifecycle to the
// broker order lifecycle this engine drives.
package ordertracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/persistence"
)

// SubmitTimeout is the default window before an unresolved SUBMITTING order
// is transitioned to ERROR (spec §4.3).
const SubmitTimeout = 30 * time.Second

// legalTransitions is the state machine table of spec §4.3.
var legalTransitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderDraft:      {domain.OrderSubmitting},
	domain.OrderSubmitting: {domain.OrderSubmitted, domain.OrderRejected, domain.OrderError},
	domain.OrderSubmitted:  {domain.OrderPartial, domain.OrderFilled, domain.OrderCancelling, domain.OrderError},
	domain.OrderAccepted:   {domain.OrderPartial, domain.OrderFilled, domain.OrderCancelling, domain.OrderError},
	domain.OrderPartial:    {domain.OrderPartial, domain.OrderFilled, domain.OrderCancelling, domain.OrderError},
	domain.OrderCancelling: {domain.OrderCancelled, domain.OrderFilled, domain.OrderError},
}

func isLegal(from, to domain.OrderState) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EventHook is implemented by the Trade Manager to receive order
// lifecycle notifications and to carry out the one broker-facing side
// effect the Order Tracker itself cannot perform: a best-effort cancel
// attempt on submit-timeout. The Order Tracker never imports the broker
// or strategy packages directly (arena + handle indirection, Design
// Note 3); this interface is the crossing point for both.
type EventHook interface {
	OnOrderEvent(ctx context.Context, order domain.Order, reason string)

	// RequestCancel asks the Broker Adapter to attempt cancelling order.
	// Fire-and-forget: the tracker has already moved the order to ERROR
	// by the time this is called (spec §4.3 submit-timeout handling).
	RequestCancel(ctx context.Context, order domain.Order)
}

// Tracker is the Order Tracker: it is the sole writer of Order.State.
type Tracker struct {
	store persistence.Store
	hook  EventHook
	log   *zap.Logger

	mu     sync.Mutex
	orders map[string]*domain.Order
	timers map[string]*time.Timer
}

// New builds a Tracker bound to a persistence store and the Strategy
// Framework's event hook.
func New(store persistence.Store, hook EventHook, log *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		hook:   hook,
		log:    log,
		orders: make(map[string]*domain.Order),
		timers: make(map[string]*time.Timer),
	}
}

// Create mints an engine-id for a draft order and registers it.
func (t *Tracker) Create(draft domain.Order) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	draft.EngineID = id
	draft.State = domain.OrderDraft
	draft.CreatedAt = time.Now()
	draft.LastModifiedAt = draft.CreatedAt
	t.orders[id] = &draft
	return id
}

// Submit transitions DRAFT -> SUBMITTING and arms the submit-timeout timer.
func (t *Tracker) Submit(ctx context.Context, orderID string) error {
	if err := t.transition(ctx, orderID, domain.OrderSubmitting, "submit"); err != nil {
		return err
	}

	timer := time.AfterFunc(SubmitTimeout, func() {
		t.onSubmitTimeout(orderID)
	})

	t.mu.Lock()
	t.timers[orderID] = timer
	t.mu.Unlock()

	return nil
}

// onSubmitTimeout implements spec §4.3's submit-timeout handling: the
// order is transitioned to ERROR and a best-effort cancel is attempted on
// the broker so a fill that arrives after the window doesn't silently
// open an untracked position.
func (t *Tracker) onSubmitTimeout(orderID string) {
	t.mu.Lock()
	order, exists := t.orders[orderID]
	stillSubmitting := exists && order.State == domain.OrderSubmitting
	var orderCopy domain.Order
	if exists {
		orderCopy = *order
	}
	t.mu.Unlock()

	if !stillSubmitting {
		return
	}

	ctx := context.Background()
	if err := t.transition(ctx, orderID, domain.OrderError, "timeout"); err != nil {
		t.log.Error("failed to transition timed-out order to ERROR", zap.String("order_id", orderID), zap.Error(err))
	}

	if t.hook != nil {
		t.hook.RequestCancel(ctx, orderCopy)
	}
}

// Cancel requests cancellation of a SUBMITTED or PARTIAL order.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	return t.transition(ctx, orderID, domain.OrderCancelling, "cancel_request")
}

// BrokerEvent is a normalized lifecycle event delivered from a Broker
// Adapter, translated into the appropriate state transition.
type BrokerEvent struct {
	OrderID string
	Kind    BrokerEventKind
	Fill    domain.Fill
	DealRef string
}

// BrokerEventKind discriminates BrokerEvent.
type BrokerEventKind int

const (
	BrokerAccepted BrokerEventKind = iota
	BrokerRejected
	BrokerPartialFill
	BrokerFullFill
	BrokerCancelAck
	BrokerLateFill
	BrokerFatalError
)

// OnBrokerEvent applies a broker callback to the order state machine.
func (t *Tracker) OnBrokerEvent(ctx context.Context, ev BrokerEvent) error {
	t.mu.Lock()
	order, exists := t.orders[ev.OrderID]
	t.mu.Unlock()
	if !exists {
		return fmt.Errorf("ordertracker: unknown order %q", ev.OrderID)
	}

	switch ev.Kind {
	case BrokerAccepted:
		t.mu.Lock()
		order.BrokerDealRef = ev.DealRef
		t.mu.Unlock()
		t.cancelTimer(ev.OrderID)
		return t.transition(ctx, ev.OrderID, domain.OrderSubmitted, "broker_accept")

	case BrokerRejected:
		t.cancelTimer(ev.OrderID)
		return t.transition(ctx, ev.OrderID, domain.OrderRejected, "broker_reject")

	case BrokerPartialFill:
		t.mu.Lock()
		order.Fills = append(order.Fills, ev.Fill)
		filled := order.FilledQuantity()
		qty := order.Quantity
		t.mu.Unlock()
		if filled >= qty {
			return t.transition(ctx, ev.OrderID, domain.OrderFilled, "full_fill")
		}
		return t.transition(ctx, ev.OrderID, domain.OrderPartial, "partial_fill")

	case BrokerFullFill, BrokerLateFill:
		t.mu.Lock()
		order.Fills = append(order.Fills, ev.Fill)
		t.mu.Unlock()
		reason := "full_fill"
		if ev.Kind == BrokerLateFill {
			reason = "late_fill"
		}
		return t.transition(ctx, ev.OrderID, domain.OrderFilled, reason)

	case BrokerCancelAck:
		return t.transition(ctx, ev.OrderID, domain.OrderCancelled, "cancel_ack")

	case BrokerFatalError:
		t.cancelTimer(ev.OrderID)
		return t.transition(ctx, ev.OrderID, domain.OrderError, "fatal_broker_error")

	default:
		return fmt.Errorf("ordertracker: unknown broker event kind %d", ev.Kind)
	}
}

// transition is the single choke point: every legal transition is
// persisted via AppendOrderEvent before any notification fires (spec
// §4.3/§5 ordering guarantee).
func (t *Tracker) transition(ctx context.Context, orderID string, to domain.OrderState, reason string) error {
	t.mu.Lock()
	order, exists := t.orders[orderID]
	if !exists {
		t.mu.Unlock()
		return fmt.Errorf("ordertracker: unknown order %q", orderID)
	}

	from := order.State
	if !isLegal(from, to) {
		t.mu.Unlock()
		return apperrors.New(apperrors.CodeGeneral, apperrors.SeverityWarning,
			fmt.Sprintf("illegal order transition %s -> %s", from, to), nil)
	}

	now := time.Now()
	order.State = to
	order.LastModifiedAt = now
	orderCopy := *order
	t.mu.Unlock()

	payload, _ := json.Marshal(struct {
		From       domain.OrderState `json:"from"`
		Reason     string            `json:"reason"`
		SequenceID string            `json:"sequence_id"`
	}{From: from, Reason: reason, SequenceID: ksuid.New().String()})

	if err := t.store.AppendOrderEvent(ctx, orderID, to, now, payload); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "failed to persist order transition", err)
	}

	if t.hook != nil {
		t.hook.OnOrderEvent(ctx, orderCopy, reason)
	}

	return nil
}

func (t *Tracker) cancelTimer(orderID string) {
	t.mu.Lock()
	timer, exists := t.timers[orderID]
	delete(t.timers, orderID)
	t.mu.Unlock()
	if exists {
		timer.Stop()
	}
}

// Get returns a copy of the current order.
func (t *Tracker) Get(orderID string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, exists := t.orders[orderID]
	if !exists {
		return domain.Order{}, false
	}
	return *order, true
}

// OpenOrders returns a copy of every non-terminal order, used for
// reconciliation on recovery.
func (t *Tracker) OpenOrders() []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	var open []domain.Order
	for _, order := range t.orders {
		if !order.State.Terminal() {
			open = append(open, *order)
		}
	}
	return open
}

// Restore re-registers an order recovered from persistence, without
// re-running transition legality checks (the transition already happened
// before the crash).
func (t *Tracker) Restore(order domain.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := order
	t.orders[order.EngineID] = &o
}
