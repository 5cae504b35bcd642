// Package trademanager is the Trade Manager of spec §4.6: the single
// cooperative, single-threaded loop that owns every Strategy Instance and
// Order, handles the Broker Adapter's events as they arrive, and
// translates Strategy Decisions into Order Tracker submissions. It
// generalizes the teacher's OrderManager/RiskManager constructor-and-mutex
// idiom (internal/trading/services/order_manager.go) to the arena+handle
// indirection of Design Note 3: Strategy Instances and Orders are owned
// here and referenced from callbacks only by string handle, never by
// back-pointer.
package trademanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/marketdata"
	"github.com/mtengine/tradengine/internal/metrics"
	"github.com/mtengine/tradengine/internal/ordertracker"
	"github.com/mtengine/tradengine/internal/persistence"
	"github.com/mtengine/tradengine/internal/strategy"
)

// StrategySpec is what the operator submits to start one Strategy
// Instance: a registered class bound to an instrument and parameters.
type StrategySpec struct {
	ID         string
	Class      string
	Instrument domain.Instrument
	NativeTF   time.Duration
	StrategyTF time.Duration
	Params     map[string]any
}

// Manager is the Trade Manager.
type Manager struct {
	adapter broker.Adapter
	tracker *ordertracker.Tracker
	router  *marketdata.Router
	store   persistence.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron

	mu         sync.Mutex
	session    domain.Session
	portfolio  domain.Portfolio
	instances  map[string]*strategy.Instance // arena: handle -> Strategy Instance
	orderOwner map[string]string             // orderID -> owning strategy handle
}

// New wires a Manager around its collaborators. The Market Data Router is
// constructed here since it needs the Manager as its Subscriber.
func New(adapter broker.Adapter, store persistence.Store, m *metrics.Metrics, logger *zap.Logger) *Manager {
	mgr := &Manager{
		adapter:    adapter,
		store:      store,
		metrics:    m,
		logger:     logger,
		portfolio:  make(domain.Portfolio),
		instances:  make(map[string]*strategy.Instance),
		orderOwner: make(map[string]string),
	}
	mgr.router = marketdata.New(adapter, mgr, logger)
	mgr.tracker = ordertracker.New(store, mgr, logger)
	return mgr
}

// StartStrategy validates, constructs and registers one Strategy
// Instance, subscribing it to market data. It does not block; Initialize
// runs synchronously since it must complete before any bar is delivered.
func (m *Manager) StartStrategy(ctx context.Context, spec StrategySpec) error {
	if err := marketdata.ValidateTimeframes(spec.NativeTF, spec.StrategyTF); err != nil {
		return err
	}

	plugin, err := strategy.New(spec.Class)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, apperrors.SeverityWarning, "unknown strategy class", err)
	}

	m.mu.Lock()
	portfolio := m.portfolio.Clone()
	sessionID := m.session.ID()
	m.mu.Unlock()

	if !plugin.Validate(spec.Params, portfolio) {
		return apperrors.New(apperrors.CodeValidation, apperrors.SeverityWarning, "strategy rejected its own parameters", nil)
	}

	inst := strategy.NewInstance(spec.ID, spec.Class, spec.Instrument, sessionID, plugin, m.store, m.logger)
	inst.Init(ctx)
	if inst.Errored() {
		return apperrors.New(apperrors.CodeGeneral, apperrors.SeverityCritical, "strategy Init failed", nil)
	}
	inst.Initialize(ctx, portfolio, true)
	if inst.Errored() {
		return apperrors.New(apperrors.CodeGeneral, apperrors.SeverityCritical, "strategy Initialize failed", nil)
	}

	m.mu.Lock()
	m.instances[spec.ID] = inst
	m.mu.Unlock()

	return m.router.Subscribe(spec.ID, spec.Instrument, spec.NativeTF, spec.StrategyTF, time.Now())
}

// OpenPosition is the operator-driven manual equivalent of a strategy
// ACTION_BUY/ACTION_SELL decision, reachable from the Client Channel's
// trading-command service (spec §6 sub-op 1). It bypasses the Strategy
// Framework entirely; the resulting order has no owning instance, so
// OnOrderEvent silently drops its lifecycle notifications.
func (m *Manager) OpenPosition(ctx context.Context, instrument domain.Instrument, side domain.OrderSide, quantity, stopPrice float64) (string, error) {
	draft := domain.Order{Instrument: instrument, Side: side, Quantity: quantity, StopPrice: stopPrice}
	orderID := m.tracker.Create(draft)
	if err := m.tracker.Submit(ctx, orderID); err != nil {
		return "", err
	}
	draft.EngineID = orderID
	m.adapter.RequestOpen(draft)
	return orderID, nil
}

// ClosePosition is the manual equivalent of ACTION_FLAT (spec §6 sub-op
// 2), closing instrument's current position at market.
func (m *Manager) ClosePosition(ctx context.Context, instrument domain.Instrument) (string, error) {
	m.mu.Lock()
	position, ok := m.portfolio[instrument]
	m.mu.Unlock()
	if !ok || position.Quantity == 0 {
		return "", apperrors.New(apperrors.CodeValidation, apperrors.SeverityWarning, "no open position for instrument", nil)
	}

	side := domain.SideSell
	if position.Quantity < 0 {
		side = domain.SideBuy
	}
	draft := domain.Order{Instrument: instrument, Side: side, Quantity: position.Quantity}
	orderID := m.tracker.Create(draft)
	if err := m.tracker.Submit(ctx, orderID); err != nil {
		return "", err
	}
	draft.EngineID = orderID
	m.adapter.RequestClose(draft)
	return orderID, nil
}

// UpdateAccountConfig is sub-op 5: it refreshes the cached account
// identity from a fresh broker query rather than mutating local state
// directly, since account config is broker-owned.
func (m *Manager) UpdateAccountConfig(context.Context) error {
	m.adapter.RequestAccountInfo()
	return nil
}

// ValidateSignal is sub-op 8: it runs a strategy class's Validate
// callback against the current portfolio without starting an instance,
// letting an operator dry-run parameters before committing to
// StartStrategy.
func (m *Manager) ValidateSignal(class string, params map[string]any) (bool, error) {
	plugin, err := strategy.New(class)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	portfolio := m.portfolio.Clone()
	m.mu.Unlock()
	return plugin.Validate(params, portfolio), nil
}

// OpenOrders exposes the Order Tracker's open-order set for the Client
// Channel's account-activity service (spec §6 service 5).
func (m *Manager) OpenOrders() []domain.Order {
	return m.tracker.OpenOrders()
}

// RestoreStrategy rehydrates a Strategy Instance from a persisted
// snapshot on startup, replaying the current trading day's bars via
// Resume before any live callback fires.
func (m *Manager) RestoreStrategy(ctx context.Context, snap domain.StrategySnapshot, barsToday []domain.Bar, nativeTF, strategyTF time.Duration, instrument domain.Instrument) error {
	plugin, err := strategy.New(snap.Class)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, apperrors.SeverityWarning, "unknown strategy class on recovery", err)
	}

	m.mu.Lock()
	portfolio := m.portfolio.Clone()
	sessionID := m.session.ID()
	m.mu.Unlock()

	inst := strategy.NewInstance(snap.StrategyID, snap.Class, instrument, sessionID, plugin, m.store, m.logger)
	inst.Init(ctx)
	if err := inst.Restore(ctx, snap.StateBlob, snap.Version); err != nil {
		return err
	}
	inst.Resume(ctx, barsToday, portfolio, time.Now())
	if inst.Errored() {
		return apperrors.New(apperrors.CodeGeneral, apperrors.SeverityCritical, "strategy Resume failed", nil)
	}

	m.mu.Lock()
	m.instances[snap.StrategyID] = inst
	m.mu.Unlock()

	return m.router.Subscribe(snap.StrategyID, instrument, nativeTF, strategyTF, time.Now())
}

// Recover loads the crash-recovery context and reconciles open orders
// against the broker before the loop starts accepting live data (spec §8
// scenario 4).
func (m *Manager) Recover(ctx context.Context, account, day string, adapterAccount domain.AccountInfo, brokerOpenOrders map[string]string) error {
	rc, err := m.store.LoadRecoveryContext(ctx, account, day)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil
		}
		return apperrors.Wrap(apperrors.CodePersistence, apperrors.SeverityCritical, "failed to load recovery context", err)
	}

	m.mu.Lock()
	m.session = rc.Session
	m.mu.Unlock()

	for _, order := range rc.OpenOrders {
		m.tracker.Restore(order)
		if order.State != domain.OrderSubmitting {
			continue
		}
		// Reconcile an order crashed mid-submit: if the broker shows a
		// matching deal reference as accepted, resume as SUBMITTED;
		// otherwise the order is dead.
		if dealRef, accepted := brokerOpenOrders[order.EngineID]; accepted {
			_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{
				OrderID: order.EngineID,
				Kind:    ordertracker.BrokerAccepted,
				DealRef: dealRef,
			})
		} else {
			_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{
				OrderID: order.EngineID,
				Kind:    ordertracker.BrokerFatalError,
			})
		}
	}

	for _, snap := range rc.Strategies {
		bars := rc.BarsSinceOpen[snap.Instrument]
		if err := m.RestoreStrategy(ctx, snap, bars, time.Minute, time.Minute, snap.Instrument); err != nil {
			m.logger.Error("failed to restore strategy", zap.String("strategy_id", snap.StrategyID), zap.Error(err))
		}
	}

	return nil
}

// ScheduleDailyCleanup arms the robfig/cron job that closes the current
// Session at the operator-configured time of day.
func (m *Manager) ScheduleDailyCleanup(cronExpr string) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(cronExpr, func() {
		m.mu.Lock()
		m.session.State = domain.SessionClosed
		m.session.ClosedAt = time.Now()
		session := m.session
		m.mu.Unlock()

		if err := m.store.PutSession(context.Background(), session); err != nil {
			m.logger.Error("failed to persist session close", zap.Error(err))
		}
		m.logger.Info("daily cleanup closed session", zap.String("day", session.Day))
	})
	if err != nil {
		return fmt.Errorf("trademanager: schedule daily cleanup: %w", err)
	}
	m.cron.Start()
	return nil
}

// Run drives the cooperative loop until ctx is cancelled: it never spawns
// a goroutine of its own and never blocks on I/O, per Design Note 4.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.cron != nil {
				m.cron.Stop()
			}
			return

		case ev, ok := <-m.adapter.Events():
			if !ok {
				return
			}
			m.handleAdapterEvent(ctx, ev)

		case tick := <-ticker.C:
			start := time.Now()
			m.adapter.Tick(tick)
			m.router.CheckStaleness(tick)
			if m.metrics != nil {
				m.metrics.LoopIterationSecs.Observe(time.Since(start).Seconds())
				m.metrics.OpenOrders.Set(float64(len(m.tracker.OpenOrders())))
			}
		}
	}
}

func (m *Manager) handleAdapterEvent(ctx context.Context, ev broker.Event) {
	switch ev.Type {
	case broker.EventAccountInfo:
		m.mu.Lock()
		m.session.Account = ev.Account.AccountID
		m.mu.Unlock()

	case broker.EventPortfolio:
		m.mu.Lock()
		m.portfolio = ev.Portfolio
		m.mu.Unlock()

	case broker.EventMarketDataSubscribed:
		if ev.OK {
			m.router.OnSubscriptionRestored(ev.Instrument)
		}

	case broker.EventMarketData:
		m.router.OnBrokerBar(ev.Instrument, ev.Bar, time.Now())
		if m.metrics != nil && ev.Bar.Closed {
			m.metrics.BarsProcessed.WithLabelValues(string(ev.Instrument)).Inc()
		}

	case broker.EventOrderAccepted:
		_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{
			OrderID: ev.Order.EngineID, Kind: ordertracker.BrokerAccepted, DealRef: ev.Order.BrokerDealRef,
		})
		if m.metrics != nil {
			m.metrics.OrdersSubmitted.Inc()
		}

	case broker.EventOrderRejected:
		_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{OrderID: ev.Order.EngineID, Kind: ordertracker.BrokerRejected})
		if m.metrics != nil {
			m.metrics.OrdersRejected.Inc()
		}

	case broker.EventOrderFilled:
		kind := ordertracker.BrokerFullFill
		if len(ev.Order.Fills) > 0 && ev.Order.FilledQuantity() < ev.Order.Quantity {
			kind = ordertracker.BrokerPartialFill
		}
		var fill domain.Fill
		if n := len(ev.Order.Fills); n > 0 {
			fill = ev.Order.Fills[n-1]
		}
		_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{OrderID: ev.Order.EngineID, Kind: kind, Fill: fill})
		if m.metrics != nil && kind == ordertracker.BrokerFullFill {
			m.metrics.OrdersFilled.Inc()
		}

	case broker.EventOrderError:
		_ = m.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{OrderID: ev.Order.EngineID, Kind: ordertracker.BrokerFatalError})

	case broker.EventAccountDisconnected:
		channel := "api"
		if ev.Disconnect == broker.DisconnectTransient {
			channel = "feed"
		}
		if m.metrics != nil {
			m.metrics.BrokerDisconnects.WithLabelValues(channel).Inc()
		}
		m.logger.Warn("broker channel disconnected", zap.Int("code", int(ev.Disconnect)))
	}
}

// OnOrderEvent implements ordertracker.EventHook: it routes a broker order
// lifecycle notification back to the owning Strategy Instance by handle.
func (m *Manager) OnOrderEvent(ctx context.Context, order domain.Order, reason string) {
	m.mu.Lock()
	handle, owned := m.orderOwner[order.EngineID]
	var inst *strategy.Instance
	if owned {
		inst = m.instances[handle]
	}
	m.mu.Unlock()
	if inst == nil {
		return
	}

	switch order.State {
	case domain.OrderSubmitted:
		inst.OnOrderAccepted(ctx, order)
	case domain.OrderFilled:
		inst.OnOrderFilled(ctx, order, time.Now())
	case domain.OrderError, domain.OrderRejected:
		inst.OnOrderError(ctx, order)
		if m.metrics != nil {
			m.metrics.StrategyErrors.WithLabelValues(handle).Inc()
		}
	}
}

// RequestCancel implements ordertracker.EventHook: it is the one
// broker-facing side effect the Order Tracker cannot perform itself,
// used to attempt cancelling an order that timed out while SUBMITTING.
func (m *Manager) RequestCancel(ctx context.Context, order domain.Order) {
	m.adapter.RequestCancel(order)
}

// OnBar implements marketdata.Subscriber: it runs the owning Strategy
// Instance's Process callback and translates any resulting Decision into
// an Order Tracker submission.
func (m *Manager) OnBar(strategyID string, instrument domain.Instrument, bar domain.Bar) {
	m.mu.Lock()
	inst, exists := m.instances[strategyID]
	portfolio := m.portfolio.Clone()
	m.mu.Unlock()
	if !exists {
		return
	}

	ctx := context.Background()
	decision := inst.Process(ctx, bar, portfolio)
	if decision.Action == strategy.NoAction || !decision.Action.Orderable() {
		return
	}

	m.submitDecision(ctx, strategyID, instrument, portfolio, decision)
}

func (m *Manager) submitDecision(ctx context.Context, strategyID string, instrument domain.Instrument, portfolio domain.Portfolio, decision strategy.Decision) {
	switch decision.Action {
	case strategy.ActionBuy, strategy.ActionSell:
		side := domain.SideBuy
		if decision.Action == strategy.ActionSell {
			side = domain.SideSell
		}
		draft := domain.Order{
			Instrument: instrument,
			Side:       side,
			Quantity:   decision.Quantity,
			StopPrice:  decision.StopPrice,
		}
		orderID := m.tracker.Create(draft)
		m.mu.Lock()
		m.orderOwner[orderID] = strategyID
		m.mu.Unlock()
		if err := m.tracker.Submit(ctx, orderID); err != nil {
			m.logger.Error("failed to submit order", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		draft.EngineID = orderID
		m.adapter.RequestOpen(draft)

	case strategy.ActionFlat:
		position, ok := portfolio[instrument]
		if !ok || position.Quantity == 0 {
			return
		}
		side := domain.SideSell
		if position.Quantity < 0 {
			side = domain.SideBuy
		}
		draft := domain.Order{Instrument: instrument, Side: side, Quantity: position.Quantity}
		orderID := m.tracker.Create(draft)
		m.mu.Lock()
		m.orderOwner[orderID] = strategyID
		m.mu.Unlock()
		if err := m.tracker.Submit(ctx, orderID); err != nil {
			m.logger.Error("failed to submit flattening order", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		draft.EngineID = orderID
		m.adapter.RequestClose(draft)
	}
}

// OnMarketDataError implements marketdata.Subscriber.
func (m *Manager) OnMarketDataError(strategyID string, instrument domain.Instrument) {
	m.mu.Lock()
	inst, exists := m.instances[strategyID]
	m.mu.Unlock()
	if exists {
		inst.OnMarketDataError(context.Background())
	}
	m.logger.Warn("market data error", zap.String("strategy_id", strategyID), zap.String("instrument", string(instrument)))
}

// OnMarketDataRestore implements marketdata.Subscriber.
func (m *Manager) OnMarketDataRestore(strategyID string, instrument domain.Instrument) {
	m.mu.Lock()
	inst, exists := m.instances[strategyID]
	m.mu.Unlock()
	if exists {
		inst.OnMarketDataRestore(context.Background())
	}
	m.logger.Info("market data restored", zap.String("strategy_id", strategyID), zap.String("instrument", string(instrument)))
}

// OnDataBlocked implements marketdata.Subscriber: persistent resubscribe
// failure blocks the instance from further Process calls.
func (m *Manager) OnDataBlocked(strategyID string, instrument domain.Instrument) {
	m.mu.Lock()
	inst, exists := m.instances[strategyID]
	m.mu.Unlock()
	if exists {
		inst.Block()
	}
	m.logger.Error("market data permanently blocked", zap.String("strategy_id", strategyID), zap.String("instrument", string(instrument)))
}
