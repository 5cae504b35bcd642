// Package simulated is the only concrete Broker Adapter shipped with the
// engine (real broker wire protocols are out of scope per spec §1). It
// drives the Adapter contract deterministically, with injectable failure
// modes for exercising reconnect/backoff and AUTH-failure scenarios, and is
// the reference for how a production adapter should be built.
package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/broker/registry"
	"github.com/mtengine/tradengine/internal/domain"
)

func init() {
	registry.Register("simulated", func(logger *zap.Logger) (broker.Adapter, error) {
		return New(logger, Faults{}), nil
	})
}

// Faults lets tests script adapter misbehavior deterministically.
type Faults struct {
	// AuthFails, if true, makes Init return apperrors.CodeAuth.
	AuthFails bool
	// RejectOrders, if true, rejects every RequestOpen instead of
	// accepting it.
	RejectOrders bool
}

// Adapter is the simulated Broker Adapter.
type Adapter struct {
	logger *zap.Logger
	faults Faults

	events chan broker.Event

	apiChannel  *broker.ChannelMachine
	feedChannel *broker.ChannelMachine

	pool *ants.Pool
	breaker *gobreaker.CircuitBreaker

	subCache *cache.Cache

	mu            sync.Mutex
	portfolio     domain.Portfolio
	subscriptions map[domain.Instrument]broker.Timeframe
	shutdownOnce  sync.Once
	closed        bool
}

// New builds a simulated adapter. faults lets tests inject failures.
func New(logger *zap.Logger, faults Faults) *Adapter {
	pool, _ := ants.NewPool(16)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "simulated-broker-orders",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Adapter{
		logger:        logger,
		faults:        faults,
		events:        make(chan broker.Event, 256),
		apiChannel:    broker.NewChannelMachine(broker.DefaultRetryCap),
		feedChannel:   broker.NewChannelMachine(broker.DefaultRetryCap),
		pool:          pool,
		breaker:       breaker,
		subCache:      cache.New(cache.NoExpiration, time.Minute),
		portfolio:     make(domain.Portfolio),
		subscriptions: make(map[domain.Instrument]broker.Timeframe),
	}
}

func (a *Adapter) Init(ctx context.Context) (broker.InitResult, error) {
	if a.faults.AuthFails {
		return broker.InitResult{}, apperrors.New(apperrors.CodeAuth, apperrors.SeverityCritical, "authentication failed", nil)
	}

	a.apiChannel.Attempt(time.Now())
	a.apiChannel.Succeed()
	a.feedChannel.Attempt(time.Now())
	a.feedChannel.Succeed()

	return broker.InitResult{
		Account: domain.AccountInfo{AccountID: "SIM-0001", Currency: "USD", Equity: 100000},
		Portfolio: domain.Portfolio{},
		SupportedHistoryFrames: []broker.Timeframe{broker.Timeframe(time.Minute)},
		SupportedDataFrames:    []broker.Timeframe{broker.Timeframe(time.Minute)},
	}, nil
}

// Tick advances both channel state machines. In the simulated adapter
// there is no real socket to drain; tests drive fills and feed losses
// explicitly via InjectFill/InjectDisconnect.
func (a *Adapter) Tick(now time.Time) {
	for _, ch := range []*broker.ChannelMachine{a.apiChannel, a.feedChannel} {
		if ch.Status().State == domain.ChannelBackoff && ch.Attempt(now) {
			ch.Succeed()
		}
	}
}

func (a *Adapter) RequestAccountInfo() {
	a.emit(broker.Event{Type: broker.EventAccountInfo, Account: domain.AccountInfo{AccountID: "SIM-0001", Currency: "USD", Equity: 100000}})
}

func (a *Adapter) RequestPortfolio() {
	a.mu.Lock()
	snap := a.portfolio.Clone()
	a.mu.Unlock()
	a.emit(broker.Event{Type: broker.EventPortfolio, Portfolio: snap})
}

// RequestSubscribe is idempotent: repeat calls for an already-subscribed
// instrument ack OK without a second broker-side subscription (spec §8
// adapter-idempotence property).
func (a *Adapter) RequestSubscribe(instrument domain.Instrument, timeframe broker.Timeframe) {
	_, alreadySubscribed := a.subCache.Get(string(instrument))

	a.mu.Lock()
	a.subscriptions[instrument] = timeframe
	a.mu.Unlock()

	if !alreadySubscribed {
		a.subCache.Set(string(instrument), true, cache.NoExpiration)
	}

	a.emit(broker.Event{Type: broker.EventMarketDataSubscribed, Instrument: instrument, OK: true})
}

func (a *Adapter) RequestUnsubscribe(instrument domain.Instrument) {
	a.mu.Lock()
	delete(a.subscriptions, instrument)
	a.mu.Unlock()
	a.subCache.Delete(string(instrument))
}

func (a *Adapter) RequestOpen(order domain.Order) {
	_ = a.pool.Submit(func() {
		_, err := a.breaker.Execute(func() (any, error) {
			if a.faults.RejectOrders {
				return nil, apperrors.New(apperrors.CodeBroker, apperrors.SeverityWarning, "order rejected by broker", nil)
			}
			return nil, nil
		})

		if err != nil {
			order.State = domain.OrderRejected
			a.emit(broker.Event{Type: broker.EventOrderRejected, Order: order, Err: asAppErr(err)})
			return
		}

		order.BrokerDealRef = "DEAL-" + order.EngineID
		order.State = domain.OrderAccepted
		a.emit(broker.Event{Type: broker.EventOrderAccepted, Order: order})
	})
}

func (a *Adapter) RequestClose(order domain.Order) {
	a.RequestOpen(order)
}

func (a *Adapter) RequestStop(order domain.Order) {
	a.RequestOpen(order)
}

// RequestCancel is best-effort and fire-and-forget: the order is already
// being moved to a terminal state by the caller, so there is nothing to
// await here beyond handing the request to the pool.
func (a *Adapter) RequestCancel(order domain.Order) {
	_ = a.pool.Submit(func() {
		_, _ = a.breaker.Execute(func() (any, error) { return nil, nil })
	})
}

// InjectFill lets tests simulate a broker fill callback for an order
// already accepted by this adapter.
func (a *Adapter) InjectFill(order domain.Order, fill domain.Fill, now time.Time) {
	order.Fills = append(order.Fills, fill)
	order.LastModifiedAt = now
	a.emit(broker.Event{Type: broker.EventOrderFilled, Order: order})
}

// InjectDisconnect simulates a feed channel loss, used to drive the 90s
// feed-flap scenario of spec §8.
func (a *Adapter) InjectDisconnect(now time.Time) {
	res := a.feedChannel.Fail(now)
	if res.Emit {
		a.emit(broker.Event{Type: broker.EventAccountDisconnected, Disconnect: res.Disconnect})
	}
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.pool.Release()
		close(a.events)
	})
	return nil
}

func (a *Adapter) Events() <-chan broker.Event { return a.events }

func (a *Adapter) emit(ev broker.Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	select {
	case a.events <- ev:
	default:
		a.logger.Warn("simulated adapter event channel full, dropping event", zap.Int("type", int(ev.Type)))
	}
}

func asAppErr(err error) *apperrors.Error {
	if appErr, ok := err.(*apperrors.Error); ok {
		return appErr
	}
	return apperrors.New(apperrors.CodeGeneral, apperrors.SeverityWarning, err.Error(), err)
}
