package trademanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/ordertracker"
	"github.com/mtengine/tradengine/internal/persistence/memstore"
	"github.com/mtengine/tradengine/internal/strategy"
)

// fakeAdapter is a minimal broker.Adapter double driven entirely by the
// test; it records every Request* call instead of talking to a broker.
type fakeAdapter struct {
	events     chan broker.Event
	opened     []domain.Order
	closed     []domain.Order
	cancelled  []domain.Order
	subscribed []domain.Instrument
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan broker.Event, 16)}
}

func (f *fakeAdapter) Init(context.Context) (broker.InitResult, error) { return broker.InitResult{}, nil }
func (f *fakeAdapter) Tick(time.Time)                                  {}
func (f *fakeAdapter) RequestAccountInfo()                             {}
func (f *fakeAdapter) RequestPortfolio()                               {}
func (f *fakeAdapter) RequestSubscribe(instrument domain.Instrument, _ broker.Timeframe) {
	f.subscribed = append(f.subscribed, instrument)
}
func (f *fakeAdapter) RequestUnsubscribe(domain.Instrument) {}
func (f *fakeAdapter) RequestOpen(order domain.Order)       { f.opened = append(f.opened, order) }
func (f *fakeAdapter) RequestClose(order domain.Order)      { f.closed = append(f.closed, order) }
func (f *fakeAdapter) RequestStop(domain.Order)             {}
func (f *fakeAdapter) RequestCancel(order domain.Order)     { f.cancelled = append(f.cancelled, order) }
func (f *fakeAdapter) Shutdown(context.Context) error       { close(f.events); return nil }
func (f *fakeAdapter) Events() <-chan broker.Event          { return f.events }

// alwaysBuyState is the trivial state schema for a strategy that fires a
// single BUY on its first bar and nothing thereafter.
type alwaysBuyState struct{ fired bool }

func (s *alwaysBuyState) Snapshot() ([]byte, error) { return nil, nil }
func (s *alwaysBuyState) Restore([]byte) error      { return nil }

type alwaysBuyStrategy struct{ st alwaysBuyState }

func (s *alwaysBuyStrategy) Init() error                                          { return nil }
func (s *alwaysBuyStrategy) Validate(map[string]any, domain.Portfolio) bool       { return true }
func (s *alwaysBuyStrategy) Initialize(domain.Portfolio, bool) bool               { return true }
func (s *alwaysBuyStrategy) Resume([]domain.Bar, domain.Portfolio, time.Time) bool { return true }
func (s *alwaysBuyStrategy) Process(domain.Bar, domain.Portfolio) strategy.Decision {
	if s.st.fired {
		return strategy.Decision{Action: strategy.NoAction}
	}
	s.st.fired = true
	return strategy.Decision{Action: strategy.ActionBuy, Quantity: 10, StopPrice: 1}
}
func (s *alwaysBuyStrategy) OnOrderAccepted(domain.Order)          {}
func (s *alwaysBuyStrategy) OnOrderFilled(domain.Order, time.Time) {}
func (s *alwaysBuyStrategy) OnOrderError(domain.Order)             {}
func (s *alwaysBuyStrategy) OnMarketDataError()                    {}
func (s *alwaysBuyStrategy) OnMarketDataRestore()                  {}
func (s *alwaysBuyStrategy) State() strategy.StateContainer        { return &s.st }

const alwaysBuyClass = "TEST_ALWAYS_BUY"

func init() {
	strategy.Register(alwaysBuyClass, func() strategy.Strategy { return &alwaysBuyStrategy{} })
}

func TestOnBarTranslatesDecisionIntoBrokerOpen(t *testing.T) {
	adapter := newFakeAdapter()
	store := memstore.New()
	mgr := New(adapter, store, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, mgr.StartStrategy(ctx, StrategySpec{
		ID:         "strat-1",
		Class:      alwaysBuyClass,
		Instrument: "EURUSD",
		NativeTF:   time.Minute,
		StrategyTF: time.Minute,
	}))
	require.Len(t, adapter.subscribed, 1)

	mgr.router.OnBrokerBar("EURUSD", domain.Bar{Timestamp: time.Now(), Open: 1, High: 1, Low: 1, Close: 1, Closed: true}, time.Now())

	require.Len(t, adapter.opened, 1)
	assert.Equal(t, domain.SideBuy, adapter.opened[0].Side)
	assert.Equal(t, 10.0, adapter.opened[0].Quantity)
	assert.Len(t, mgr.tracker.OpenOrders(), 1)
}

func TestOnOrderEventRoutesBackToOwningInstance(t *testing.T) {
	adapter := newFakeAdapter()
	store := memstore.New()
	mgr := New(adapter, store, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, mgr.StartStrategy(ctx, StrategySpec{
		ID:         "strat-1",
		Class:      alwaysBuyClass,
		Instrument: "EURUSD",
		NativeTF:   time.Minute,
		StrategyTF: time.Minute,
	}))
	mgr.router.OnBrokerBar("EURUSD", domain.Bar{Timestamp: time.Now(), Open: 1, High: 1, Low: 1, Close: 1, Closed: true}, time.Now())
	require.Len(t, adapter.opened, 1)

	orderID := adapter.opened[0].EngineID
	require.NoError(t, mgr.tracker.OnBrokerEvent(ctx, ordertracker.BrokerEvent{
		OrderID: orderID, Kind: ordertracker.BrokerAccepted, DealRef: "D1",
	}))

	order, ok := mgr.tracker.Get(orderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderSubmitted, order.State)

	// The owning instance committed once each for Init, Initialize, Process
	// and the routed OnOrderAccepted callback.
	_, version, err := store.GetStrategyState(ctx, mgr.session.ID(), "strat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
}
