package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/domain"
)

// fakeAdapter is a minimal broker.Adapter double that records every
// subscribe/unsubscribe request the Router issues; it never produces bars
// of its own (tests drive OnBrokerBar directly).
type fakeAdapter struct {
	subscribeCount   map[domain.Instrument]int
	unsubscribeCount map[domain.Instrument]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		subscribeCount:   make(map[domain.Instrument]int),
		unsubscribeCount: make(map[domain.Instrument]int),
	}
}

func (f *fakeAdapter) Init(context.Context) (broker.InitResult, error) { return broker.InitResult{}, nil }
func (f *fakeAdapter) Tick(time.Time)                                  {}
func (f *fakeAdapter) RequestAccountInfo()                             {}
func (f *fakeAdapter) RequestPortfolio()                               {}
func (f *fakeAdapter) RequestSubscribe(instrument domain.Instrument, _ broker.Timeframe) {
	f.subscribeCount[instrument]++
}
func (f *fakeAdapter) RequestUnsubscribe(instrument domain.Instrument) {
	f.unsubscribeCount[instrument]++
}
func (f *fakeAdapter) RequestOpen(domain.Order)         {}
func (f *fakeAdapter) RequestClose(domain.Order)        {}
func (f *fakeAdapter) RequestStop(domain.Order)         {}
func (f *fakeAdapter) RequestCancel(domain.Order)       {}
func (f *fakeAdapter) Shutdown(context.Context) error   { return nil }
func (f *fakeAdapter) Events() <-chan broker.Event      { return nil }

// fakeSubscriber records every callback the Router delivers.
type fakeSubscriber struct {
	errors   []string
	restores []string
	blocked  []string
}

func (s *fakeSubscriber) OnBar(string, domain.Instrument, domain.Bar) {}
func (s *fakeSubscriber) OnMarketDataError(strategyID string, _ domain.Instrument) {
	s.errors = append(s.errors, strategyID)
}
func (s *fakeSubscriber) OnMarketDataRestore(strategyID string, _ domain.Instrument) {
	s.restores = append(s.restores, strategyID)
}
func (s *fakeSubscriber) OnDataBlocked(strategyID string, _ domain.Instrument) {
	s.blocked = append(s.blocked, strategyID)
}

func newRouter(sub *fakeSubscriber) (*Router, *fakeAdapter) {
	fa := newFakeAdapter()
	r := New(fa, sub, zap.NewNop())
	return r, fa
}

func TestCheckStalenessRetriesUntilBlockedAfterFiveFailures(t *testing.T) {
	sub := &fakeSubscriber{}
	r, adapter := newRouter(sub)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.Subscribe("strat-1", "EURUSD", time.Minute, time.Minute, base))

	threshold := stalenessThreshold(time.Minute)

	// subscribeCount includes the initial subscription made by Subscribe.
	// First tick past the staleness threshold: stale, one resubscribe
	// attempt, one OnMarketDataError notification.
	t1 := base.Add(threshold + time.Second)
	r.CheckStaleness(t1)
	assert.Equal(t, 2, adapter.subscribeCount["EURUSD"])
	assert.Equal(t, []string{"strat-1"}, sub.errors)
	assert.Empty(t, sub.blocked)

	// Four more ticks while still stale: each one must still retry the
	// resubscription (this is the exact path that was previously
	// unreachable once state.stale was set) and count toward the
	// failure threshold, without re-notifying OnMarketDataError.
	for i := 0; i < 4; i++ {
		r.CheckStaleness(t1.Add(time.Duration(i+1) * time.Second))
	}
	assert.Equal(t, 6, adapter.subscribeCount["EURUSD"])
	assert.Len(t, sub.errors, 1,"OnMarketDataError fires once on entering stale, not every retry")
	assert.Empty(t, sub.blocked, "still within the 5-failure budget")

	// Sixth consecutive failure: DATA_ERROR / blocked.
	r.CheckStaleness(t1.Add(6 * time.Second))
	assert.Equal(t, []string{"strat-1"}, sub.blocked)
	assert.Equal(t, 6, adapter.subscribeCount["EURUSD"], "no further resubscribe attempts once blocked")

	// Further ticks change nothing further: the instrument is skipped
	// outright once blocked.
	r.CheckStaleness(t1.Add(60 * time.Second))
	assert.Len(t, sub.blocked, 1)
	assert.Equal(t, 6, adapter.subscribeCount["EURUSD"])
}

func TestOnBrokerBarClearsBlockedAndRestores(t *testing.T) {
	sub := &fakeSubscriber{}
	r, adapter := newRouter(sub)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.Subscribe("strat-1", "EURUSD", time.Minute, time.Minute, base))

	threshold := stalenessThreshold(time.Minute)
	t1 := base.Add(threshold + time.Second)
	for i := 0; i < 6; i++ {
		r.CheckStaleness(t1.Add(time.Duration(i) * time.Second))
	}
	require.Equal(t, []string{"strat-1"}, sub.blocked)

	r.OnBrokerBar("EURUSD", domain.Bar{Timestamp: t1.Add(10 * time.Second), Closed: true}, t1.Add(10*time.Second))
	assert.Equal(t, []string{"strat-1"}, sub.restores)

	// Staleness tracking resumed: the next CheckStaleness tick sees a
	// fresh instrument again instead of skipping a permanently-blocked one.
	r.CheckStaleness(t1.Add(10 * time.Second))
	assert.Equal(t, 6, adapter.subscribeCount["EURUSD"])
}
