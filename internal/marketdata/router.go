package marketdata

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/domain"
)

// Subscriber is implemented by the Trade Manager on behalf of Strategy
// Instances; the router never imports the strategy package (Design Note 3:
// arena + handle indirection).
type Subscriber interface {
	OnBar(strategyID string, instrument domain.Instrument, bar domain.Bar)
	OnMarketDataError(strategyID string, instrument domain.Instrument)
	OnMarketDataRestore(strategyID string, instrument domain.Instrument)
	OnDataBlocked(strategyID string, instrument domain.Instrument)
}

// subscription is one Strategy Instance's registration for an instrument.
type subscription struct {
	strategyID string
	aggregator *Aggregator
}

type instrumentState struct {
	nativeTF            time.Duration
	subs                []*subscription
	lastBarAt           time.Time
	stale               bool
	blocked             bool
	resubscribeFailures int
}

// Router is the Market Data Router: one live broker subscription per
// instrument regardless of subscriber count.
type Router struct {
	adapter    broker.Adapter
	subscriber Subscriber
	logger     *zap.Logger

	mu         sync.Mutex
	instruments map[domain.Instrument]*instrumentState
}

// New builds a Router driving subscriptions through adapter and delivering
// bars/errors to subscriber.
func New(adapter broker.Adapter, subscriber Subscriber, logger *zap.Logger) *Router {
	return &Router{
		adapter:     adapter,
		subscriber:  subscriber,
		logger:      logger,
		instruments: make(map[domain.Instrument]*instrumentState),
	}
}

// Subscribe registers strategyID's interest in instrument at strategyTF. If
// no subscriber previously existed, a broker-side subscription is
// requested; the Invariant of spec §3 (at most one live adapter
// subscription per instrument) is preserved.
func (r *Router) Subscribe(strategyID string, instrument domain.Instrument, nativeTF, strategyTF time.Duration, now time.Time) error {
	if err := ValidateTimeframes(nativeTF, strategyTF); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.instruments[instrument]
	if !exists {
		state = &instrumentState{nativeTF: nativeTF, lastBarAt: now}
		r.instruments[instrument] = state
		r.adapter.RequestSubscribe(instrument, broker.Timeframe(nativeTF))
	}

	state.subs = append(state.subs, &subscription{
		strategyID: strategyID,
		aggregator: NewAggregator(strategyTF),
	})

	return nil
}

// Unsubscribe removes strategyID's registration; once an instrument has no
// remaining subscribers its broker-side subscription is cancelled.
func (r *Router) Unsubscribe(strategyID string, instrument domain.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.instruments[instrument]
	if !exists {
		return
	}

	remaining := state.subs[:0]
	for _, sub := range state.subs {
		if sub.strategyID != strategyID {
			remaining = append(remaining, sub)
		}
	}
	state.subs = remaining

	if len(state.subs) == 0 {
		r.adapter.RequestUnsubscribe(instrument)
		delete(r.instruments, instrument)
	}
}

// OnBrokerBar feeds one broker-native bar into every subscriber's
// aggregator for that instrument and delivers the resulting strategy-
// native bars. Bars delivered to a single Strategy Instance remain
// monotone in timestamp (spec §4.4 ordering guarantee), since Aggregator
// never looks backward.
func (r *Router) OnBrokerBar(instrument domain.Instrument, native domain.Bar, now time.Time) {
	r.mu.Lock()
	state, exists := r.instruments[instrument]
	if !exists {
		r.mu.Unlock()
		return
	}

	wasStale := state.stale || state.blocked
	state.stale = false
	state.blocked = false
	state.resubscribeFailures = 0
	state.lastBarAt = now
	subs := append([]*subscription(nil), state.subs...)
	r.mu.Unlock()

	if wasStale {
		for _, sub := range subs {
			r.subscriber.OnMarketDataRestore(sub.strategyID, instrument)
		}
	}

	for _, sub := range subs {
		for _, bar := range sub.aggregator.Feed(native) {
			r.subscriber.OnBar(sub.strategyID, instrument, bar)
		}
	}
}

// OnSubscriptionRestored resets aggregation state so no retrograde closed
// bar is ever emitted after a resubscribe. It does not notify subscribers;
// OnMarketDataRestore is delivered by OnBrokerBar when the first bar after
// a stale period arrives.
func (r *Router) OnSubscriptionRestored(instrument domain.Instrument) {
	r.mu.Lock()
	state, exists := r.instruments[instrument]
	if !exists {
		r.mu.Unlock()
		return
	}
	for _, sub := range state.subs {
		sub.aggregator.Reset()
	}
	r.mu.Unlock()
}

// stalenessThreshold is max(5*B, 60s) per spec §4.4.
func stalenessThreshold(nativeTF time.Duration) time.Duration {
	threshold := 5 * nativeTF
	if threshold < 60*time.Second {
		threshold = 60 * time.Second
	}
	return threshold
}

// CheckStaleness is called once per Trade Manager loop iteration (the
// router has no goroutines of its own). Any instrument whose most recent
// bar is older than stalenessThreshold is reported stale and a
// resubscription is attempted on every tick it remains stale, counting
// consecutive failures; after 5 consecutive resubscription failures the
// instrument is marked DATA_ERROR and its subscribers are marked blocked,
// and no further resubscription attempts are made until a bar arrives
// (spec §4.4/§8 "Feed flap" scenario). An already-blocked instrument is
// skipped entirely: there is nothing further for this tick to do until
// OnBrokerBar clears it.
func (r *Router) CheckStaleness(now time.Time) {
	r.mu.Lock()
	type toNotify struct {
		instrument domain.Instrument
		strategyID string
		blocked    bool
	}
	var notify []toNotify

	for instrument, state := range r.instruments {
		if state.blocked {
			continue
		}
		if now.Sub(state.lastBarAt) <= stalenessThreshold(state.nativeTF) {
			continue
		}

		enteringStale := !state.stale
		state.stale = true
		state.resubscribeFailures++

		if state.resubscribeFailures > 5 {
			state.blocked = true
			for _, sub := range state.subs {
				notify = append(notify, toNotify{instrument: instrument, strategyID: sub.strategyID, blocked: true})
			}
			continue
		}

		r.adapter.RequestUnsubscribe(instrument)
		r.adapter.RequestSubscribe(instrument, broker.Timeframe(state.nativeTF))

		if enteringStale {
			for _, sub := range state.subs {
				notify = append(notify, toNotify{instrument: instrument, strategyID: sub.strategyID, blocked: false})
			}
		}
	}
	r.mu.Unlock()

	for _, n := range notify {
		if n.blocked {
			r.subscriber.OnDataBlocked(n.strategyID, n.instrument)
		} else {
			r.subscriber.OnMarketDataError(n.strategyID, n.instrument)
		}
	}
}
