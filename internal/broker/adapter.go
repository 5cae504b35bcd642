// Package broker defines the abstract Broker Adapter contract every
// concrete broker plugin implements (spec §4.2): connection lifecycle,
// account/portfolio queries, order placement/cancel, market-data
// subscription, and normalized event callbacks. All request_* operations
// are non-blocking; results arrive later on the Events channel, matching
// Design Note 4 (callback-style asynchrony -> channels).
package broker

import (
	"context"
	"time"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
)

// Timeframe is a broker- or strategy-native bar interval.
type Timeframe time.Duration

// InitResult is returned once by Adapter.Init, before the adapter is driven.
type InitResult struct {
	Account                 domain.AccountInfo
	Portfolio               domain.Portfolio
	SupportedHistoryFrames  []Timeframe
	SupportedDataFrames     []Timeframe
}

// Adapter is the contract every concrete broker plugin implements.
type Adapter interface {
	// Init performs one-time setup (auth, capability discovery) before the
	// adapter is driven by Tick. Returning an apperrors.CodeAuth error is
	// fatal for the session: the engine must not open a Session and must
	// not retry.
	Init(ctx context.Context) (InitResult, error)

	// Tick is called on every engine iteration; the adapter advances its
	// own connection state machine, drains its network I/O and pushes any
	// resulting events onto Events(). Tick MUST return promptly.
	Tick(now time.Time)

	// RequestAccountInfo enqueues an account-info refresh; the result
	// arrives as an EventAccountInfo on Events().
	RequestAccountInfo()

	// RequestPortfolio enqueues a portfolio refresh; the result arrives as
	// an EventPortfolio on Events().
	RequestPortfolio()

	// RequestSubscribe enqueues a market-data subscription. Idempotent: a
	// repeat call for an already-subscribed instrument acks OK without a
	// second broker-side subscription.
	RequestSubscribe(instrument domain.Instrument, timeframe Timeframe)

	// RequestUnsubscribe enqueues cancellation of a market-data
	// subscription.
	RequestUnsubscribe(instrument domain.Instrument)

	// RequestOpen enqueues order placement.
	RequestOpen(order domain.Order)

	// RequestClose enqueues closing an existing position at market.
	RequestClose(order domain.Order)

	// RequestStop enqueues a protective stop order.
	RequestStop(order domain.Order)

	// RequestCancel makes a best-effort attempt to cancel an order the
	// broker has not yet resolved (spec §4.3 submit-timeout handling).
	// The caller does not wait for an ack: the Order Tracker has already
	// moved the order to a terminal state by the time this fires, and
	// reconciliation happens at the next portfolio refresh.
	RequestCancel(order domain.Order)

	// Shutdown gracefully closes both the API and feed channels.
	Shutdown(ctx context.Context) error

	// Events is the single drain point for every adapter callback. It is
	// closed once the adapter has fully shut down.
	Events() <-chan Event
}

// EventType discriminates the Event union.
type EventType int

const (
	EventAccountInfo EventType = iota
	EventPortfolio
	EventMarketDataSubscribed
	EventMarketData
	EventOrderAccepted
	EventOrderRejected
	EventOrderFilled
	EventOrderError
	EventAccountDisconnected
)

// DisconnectCode distinguishes a permanent failure (code 1, retry cap
// exhausted) from a transient, indefinitely-retried loss (code 2), per
// spec §4.2.
type DisconnectCode int

const (
	DisconnectPermanent DisconnectCode = 1
	DisconnectTransient DisconnectCode = 2
)

// Event is the single normalized callback type pushed onto an Adapter's
// Events channel; Type selects which fields are populated.
type Event struct {
	Type EventType

	Account    domain.AccountInfo
	Portfolio  domain.Portfolio
	Instrument domain.Instrument
	Bar        domain.Bar
	Order      domain.Order
	Err        *apperrors.Error
	OK         bool
	Disconnect DisconnectCode
}
