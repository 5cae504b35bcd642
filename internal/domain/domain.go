// Package domain holds the entities and invariants shared by every
// component of the trading engine: instruments, sessions, strategy
// instances, bars, orders and portfolio snapshots.
package domain

import "time"

// Instrument is the engine-side stable symbol. Each broker adapter maps it
// to its own broker-native symbol (the "epic" in the glossary).
type Instrument string

// SessionState is the recognized set of Session states.
type SessionState string

const (
	SessionPending SessionState = "PENDING"
	SessionOpen    SessionState = "OPEN"
	SessionClosed  SessionState = "CLOSED"
	SessionError   SessionState = "ERROR"
)

// Session is a (trading-day, account) tuple. At most one Session may be OPEN
// per process.
type Session struct {
	Day       string
	Account   string
	State     SessionState
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// ID returns the persistence-layer key for this session.
func (s Session) ID() string { return s.Day + "/" + s.Account }

// Bar is one OHLCV sample for an instrument over a time window.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Valid reports whether the bar satisfies the OHLC ordering invariant of
// spec §8: low <= min(open,close) <= max(open,close) <= high, volume >= 0.
func (b Bar) Valid() bool {
	lo := b.Open
	if b.Close < lo {
		lo = b.Close
	}
	hi := b.Open
	if b.Close > hi {
		hi = b.Close
	}
	return b.Low <= lo && hi <= b.High && b.Volume >= 0
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderState is the closed set of Order Tracker states (spec §4.3).
type OrderState string

const (
	OrderDraft      OrderState = "DRAFT"
	OrderSubmitting OrderState = "SUBMITTING"
	OrderSubmitted  OrderState = "SUBMITTED"
	OrderAccepted   OrderState = "ACCEPTED"
	OrderPartial    OrderState = "PARTIAL"
	OrderFilled     OrderState = "FILLED"
	OrderRejected   OrderState = "REJECTED"
	OrderCancelling OrderState = "CANCELLING"
	OrderCancelled  OrderState = "CANCELLED"
	OrderError      OrderState = "ERROR"
)

// Terminal reports whether this state is terminal (no further transitions).
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderError:
		return true
	default:
		return false
	}
}

// Fill is one execution against an Order.
type Fill struct {
	Price        float64
	Quantity     float64
	Timestamp    time.Time
	BrokerFillID string
}

// Order is the engine's view of a broker order.
type Order struct {
	EngineID          string
	BrokerDealRef      string
	Instrument        Instrument
	Side              OrderSide
	Quantity          float64
	StopPrice         float64
	LimitPrice        float64
	State             OrderState
	CreatedAt         time.Time
	LastModifiedAt    time.Time
	Fills             []Fill
}

// FilledQuantity sums all fills recorded against the order.
func (o *Order) FilledQuantity() float64 {
	var total float64
	for _, f := range o.Fills {
		total += f.Quantity
	}
	return total
}

// Position is one instrument's holding inside a Portfolio Snapshot.
type Position struct {
	Quantity       float64
	AveragePrice   float64
	UnrealizedPnL  float64
	HasUnrealized  bool
}

// Portfolio is a mapping from instrument to Position. The engine never
// mutates it; it is refreshed wholesale from broker callbacks.
type Portfolio map[Instrument]Position

// Clone returns a value copy suitable for handing to a strategy Process
// call (strategies read the portfolio by value).
func (p Portfolio) Clone() Portfolio {
	out := make(Portfolio, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ChannelState is the per-channel (API or feed) connection state of a
// Broker Connection State.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "DISCONNECTED"
	ChannelConnecting   ChannelState = "CONNECTING"
	ChannelConnected    ChannelState = "CONNECTED"
	ChannelBackoff      ChannelState = "BACKOFF"
	ChannelFailed       ChannelState = "FAILED"
)

// ChannelStatus tracks one channel's (API or feed) backoff bookkeeping.
type ChannelStatus struct {
	State              ChannelState
	ConsecutiveFailures int
	NextAttemptAt      time.Time
}

// ConnectionState is the Broker Connection State entity: independent API
// and market-data feed channels.
type ConnectionState struct {
	API  ChannelStatus
	Feed ChannelStatus
}

// AccountInfo is the broker-reported account identity returned from
// adapter Init/RequestAccountInfo.
type AccountInfo struct {
	AccountID string
	Currency  string
	Equity    float64
}

// RecoveryContext is what LoadRecoveryContext returns: the tuple needed to
// rehydrate a Session after a crash.
type RecoveryContext struct {
	Session       Session
	Strategies    []StrategySnapshot
	OpenOrders    []Order
	BarsSinceOpen map[Instrument][]Bar
}

// StrategySnapshot is one Strategy Instance's persisted identity and state
// blob as returned by LoadRecoveryContext.
type StrategySnapshot struct {
	StrategyID string
	Class      string
	Instrument Instrument
	Parameters map[string]any
	StateBlob  []byte
	Version    int64
}
