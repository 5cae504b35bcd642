// Package strategy is the base contract every pluggable trading strategy
// implements (spec §4.5), generalizing the teacher's BaseStrategy/
// StrategyManager idiom (internal/strategy/framework.go) from an ad hoc
// string-keyed state map to the typed-state-container discipline of
// Design Note 1: each strategy declares a concrete Go struct as its state
// schema, and the framework snapshots that struct through an explicit
// commit() at callback exit instead of auto-observing a generic map.
package strategy

import (
	"time"

	"github.com/mtengine/tradengine/internal/domain"
)

// Action is the closed, wire-coded action set of spec §6.
type Action int

const (
	NoAction      Action = 0
	ActionDelay   Action = 1
	ActionPrebuy  Action = 2
	ActionBuy     Action = 3
	ActionPresell Action = 4
	ActionSell    Action = 5
	ActionBuyLost Action = 6
	ActionSellLost Action = 7
	ActionBuySell Action = 8
	ActionHold    Action = 9
	ActionFlat    Action = 10
	ActionStpr    Action = 11
)

// Orderable reports whether this action causes an order to be created.
// ACTION_DELAY, ACTION_PREBUY, ACTION_BUYLOST and ACTION_STPR are
// reporting-only flags per the spec's resolved open question on action
// semantics; the Trade Manager creates no order for them and does not
// record them on the instance.
func (a Action) Orderable() bool {
	switch a {
	case ActionBuy, ActionSell, ActionBuySell, ActionFlat:
		return true
	default:
		return false
	}
}

// Decision is what Process returns: an action plus its order parameters.
type Decision struct {
	Action    Action
	Quantity  float64
	StopPrice float64
}

// StateContainer is the typed, JSON-serializable snapshot schema a
// strategy owns. Only the Strategy Framework mutates it, and only during a
// framework-invoked callback (spec §3 ownership rule).
type StateContainer interface {
	// Snapshot marshals the current state for persistence.
	Snapshot() ([]byte, error)
	// Restore replaces the state from a persisted snapshot (used on
	// recovery, before the first post-crash callback fires).
	Restore(blob []byte) error
}

// Strategy is the contract every concrete trading strategy plugin
// implements.
type Strategy interface {
	// Init is the one-time constructor hook; it initializes the
	// strategy's keys in its state container.
	Init() error

	// Validate is pre-startup validation; rejection is final for the
	// session until the operator re-submits.
	Validate(params map[string]any, portfolio domain.Portfolio) bool

	// Initialize binds parameters into instance fields and prepares
	// working buffers. isFirstInit is false when called after a
	// parameter change rather than on first startup.
	Initialize(portfolio domain.Portfolio, isFirstInit bool) bool

	// Process is the hot path; it MUST NOT block on I/O.
	Process(bar domain.Bar, portfolio domain.Portfolio) Decision

	// Resume is called exactly once after a restart, before any live bar
	// is delivered; the framework has already restored the state
	// container before this call.
	Resume(barsToday []domain.Bar, portfolio domain.Portfolio, now time.Time) bool

	OnOrderAccepted(order domain.Order)
	OnOrderFilled(order domain.Order, now time.Time)
	OnOrderError(order domain.Order)
	OnMarketDataError()
	OnMarketDataRestore()

	// State returns the strategy's typed state container.
	State() StateContainer
}
