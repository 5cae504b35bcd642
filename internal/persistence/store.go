// Package persistence defines the durable key/value and append-log
// contract used for session state, strategy snapshots and order history.
// Concrete backends live in subpackages (gormstore, memstore); this
// package only hides "the concrete database" behind an interface, per
// spec §4.1.
package persistence

import (
	"context"
	"time"

	"github.com/mtengine/tradengine/internal/domain"
)

// Store is the Persistence Store contract. All writes are crash-atomic at
// the granularity described per method; recovery tolerates a snapshotted
// strategy state that is one callback ahead of the last order event.
type Store interface {
	// PutSession atomically replaces the Session row for (day, account).
	PutSession(ctx context.Context, session domain.Session) error

	// GetSession returns the Session row for (day, account), or
	// ErrNotFound if none exists.
	GetSession(ctx context.Context, day, account string) (domain.Session, error)

	// PutStrategyState CAS-writes a strategy's state blob. expectedVersion
	// is the version the caller last committed; if the on-disk version is
	// higher, apperrors.StaleVersion is returned, otherwise the blob is
	// stored as version expectedVersion+1 and that version is returned.
	PutStrategyState(ctx context.Context, sessionID, strategyID string, blob []byte, expectedVersion int64) (newVersion int64, err error)

	// GetStrategyState returns the most recently committed state blob and
	// its version for a strategy, or ErrNotFound.
	GetStrategyState(ctx context.Context, sessionID, strategyID string) ([]byte, int64, error)

	// AppendOrderEvent appends one order-state-transition row. Durable
	// before the call returns; append-only, never updated in place.
	AppendOrderEvent(ctx context.Context, orderID string, newState domain.OrderState, timestamp time.Time, payload []byte) error

	// LoadRecoveryContext returns everything needed to rehydrate a crashed
	// Session: the session row, each strategy's latest state blob/version,
	// the open order set, and the ordered bar log since day start.
	LoadRecoveryContext(ctx context.Context, account, day string) (domain.RecoveryContext, error)
}

// ErrNotFound is returned when a session or strategy state row does not
// exist.
var ErrNotFound = sentinel("persistence: record not found")

type sentinel string

func (s sentinel) Error() string { return string(s) }
