package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/persistence"
)

// Instance is the framework-owned wrapper around one running Strategy
// plugin: it enforces the commit-on-callback-exit discipline of Design
// Note 1 and contains panics at the callback boundary instead of letting
// them escape into the Trade Manager loop (spec §4.5 fault isolation).
type Instance struct {
	ID         string
	Class      string
	Instrument domain.Instrument
	SessionID  string

	strategy Strategy
	store    persistence.Store
	logger   *zap.Logger

	version int64
	dirty   bool
	errored bool
	blocked bool
}

// NewInstance binds a concrete Strategy plugin to its identity and
// persistence coordinates. Call Init once before any other callback.
func NewInstance(id, class string, instrument domain.Instrument, sessionID string, s Strategy, store persistence.Store, logger *zap.Logger) *Instance {
	return &Instance{
		ID:         id,
		Class:      class,
		Instrument: instrument,
		SessionID:  sessionID,
		strategy:   s,
		store:      store,
		logger:     logger,
	}
}

// Errored reports whether a prior callback panicked; an errored instance
// receives no further callbacks until the operator restarts it.
func (inst *Instance) Errored() bool { return inst.errored }

// Blocked reports whether the instance was flagged blocked (e.g. by
// persistent market data loss).
func (inst *Instance) Blocked() bool { return inst.blocked }

// Restore hands a previously committed state blob (as returned by
// LoadRecoveryContext) to the strategy and records its version, before
// any live callback fires.
func (inst *Instance) Restore(ctx context.Context, blob []byte, version int64) error {
	if err := inst.strategy.State().Restore(blob); err != nil {
		return apperrors.Wrap(apperrors.CodeGeneral, apperrors.SeverityCritical, "restore strategy state", err)
	}
	inst.version = version
	return nil
}

// safeCall invokes fn with panic containment. A panic transitions the
// instance to errored and is logged at CRITICAL; it never propagates to
// the caller (the Trade Manager's cooperative loop must keep running).
func (inst *Instance) safeCall(ctx context.Context, callback string, fn func()) {
	if inst.errored {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			inst.errored = true
			inst.logger.Error("strategy callback panicked",
				zap.String("severity", string(apperrors.SeverityCritical)),
				zap.String("strategy_id", inst.ID),
				zap.String("class", inst.Class),
				zap.String("callback", callback),
				zap.Any("recover", r))
		}
	}()
	fn()
	inst.commit(ctx)
}

// commit persists the state container if the last callback marked it
// dirty, using CAS so a concurrent writer (there should be none, but the
// store enforces it regardless) cannot silently clobber a newer version.
func (inst *Instance) commit(ctx context.Context) {
	if !inst.dirty {
		return
	}
	blob, err := inst.strategy.State().Snapshot()
	if err != nil {
		inst.logger.Error("snapshot strategy state failed", zap.String("strategy_id", inst.ID), zap.Error(err))
		return
	}
	newVersion, err := inst.store.PutStrategyState(ctx, inst.SessionID, inst.ID, blob, inst.version)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeStaleVersion) {
			inst.logger.Error("strategy state CAS conflict, instance errored",
				zap.String("strategy_id", inst.ID))
			inst.errored = true
			return
		}
		inst.logger.Error("persist strategy state failed", zap.String("strategy_id", inst.ID), zap.Error(err))
		return
	}
	inst.version = newVersion
	inst.dirty = false
}

// MarkDirty is called by the Trade Manager whenever a callback's return
// value indicates the strategy's visible state changed (e.g. any
// orderable Decision, or an explicit state mutation during Process).
func (inst *Instance) MarkDirty() { inst.dirty = true }

// Validate runs one-shot parameter validation outside callback/panic
// containment (spec §4.5: rejection here is a startup failure, not a
// runtime fault).
func (inst *Instance) Validate(params map[string]any, portfolio domain.Portfolio) bool {
	return inst.strategy.Validate(params, portfolio)
}

// Init runs the one-time constructor hook.
func (inst *Instance) Init(ctx context.Context) {
	inst.safeCall(ctx, "Init", func() {
		if err := inst.strategy.Init(); err != nil {
			inst.logger.Error("strategy Init returned error", zap.String("strategy_id", inst.ID), zap.Error(err))
			inst.errored = true
			return
		}
		inst.MarkDirty()
	})
}

// Initialize binds parameters and working buffers.
func (inst *Instance) Initialize(ctx context.Context, portfolio domain.Portfolio, isFirstInit bool) {
	inst.safeCall(ctx, "Initialize", func() {
		if ok := inst.strategy.Initialize(portfolio, isFirstInit); !ok {
			inst.errored = true
			return
		}
		inst.MarkDirty()
	})
}

// Resume replays the current trading day's bars after a restart.
func (inst *Instance) Resume(ctx context.Context, barsToday []domain.Bar, portfolio domain.Portfolio, now time.Time) {
	inst.safeCall(ctx, "Resume", func() {
		if ok := inst.strategy.Resume(barsToday, portfolio, now); !ok {
			inst.errored = true
		}
		inst.MarkDirty()
	})
}

// Process is the hot path; it returns the strategy's Decision for the
// caller (the Trade Manager) to translate into order-tracker side
// effects. An errored or blocked instance is skipped and returns the zero
// Decision.
func (inst *Instance) Process(ctx context.Context, bar domain.Bar, portfolio domain.Portfolio) Decision {
	if inst.errored || inst.blocked {
		return Decision{}
	}
	var decision Decision
	inst.safeCall(ctx, "Process", func() {
		decision = inst.strategy.Process(bar, portfolio)
		if decision.Action != NoAction {
			inst.MarkDirty()
		}
	})
	return decision
}

func (inst *Instance) OnOrderAccepted(ctx context.Context, order domain.Order) {
	inst.safeCall(ctx, "OnOrderAccepted", func() {
		inst.strategy.OnOrderAccepted(order)
		inst.MarkDirty()
	})
}

func (inst *Instance) OnOrderFilled(ctx context.Context, order domain.Order, now time.Time) {
	inst.safeCall(ctx, "OnOrderFilled", func() {
		inst.strategy.OnOrderFilled(order, now)
		inst.MarkDirty()
	})
}

func (inst *Instance) OnOrderError(ctx context.Context, order domain.Order) {
	inst.safeCall(ctx, "OnOrderError", func() {
		inst.strategy.OnOrderError(order)
		inst.MarkDirty()
	})
}

func (inst *Instance) OnMarketDataError(ctx context.Context) {
	inst.safeCall(ctx, "OnMarketDataError", func() {
		inst.strategy.OnMarketDataError()
	})
}

func (inst *Instance) OnMarketDataRestore(ctx context.Context) {
	inst.safeCall(ctx, "OnMarketDataRestore", func() {
		inst.strategy.OnMarketDataRestore()
	})
}

// Block flags the instance blocked (persistent data loss, operator
// command); blocked instances are skipped by Process but keep receiving
// order callbacks so already-open positions are still tracked.
func (inst *Instance) Block() { inst.blocked = true }

func (inst *Instance) String() string {
	return fmt.Sprintf("strategy[%s class=%s instrument=%s]", inst.ID, inst.Class, inst.Instrument)
}
