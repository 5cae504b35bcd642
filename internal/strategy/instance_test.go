package strategy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/persistence/memstore"
)

type fakeState struct {
	Calls int `json:"calls"`
}

func (s *fakeState) Snapshot() ([]byte, error) { return json.Marshal(s) }
func (s *fakeState) Restore(blob []byte) error { return json.Unmarshal(blob, s) }

type fakeStrategy struct {
	st      fakeState
	panicOn string
}

func (f *fakeStrategy) Init() error { return nil }
func (f *fakeStrategy) Validate(map[string]any, domain.Portfolio) bool { return true }
func (f *fakeStrategy) Initialize(domain.Portfolio, bool) bool { return true }
func (f *fakeStrategy) Process(domain.Bar, domain.Portfolio) Decision {
	if f.panicOn == "Process" {
		panic("boom")
	}
	f.st.Calls++
	return Decision{Action: ActionBuy, Quantity: 1}
}
func (f *fakeStrategy) Resume([]domain.Bar, domain.Portfolio, time.Time) bool { return true }
func (f *fakeStrategy) OnOrderAccepted(domain.Order)         {}
func (f *fakeStrategy) OnOrderFilled(domain.Order, time.Time) {}
func (f *fakeStrategy) OnOrderError(domain.Order)            {}
func (f *fakeStrategy) OnMarketDataError()                   {}
func (f *fakeStrategy) OnMarketDataRestore()                 {}
func (f *fakeStrategy) State() StateContainer                { return &f.st }

func TestInstanceCommitsOnlyWhenDirty(t *testing.T) {
	store := memstore.New()
	fs := &fakeStrategy{}
	inst := NewInstance("s1", "FAKE", "EURUSD", "session1", fs, store, zap.NewNop())
	ctx := context.Background()

	inst.Process(ctx, domain.Bar{}, nil)

	_, version, err := store.GetStrategyState(ctx, "session1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// OnMarketDataError does not mark the state dirty, so nothing is committed.
	inst.OnMarketDataError(ctx)
	_, version, err = store.GetStrategyState(ctx, "session1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestInstancePanicContainment(t *testing.T) {
	store := memstore.New()
	fs := &fakeStrategy{panicOn: "Process"}
	inst := NewInstance("s1", "FAKE", "EURUSD", "session1", fs, store, zap.NewNop())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		inst.Process(ctx, domain.Bar{}, nil)
	})
	assert.True(t, inst.Errored())

	// Once errored, further callbacks are no-ops.
	d := inst.Process(ctx, domain.Bar{}, nil)
	assert.Equal(t, Decision{}, d)
}

func TestInstanceStaleVersionErrorsInstance(t *testing.T) {
	store := memstore.New()
	fs := &fakeStrategy{}
	inst := NewInstance("s1", "FAKE", "EURUSD", "session1", fs, store, zap.NewNop())
	ctx := context.Background()

	// Force the on-disk version ahead so the next commit loses the CAS race.
	_, err := store.PutStrategyState(ctx, "session1", "s1", []byte(`{}`), 0)
	require.NoError(t, err)
	_, err = store.PutStrategyState(ctx, "session1", "s1", []byte(`{}`), 1)
	require.NoError(t, err)

	inst.Process(ctx, domain.Bar{}, nil)
	assert.True(t, inst.Errored())
}
