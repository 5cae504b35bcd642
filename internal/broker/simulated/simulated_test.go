package simulated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/broker"
	"github.com/mtengine/tradengine/internal/domain"
)

// Scenario 6: authentication failure at startup (spec §8). The adapter
// MUST return AUTH and the engine must not retry.
func TestInitAuthFailureIsFatal(t *testing.T) {
	a := New(zap.NewNop(), Faults{AuthFails: true})
	_, err := a.Init(context.Background())
	require.Error(t, err)

	appErr, ok := err.(*apperrors.Error)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeAuth, appErr.Code)
	assert.False(t, appErr.Code.Retryable())
}

// Adapter idempotence property (spec §8): a RequestSubscribe for an
// already-subscribed instrument acks OK without creating a second
// broker-side subscription.
func TestRequestSubscribeIsIdempotent(t *testing.T) {
	a := New(zap.NewNop(), Faults{})
	_, err := a.Init(context.Background())
	require.NoError(t, err)

	a.RequestSubscribe("EURUSD", broker.Timeframe(time.Minute))
	a.RequestSubscribe("EURUSD", broker.Timeframe(time.Minute))

	acks := 0
	for i := 0; i < 2; i++ {
		ev := <-a.Events()
		require.Equal(t, broker.EventMarketDataSubscribed, ev.Type)
		assert.True(t, ev.OK)
		acks++
	}
	assert.Equal(t, 2, acks)

	a.mu.Lock()
	n := len(a.subscriptions)
	a.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestRequestOpenRejection(t *testing.T) {
	a := New(zap.NewNop(), Faults{RejectOrders: true})
	_, err := a.Init(context.Background())
	require.NoError(t, err)

	order := domain.Order{EngineID: "e1", Instrument: "EURUSD", Side: domain.SideBuy, Quantity: 100}
	a.RequestOpen(order)

	ev := <-a.Events()
	assert.Equal(t, broker.EventOrderRejected, ev.Type)
	assert.Equal(t, domain.OrderRejected, ev.Order.State)
}
