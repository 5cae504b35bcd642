package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mtengine/tradengine/internal/domain"
)

func TestBackoffMonotonicity(t *testing.T) {
	// Backoff monotonicity property (spec §8): the k-th consecutive
	// reconnect delay is >= the (k-1)-th and <= 300s.
	prev := time.Duration(0)
	for k := 0; k < 20; k++ {
		d := backoffDelay(k)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 300*time.Second)
		prev = d
	}
}

func TestBackoffValues(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(0))
	assert.Equal(t, 60*time.Second, backoffDelay(1))
	assert.Equal(t, 120*time.Second, backoffDelay(2))
	assert.Equal(t, 300*time.Second, backoffDelay(10))
}

func TestChannelMachineRetryCapTransitionsToFailed(t *testing.T) {
	m := NewChannelMachine(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, m.Attempt(now))
		res := m.Fail(now)
		assert.Equal(t, res.NewState, m.Status().State)
		now = m.Status().NextAttemptAt
	}

	assert.True(t, m.Attempt(m.Status().NextAttemptAt))
	res := m.Fail(m.Status().NextAttemptAt)
	assert.Equal(t, DisconnectPermanent, res.Disconnect)
	assert.True(t, res.Emit)
}

func TestChannelMachineTransientLossRetriesIndefinitely(t *testing.T) {
	m := NewChannelMachine(1)
	now := time.Now()

	assert.True(t, m.Attempt(now))
	m.Succeed()

	for i := 0; i < 5; i++ {
		res := m.Fail(now)
		assert.Equal(t, DisconnectTransient, res.Disconnect)
		assert.NotEqual(t, domain.ChannelFailed, res.NewState)
		assert.True(t, m.Attempt(m.Status().NextAttemptAt))
		m.Succeed()
	}
}
