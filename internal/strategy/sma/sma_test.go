package sma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtengine/tradengine/internal/domain"
	"github.com/mtengine/tradengine/internal/strategy"
)

func newStrategy(t *testing.T) *Strategy {
	t.Helper()
	s := &Strategy{}
	require.NoError(t, s.Init())
	s.SetParams(Params{Fast: 3, Slow: 5, StopPercent: 2.0})
	require.True(t, s.Initialize(nil, true))
	return s
}

func bar(close float64) domain.Bar {
	return domain.Bar{Timestamp: time.Now(), Open: close, High: close, Low: close, Close: close, Closed: true}
}

// TestGoldenCrossFiresBuy feeds the spec §8 scenario 1 close sequence and
// asserts a single BUY fires once the fast SMA first moves strictly above
// the slow SMA, with quantity and stop price derived from the firing
// bar's close.
func TestGoldenCrossFiresBuy(t *testing.T) {
	s := newStrategy(t)
	closes := []float64{10, 10, 10, 10, 10, 10, 11, 12, 13, 14}

	var fired int
	var decision strategy.Decision
	for _, c := range closes {
		d := s.Process(bar(c), nil)
		if d.Action != strategy.NoAction {
			fired++
			decision = d
		}
	}

	require.Equal(t, 1, fired, "exactly one BUY should fire across the sequence")
	assert.Equal(t, strategy.ActionBuy, decision.Action)
	assert.Equal(t, 100.0, decision.Quantity)
	assert.InDelta(t, 11*0.98, decision.StopPrice, 1e-9)
}

// TestFlatSequenceNeverFires is spec §8 scenario 2: a strategy fed the same
// close repeatedly must never emit an action, since fast and slow SMA
// never diverge.
func TestFlatSequenceNeverFires(t *testing.T) {
	s := newStrategy(t)
	for i := 0; i < 20; i++ {
		d := s.Process(bar(20), nil)
		assert.Equal(t, strategy.NoAction, d.Action)
	}
}

// TestDeathCrossClosesPosition is spec §8 scenario 3: once a position is
// open, a declining close sequence that drives the fast SMA back below
// the slow SMA must emit ACTION_FLAT and flatten the tracked quantity.
func TestDeathCrossClosesPosition(t *testing.T) {
	s := newStrategy(t)
	for _, c := range []float64{10, 10, 10, 10, 10, 10, 11, 12, 13, 14} {
		s.Process(bar(c), nil)
	}
	require.Equal(t, 100.0, s.st.Quantity, "golden cross leg must have opened the position")

	var sawFlat bool
	for _, c := range []float64{13, 12, 11, 10, 9} {
		d := s.Process(bar(c), nil)
		if d.Action == strategy.ActionFlat {
			sawFlat = true
		}
	}

	assert.True(t, sawFlat, "death cross must emit ACTION_FLAT")
	assert.Equal(t, 0.0, s.st.Quantity)
}

func TestValidateRejectsBadParams(t *testing.T) {
	s := &Strategy{}
	require.NoError(t, s.Init())
	assert.False(t, s.Validate(map[string]any{"fast": 5, "slow": 3, "stop_percent": 2.0}, nil))
	assert.True(t, s.Validate(map[string]any{"fast": 3, "slow": 5, "stop_percent": 2.0}, nil))
}
