package meanreversion

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
	s.SetParams(Params{LookbackPeriod: 5, DeviationThreshold: 1.5, PositionSize: 10, StopLossPercent: 2.0})
	require.True(t, s.Initialize(nil, true))
	return s
}

func bar(close float64) domain.Bar {
	return domain.Bar{Timestamp: time.Now(), Open: close, High: close, Low: close, Close: close, Closed: true}
}

func TestBuysOnLowZScoreDip(t *testing.T) {
	s := newStrategy(t)
	for _, c := range []float64{100, 101, 99, 100, 100} {
		s.Process(bar(c), nil)
	}

	d := s.Process(bar(80), nil)
	assert.Equal(t, strategy.ActionBuy, d.Action)
	assert.Equal(t, 10.0, d.Quantity)
	assert.Greater(t, d.StopPrice, 0.0)
	assert.Equal(t, 10.0, s.st.Quantity)
}

func TestSellsOnHighZScoreSpikeAfterEntry(t *testing.T) {
	s := newStrategy(t)
	for _, c := range []float64{100, 101, 99, 100, 100} {
		s.Process(bar(c), nil)
	}
	s.Process(bar(80), nil)
	require.Equal(t, 10.0, s.st.Quantity)

	for _, c := range []float64{90, 95, 99, 100} {
		s.Process(bar(c), nil)
	}
	d := s.Process(bar(140), nil)
	assert.Equal(t, strategy.ActionSell, d.Action)
	assert.Equal(t, 0.0, s.st.Quantity)
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	s := &Strategy{}
	require.NoError(t, s.Init())
	assert.False(t, s.Validate(map[string]any{"lookback_period": 5, "deviation_threshold": 0.0, "position_size": 10.0, "stop_loss_percent": 2.0}, nil))
}
