package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtengine/tradengine/internal/domain"
)

func nativeBar(t time.Time, o, h, l, c, v float64) domain.Bar {
	return domain.Bar{Timestamp: t, Open: o, High: h, Low: l, Close: c, Volume: v, Closed: true}
}

func TestValidateTimeframesRejectsNonMultiple(t *testing.T) {
	err := ValidateTimeframes(time.Minute, 90*time.Second)
	require.Error(t, err)

	err = ValidateTimeframes(time.Minute, 5*time.Minute)
	require.NoError(t, err)
}

// Aggregation round-trip property (spec §8): replaying the same broker
// bars inside a single strategy-timeframe window yields the same
// aggregated closed bar.
func TestAggregationRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	native := []domain.Bar{
		nativeBar(base, 10, 11, 9, 10.5, 100),
		nativeBar(base.Add(time.Minute), 10.5, 12, 10, 11, 150),
		nativeBar(base.Add(2*time.Minute), 11, 11.5, 10.8, 11.2, 120),
		nativeBar(base.Add(5*time.Minute), 20, 21, 19, 20, 300), // next window
	}

	run := func() domain.Bar {
		agg := NewAggregator(5 * time.Minute)
		var closed domain.Bar
		for _, b := range native {
			for _, out := range agg.Feed(b) {
				if out.Closed {
					closed = out
				}
			}
		}
		return closed
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)

	assert.Equal(t, 10.0, first.Open)
	assert.Equal(t, 12.0, first.High)
	assert.Equal(t, 9.0, first.Low)
	assert.Equal(t, 11.2, first.Close)
	assert.Equal(t, 370.0, first.Volume)
	assert.True(t, first.Valid())
}

func TestAggregatorEmitsInProgressBars(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	agg := NewAggregator(5 * time.Minute)

	out := agg.Feed(nativeBar(base, 10, 11, 9, 10.5, 100))
	require.Len(t, out, 1)
	assert.False(t, out[0].Closed)

	out = agg.Feed(nativeBar(base.Add(time.Minute), 10.5, 12, 10, 11, 150))
	require.Len(t, out, 1)
	assert.False(t, out[0].Closed)
	assert.Equal(t, 12.0, out[0].High)
}

func TestAggregatorMonotoneNoRetrogradeClosedBar(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	agg := NewAggregator(time.Minute)

	var timestamps []time.Time
	for i := 0; i < 10; i++ {
		for _, out := range agg.Feed(nativeBar(base.Add(time.Duration(i)*20*time.Second), 1, 1, 1, 1, 1)) {
			if len(timestamps) > 0 {
				assert.False(t, out.Timestamp.Before(timestamps[len(timestamps)-1]))
			}
			timestamps = append(timestamps, out.Timestamp)
		}
	}
}
